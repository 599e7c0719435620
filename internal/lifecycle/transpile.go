// SPDX-License-Identifier: MIT

package lifecycle

import (
	"regexp"
	"strings"
)

// Plugins are written as ES modules; the embedded VM evaluates plain
// scripts, so declarations are down-leveled before compilation:
// exports become globals and bare imports are dropped (the host provides
// its bindings as globals).
var (
	reExportDecl   = regexp.MustCompile(`(?m)^\s*export\s+(async\s+function|function|var|class)\s+`)
	reExportBind   = regexp.MustCompile(`(?m)^\s*export\s+(const|let)\s+`)
	reExportBlock  = regexp.MustCompile(`(?m)^\s*export\s*\{[^}]*\}\s*;?\s*$`)
	reExportDefault = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)
	reImportLine   = regexp.MustCompile(`(?m)^\s*import\s+[^;\n]+;?\s*$`)
)

// transpile down-levels a plugin's entry script for the VM.
func transpile(src string) string {
	out := reImportLine.ReplaceAllString(src, "")
	out = reExportDefault.ReplaceAllString(out, "var __default = ")
	out = reExportDecl.ReplaceAllStringFunc(out, func(m string) string {
		return strings.Replace(m, "export ", "", 1)
	})
	// const/let exports become vars so they land on the global object and
	// the capability scan can see them.
	out = reExportBind.ReplaceAllStringFunc(out, func(m string) string {
		trimmed := strings.Replace(m, "export ", "", 1)
		trimmed = strings.Replace(trimmed, "const ", "var ", 1)
		trimmed = strings.Replace(trimmed, "let ", "var ", 1)
		return trimmed
	})
	out = reExportBlock.ReplaceAllString(out, "")
	return out
}
