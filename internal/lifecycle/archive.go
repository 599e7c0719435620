// SPDX-License-Identifier: MIT

package lifecycle

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/flowhook/flowhook/internal/model"
)

const (
	entryScript  = "index.js"
	manifestName = "plugin.json"

	// Decompression cap per archive member.
	maxMemberSize = 16 << 20
)

// ErrManifest marks manifest problems, distinct from plugin code errors.
var ErrManifest = errors.New("plugin manifest")

// Manifest is the plugin.json structure shipped inside a plugin archive.
type Manifest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Config      []model.ConfigField `json:"config"`
}

// pluginSource is the pair of members every plugin distribution carries.
type pluginSource struct {
	Script   string
	Manifest Manifest
}

// resolveSource extracts the entry script and manifest from wherever the
// plugin lives: a local directory in development, or an inline zip/tar.gz
// archive.
func resolveSource(p *model.Plugin) (*pluginSource, error) {
	switch {
	case p.LocalPath != "":
		return readLocalDir(p.LocalPath)
	case len(p.Archive) > 0:
		return readArchive(p.Archive)
	default:
		return nil, fmt.Errorf("plugin %q has no source: no archive and no local path", p.Name)
	}
}

func readLocalDir(dir string) (*pluginSource, error) {
	script, err := os.ReadFile(filepath.Join(dir, entryScript))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", entryScript, err)
	}
	manifest, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrManifest, manifestName, err)
	}
	return assemble(script, manifest)
}

func readArchive(archive []byte) (*pluginSource, error) {
	var script, manifest []byte
	var err error
	switch {
	case bytes.HasPrefix(archive, []byte("PK\x03\x04")):
		script, manifest, err = extractZip(archive)
	case bytes.HasPrefix(archive, []byte{0x1f, 0x8b}):
		script, manifest, err = extractTarGz(archive)
	default:
		return nil, errors.New("archive is neither zip nor gzip")
	}
	if err != nil {
		return nil, err
	}
	return assemble(script, manifest)
}

func assemble(script, manifest []byte) (*pluginSource, error) {
	if script == nil {
		return nil, fmt.Errorf("archive has no %s", entryScript)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: archive has no %s", ErrManifest, manifestName)
	}
	var m Manifest
	if err := json.Unmarshal(manifest, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrManifest, manifestName, err)
	}
	return &pluginSource{Script: string(script), Manifest: m}, nil
}

// memberMatch compares an archive member path against a wanted basename,
// tolerating one top-level directory (the usual `plugin-x.y/index.js`
// layout of release tarballs).
func memberMatch(name, want string) bool {
	name = path.Clean(name)
	if name == want {
		return true
	}
	dir, base := path.Split(name)
	return base == want && !path.IsAbs(name) && len(path.Clean(dir)) > 0 && !hasDoubleDir(name)
}

func hasDoubleDir(name string) bool {
	dir := path.Dir(path.Clean(name))
	return dir != "." && path.Dir(dir) != "."
}

func extractZip(archive []byte) (script, manifest []byte, err error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range r.File {
		var dst *[]byte
		switch {
		case memberMatch(f.Name, entryScript):
			dst = &script
		case memberMatch(f.Name, manifestName):
			dst = &manifest
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open zip member %s: %w", f.Name, err)
		}
		buf, err := io.ReadAll(io.LimitReader(rc, maxMemberSize))
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read zip member %s: %w", f.Name, err)
		}
		*dst = buf
	}
	return script, manifest, nil
}

func extractTarGz(archive []byte) (script, manifest []byte, err error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		var dst *[]byte
		switch {
		case memberMatch(hdr.Name, entryScript):
			dst = &script
		case memberMatch(hdr.Name, manifestName):
			dst = &manifest
		default:
			continue
		}
		buf, err := io.ReadAll(io.LimitReader(tr, maxMemberSize))
		if err != nil {
			return nil, nil, fmt.Errorf("read tar member %s: %w", hdr.Name, err)
		}
		*dst = buf
	}
	return script, manifest, nil
}
