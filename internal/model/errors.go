// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions failures so callers can mechanically decide between
// "absorb and record" (plugin misbehaved) and "propagate" (infrastructure
// failed) without matching on message strings.
type ErrorKind int

const (
	// KindLoad: archive unreadable, manifest malformed, syntax error in
	// plugin source. Disables the PluginConfig.
	KindLoad ErrorKind = iota
	// KindRuntime: an exception thrown inside a hook or task call.
	KindRuntime
	// KindTimeout: the hook exceeded its wall-clock budget.
	KindTimeout
	// KindInfra: transport/backend failures; propagated, never recorded
	// against a PluginConfig.
	KindInfra
	// KindLock: lease contention or unexpected lock-client failures.
	KindLock
)

func (k ErrorKind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindRuntime:
		return "runtime"
	case KindTimeout:
		return "timeout"
	case KindInfra:
		return "infra"
	case KindLock:
		return "lock"
	default:
		return "unknown"
	}
}

// PluginError is a failure attributed to one PluginConfig.
type PluginError struct {
	Kind           ErrorKind
	PluginConfigID int
	Message        string
	Stack          string
	At             time.Time
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin config %d: %s error: %s", e.PluginConfigID, e.Kind, e.Message)
}

// NewPluginError wraps err as a recorded plugin failure of the given kind.
func NewPluginError(kind ErrorKind, pluginConfigID int, err error) *PluginError {
	return &PluginError{
		Kind:           kind,
		PluginConfigID: pluginConfigID,
		Message:        err.Error(),
		At:             time.Now().UTC(),
	}
}

// AsPluginError unwraps err into a *PluginError if one is in the chain.
func AsPluginError(err error) (*PluginError, bool) {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsAbsorbable reports whether err is a plugin-caused failure that the
// runner should record rather than propagate.
func IsAbsorbable(err error) bool {
	if pe, ok := AsPluginError(err); ok {
		return pe.Kind == KindLoad || pe.Kind == KindRuntime || pe.Kind == KindTimeout
	}
	return false
}

// ErrNoBackendAvailable is raised by the job queue manager when every
// configured backend rejected an enqueue.
var ErrNoBackendAvailable = errors.New("jobqueue: no backend available")

// ErrTaskNotFound is raised when a named task does not exist on the target
// plugin's sandbox.
var ErrTaskNotFound = errors.New("task not found")
