// SPDX-License-Identifier: MIT

// Package sandbox builds one isolated goja VM per plugin configuration,
// injects the capability-scoped host bindings and enforces a hard
// wall-clock deadline on every hook call.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/model"
)

// Hook and task names recognised on a plugin's exports. Capability
// inference is a closed check over these, never an open-ended lookup.
var (
	// MethodNames are the event/lifecycle hooks a plugin may define.
	MethodNames = []string{"setupPlugin", "processEvent", "processEventBatch", "onEvent", "onSnapshot", "teardown"}
	// ScheduleNames are the periodic task entry points.
	ScheduleNames = []string{"runEveryMinute", "runEveryHour", "runEveryDay"}
)

var errHookTimeout = errors.New("hook exceeded time budget")

// Sandbox is the opaque execution context owned by exactly one
// PluginConfig. The VM is serialized: hooks run strictly one at a time so
// the per-plugin global scratch object stays consistent.
type Sandbox struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	cfg *model.PluginConfig

	host    Host
	timeout time.Duration
	logger  zerolog.Logger

	methods map[string]goja.Callable
	tasks   map[model.TaskType]map[string]goja.Callable

	// callCtx is the context of the in-flight hook call; host bindings
	// doing I/O run under it. Guarded by mu (one call at a time).
	callCtx context.Context
}

// New compiles the transpiled plugin source inside a fresh VM, installs the
// host bindings and registers the hook/task tables. A syntax or load-time
// error in the source is returned as a KindLoad error, never as a panic.
func New(cfg *model.PluginConfig, transpiled string, host Host) (*Sandbox, error) {
	if host.Timeout <= 0 {
		host.Timeout = 30 * time.Second
	}
	s := &Sandbox{
		vm:      goja.New(),
		cfg:     cfg,
		host:    host,
		timeout: host.Timeout,
		logger:  host.Logger,
		methods: make(map[string]goja.Callable),
		tasks: map[model.TaskType]map[string]goja.Callable{
			model.TaskTypeSchedule: {},
			model.TaskTypeJob:      {},
		},
	}
	s.callCtx = context.Background()

	if err := s.installBindings(); err != nil {
		return nil, model.NewPluginError(model.KindLoad, cfg.ID, err)
	}

	prog, err := goja.Compile(pluginSourceName(cfg), transpiled, false)
	if err != nil {
		return nil, model.NewPluginError(model.KindLoad, cfg.ID, fmt.Errorf("compile: %w", err))
	}
	if _, err := s.runGuarded(func() (goja.Value, error) { return s.vm.RunProgram(prog) }); err != nil {
		return nil, model.NewPluginError(model.KindLoad, cfg.ID, fmt.Errorf("evaluate: %w", err))
	}

	s.register()
	return s, nil
}

func pluginSourceName(cfg *model.PluginConfig) string {
	if cfg.Plugin != nil && cfg.Plugin.Name != "" {
		return cfg.Plugin.Name + "/index.js"
	}
	return "plugin/index.js"
}

// register performs the closed capability scan: each name in MethodNames
// and ScheduleNames is probed once, and the job table is read from the
// plugin's `jobs` object if one is defined.
func (s *Sandbox) register() {
	for _, name := range MethodNames {
		if fn, ok := goja.AssertFunction(s.vm.Get(name)); ok {
			s.methods[name] = fn
		}
	}
	for _, name := range ScheduleNames {
		if fn, ok := goja.AssertFunction(s.vm.Get(name)); ok {
			s.tasks[model.TaskTypeSchedule][name] = fn
		}
	}
	if jobsVal := s.vm.Get("jobs"); jobsVal != nil && !goja.IsUndefined(jobsVal) && !goja.IsNull(jobsVal) {
		if obj := jobsVal.ToObject(s.vm); obj != nil {
			for _, key := range obj.Keys() {
				if fn, ok := goja.AssertFunction(obj.Get(key)); ok {
					s.tasks[model.TaskTypeJob][key] = fn
				}
			}
		}
	}
}

// HasMethod reports whether the plugin defines the named hook itself
// (synthesized wrappers are not reported).
func (s *Sandbox) HasMethod(name string) bool {
	_, ok := s.methods[name]
	return ok
}

// TaskNames lists the registered tasks of one type, for capability
// summaries. Sorted, so two loads of the same source always yield an
// equal summary.
func (s *Sandbox) TaskNames(tt model.TaskType) []string {
	out := make([]string, 0, len(s.tasks[tt]))
	for name := range s.tasks[tt] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the inferred capability summary for this load.
func (s *Sandbox) Capabilities() model.Capabilities {
	caps := model.Capabilities{}
	for _, name := range MethodNames {
		if s.HasMethod(name) {
			caps.Methods = append(caps.Methods, name)
		}
	}
	for _, name := range ScheduleNames {
		if _, ok := s.tasks[model.TaskTypeSchedule][name]; ok {
			caps.Scheduled = append(caps.Scheduled, name)
		}
	}
	caps.Jobs = s.TaskNames(model.TaskTypeJob)
	return caps
}

// call invokes fn under the per-call deadline. The interrupt is armed
// host-side at call time, so sandboxed code cannot disable it. An
// interrupted call is reported as KindTimeout, a thrown exception as
// KindRuntime; the VM is cleared for the next call either way.
func (s *Sandbox) call(ctx context.Context, fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.callCtx = callCtx
	defer func() { s.callCtx = context.Background() }()

	return s.runGuarded(func() (goja.Value, error) {
		return fn(goja.Undefined(), args...)
	})
}

// runGuarded races run against the wall-clock budget. Callers must hold mu.
func (s *Sandbox) runGuarded(run func() (goja.Value, error)) (goja.Value, error) {
	timer := time.AfterFunc(s.timeout, func() { s.vm.Interrupt(errHookTimeout) })
	defer func() {
		timer.Stop()
		s.vm.ClearInterrupt()
	}()

	v, err := run()
	if err != nil {
		return nil, s.classify(err)
	}
	return v, nil
}

func (s *Sandbox) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return model.NewPluginError(model.KindTimeout, s.cfg.ID, errHookTimeout)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		perr := model.NewPluginError(model.KindRuntime, s.cfg.ID, errors.New(ex.Value().String()))
		perr.Stack = ex.String()
		return perr
	}
	return model.NewPluginError(model.KindRuntime, s.cfg.ID, err)
}
