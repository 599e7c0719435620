// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowhook/flowhook/internal/model"
)

// CanProcessEvents reports whether a single-event or batch transform hook is
// available, directly or by synthesis.
func (s *Sandbox) CanProcessEvents() bool {
	return s.HasMethod("processEvent") || s.HasMethod("processEventBatch")
}

// ProcessEvent runs the plugin's transform hook for one event. When only a
// batch hook is defined, the call is synthesized by wrapping the event in a
// one-element batch. A nil result means the plugin dropped the event.
func (s *Sandbox) ProcessEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if fn, ok := s.methods["processEvent"]; ok {
		v, err := s.call(ctx, fn, s.vm.ToValue(ev.ToMap()))
		if err != nil {
			return nil, err
		}
		return s.exportEvent(v, ev), nil
	}
	if _, ok := s.methods["processEventBatch"]; ok {
		out, err := s.ProcessEventBatch(ctx, []*model.Event{ev})
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out[0], nil
	}
	return ev, nil
}

// ProcessEventBatch runs the plugin's batch hook over events. When only the
// single-event hook is defined, it is mapped across the batch; an event
// dropped mid-batch (nil return) is removed from the output.
func (s *Sandbox) ProcessEventBatch(ctx context.Context, events []*model.Event) ([]*model.Event, error) {
	if fn, ok := s.methods["processEventBatch"]; ok {
		maps := make([]map[string]any, len(events))
		for i, ev := range events {
			maps[i] = ev.ToMap()
		}
		v, err := s.call(ctx, fn, s.vm.ToValue(maps))
		if err != nil {
			return nil, err
		}
		return s.exportBatch(v, events), nil
	}
	if _, ok := s.methods["processEvent"]; ok {
		out := make([]*model.Event, 0, len(events))
		for _, ev := range events {
			res, err := s.ProcessEvent(ctx, ev)
			if err != nil {
				return nil, err
			}
			if res != nil {
				out = append(out, res)
			}
		}
		return out, nil
	}
	return events, nil
}

// OnEvent notifies the plugin of an exported event. Observer only: the
// return value is ignored.
func (s *Sandbox) OnEvent(ctx context.Context, ev *model.Event) error {
	fn, ok := s.methods["onEvent"]
	if !ok {
		return nil
	}
	_, err := s.call(ctx, fn, s.vm.ToValue(ev.ToMap()))
	return err
}

// OnSnapshot notifies the plugin of a session-recording snapshot event.
func (s *Sandbox) OnSnapshot(ctx context.Context, ev *model.Event) error {
	fn, ok := s.methods["onSnapshot"]
	if !ok {
		return nil
	}
	_, err := s.call(ctx, fn, s.vm.ToValue(ev.ToMap()))
	return err
}

// SetupPlugin runs the one-time setup hook, if defined. A failing setup is
// treated as a load failure by the lifecycle manager.
func (s *Sandbox) SetupPlugin(ctx context.Context) error {
	fn, ok := s.methods["setupPlugin"]
	if !ok {
		return nil
	}
	_, err := s.call(ctx, fn)
	return err
}

// Teardown runs the plugin's teardown hook under the usual guard. Safe to
// call when no teardown hook is defined.
func (s *Sandbox) Teardown(ctx context.Context) error {
	fn, ok := s.methods["teardown"]
	if !ok {
		return nil
	}
	_, err := s.call(ctx, fn)
	return err
}

// RunTask executes a named task of the given type. A missing task is an
// error, not a silent no-op.
func (s *Sandbox) RunTask(ctx context.Context, taskType model.TaskType, name string, payload map[string]any) (any, error) {
	fn, ok := s.tasks[taskType][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s task %q on plugin config %d", model.ErrTaskNotFound, taskType, name, s.cfg.ID)
	}
	var args []goja.Value
	if payload != nil {
		args = append(args, s.vm.ToValue(payload))
	}
	v, err := s.call(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// exportEvent converts a hook's return value back into an event. Null and
// undefined signal "drop".
func (s *Sandbox) exportEvent(v goja.Value, prev *model.Event) *model.Event {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		// A non-object return keeps the previous event untouched.
		return prev
	}
	return model.EventFromMap(m, prev)
}

func (s *Sandbox) exportBatch(v goja.Value, prev []*model.Event) []*model.Event {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, ok := v.Export().([]any)
	if !ok {
		return prev
	}
	out := make([]*model.Event, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		base := &model.Event{}
		if i < len(prev) {
			base = prev[i]
		}
		out = append(out, model.EventFromMap(m, base))
	}
	return out
}
