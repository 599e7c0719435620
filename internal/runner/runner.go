// SPDX-License-Identifier: MIT

// Package runner threads events through each team's ordered plugin chain
// and drives plugin tasks. Plugin-caused failures are contained here and
// converted into recorded state; infrastructure failures propagate.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/lifecycle"
	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/sandbox"
	"github.com/flowhook/flowhook/internal/store"
)

// Runner executes plugin chains against loaded sandboxes.
type Runner struct {
	manager *lifecycle.Manager
	store   store.Store
	logger  zerolog.Logger
}

// New builds a Runner over the lifecycle manager's loaded set.
func New(manager *lifecycle.Manager, st store.Store) *Runner {
	return &Runner{
		manager: manager,
		store:   st,
		logger:  log.WithComponent("runner"),
	}
}

// Run threads one event through its team's enabled chain in rank order.
// A nil result means a plugin dropped the event. When no plugin ran, the
// event is returned unchanged without outcome lists.
func (r *Runner) Run(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if ev == nil {
		return nil, nil
	}
	ctx = log.ContextWithTeamID(ctx, ev.TeamID)
	current := ev
	for _, loaded := range r.manager.ConfigsForTeam(ev.TeamID) {
		sb := loaded.Sandbox
		if sb == nil || !loaded.Config.Enabled || !sb.CanProcessEvents() {
			continue
		}

		// The hook gets a copy so a failing plugin's half-applied
		// mutation can be discarded.
		attempt := current.Clone()
		start := time.Now()
		result, err := sb.ProcessEvent(ctx, attempt)
		metrics.HookDuration.WithLabelValues("processEvent").Observe(time.Since(start).Seconds())
		if err != nil {
			r.reportFailure(ctx, loaded.Config, "processEvent", err)
			current.AppendOutcome(pluginName(loaded.Config), false)
			continue
		}
		if result == nil {
			metrics.EventsDropped.Inc()
			return nil, nil
		}
		result.AppendOutcome(pluginName(loaded.Config), true)
		current = result
	}
	metrics.EventsProcessed.Inc()
	return current, nil
}

// RunBatch applies each team's chain to its slice of the batch, preferring
// batch-capable hooks. A plugin that errors on a batch call is skipped for
// the whole remaining batch of that team, but the batch continues through
// subsequent plugins. Event order is preserved; dropped events are removed.
func (r *Runner) RunBatch(ctx context.Context, events []*model.Event) []*model.Event {
	byTeam := make(map[int][]indexed)
	teamOrder := make([]int, 0)
	for i, ev := range events {
		if ev == nil {
			continue
		}
		if _, seen := byTeam[ev.TeamID]; !seen {
			teamOrder = append(teamOrder, ev.TeamID)
		}
		byTeam[ev.TeamID] = append(byTeam[ev.TeamID], indexed{i, ev})
	}

	final := make([]*model.Event, len(events))
	for _, teamID := range teamOrder {
		slice := byTeam[teamID]
		current := make([]indexed, len(slice))
		copy(current, slice)

		teamCtx := log.ContextWithTeamID(ctx, teamID)
		for _, loaded := range r.manager.ConfigsForTeam(teamID) {
			sb := loaded.Sandbox
			if sb == nil || !loaded.Config.Enabled || !sb.CanProcessEvents() {
				continue
			}
			current = r.runBatchPlugin(teamCtx, loaded, sb, current)
		}
		for _, item := range current {
			final[item.idx] = item.ev
		}
	}

	out := make([]*model.Event, 0, len(events))
	for _, ev := range final {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

// indexed keeps an event paired with its position in the delivered batch so
// output order matches transport order.
type indexed struct {
	idx int
	ev  *model.Event
}

func (r *Runner) runBatchPlugin(ctx context.Context, loaded *lifecycle.Loaded, sb *sandbox.Sandbox, current []indexed) []indexed {
	attempts := make([]*model.Event, len(current))
	for i, item := range current {
		attempts[i] = item.ev.Clone()
	}
	start := time.Now()
	results, err := sb.ProcessEventBatch(ctx, attempts)
	metrics.HookDuration.WithLabelValues("processEventBatch").Observe(time.Since(start).Seconds())
	if err != nil {
		// One failure skips this plugin for the whole remaining batch.
		r.reportFailure(ctx, loaded.Config, "processEventBatch", err)
		for _, item := range current {
			item.ev.AppendOutcome(pluginName(loaded.Config), false)
		}
		return current
	}

	// Re-associate surviving events with their original positions by
	// UUID: a batch hook may drop events but must not reorder them.
	byUUID := make(map[string]int, len(current))
	for i, item := range current {
		byUUID[item.ev.UUID] = current[i].idx
	}
	next := current[:0]
	for _, res := range results {
		if res == nil {
			continue
		}
		idx, ok := byUUID[res.UUID]
		if !ok {
			continue
		}
		res.AppendOutcome(pluginName(loaded.Config), true)
		next = append(next, indexed{idx, res})
	}
	return next
}

// RunTask executes a named task on the target config's sandbox. A missing
// config, a nil sandbox handle or an unknown task name is an error.
func (r *Runner) RunTask(ctx context.Context, taskType model.TaskType, taskName string, pluginConfigID int, payload map[string]any) (any, error) {
	ctx = log.ContextWithPluginConfigID(ctx, pluginConfigID)
	loaded := r.manager.Get(pluginConfigID)
	if loaded == nil {
		return nil, fmt.Errorf("runner: plugin config %d is not loaded", pluginConfigID)
	}
	if loaded.Sandbox == nil {
		return nil, fmt.Errorf("runner: plugin config %d has no sandbox (failed to load)", pluginConfigID)
	}
	res, err := loaded.Sandbox.RunTask(ctx, taskType, taskName, payload)
	if err != nil {
		if model.IsAbsorbable(err) {
			r.reportFailure(ctx, loaded.Config, string(taskType)+":"+taskName, err)
		}
		return nil, err
	}
	return res, nil
}

// OnEvent fans an exported event out to every observer hook of its team.
// Session-recording snapshots go to onSnapshot observers, everything else
// to onEvent. Observer errors are recorded and never affect the event.
func (r *Runner) OnEvent(ctx context.Context, ev *model.Event) {
	hook := "onEvent"
	if ev.Name == model.EventSnapshot {
		hook = "onSnapshot"
	}
	for _, loaded := range r.manager.ConfigsForTeam(ev.TeamID) {
		sb := loaded.Sandbox
		if sb == nil || !sb.HasMethod(hook) {
			continue
		}
		var err error
		if hook == "onSnapshot" {
			err = sb.OnSnapshot(ctx, ev)
		} else {
			err = sb.OnEvent(ctx, ev)
		}
		if err != nil {
			r.reportFailure(ctx, loaded.Config, hook, err)
		}
	}
}

// ConfigsWithScheduledTask lists the loaded config ids registered for one
// cadence, for the schedule manager's ticks.
func (r *Runner) ConfigsWithScheduledTask(taskName string) []int {
	var out []int
	for _, loaded := range r.manager.All() {
		if loaded.Sandbox == nil {
			continue
		}
		for _, name := range loaded.Sandbox.TaskNames(model.TaskTypeSchedule) {
			if name == taskName {
				out = append(out, loaded.Config.ID)
				break
			}
		}
	}
	return out
}

// reportFailure routes a plugin-caused failure to the recorded-state path:
// error field, operational log entry, metric, structured log.
func (r *Runner) reportFailure(ctx context.Context, pc *model.PluginConfig, hook string, err error) {
	perr, ok := model.AsPluginError(err)
	if !ok {
		perr = model.NewPluginError(model.KindRuntime, pc.ID, err)
	}
	metrics.HookFailures.WithLabelValues(hook, perr.Kind.String()).Inc()
	metrics.EventsFailed.Inc()

	// The context carries team/config/job ids from whichever entry point
	// led here, so a failed job's log line names the job.
	ctx = log.ContextWithTeamID(ctx, pc.TeamID)
	ctx = log.ContextWithPluginConfigID(ctx, pc.ID)
	logger := log.WithContext(ctx, r.logger)

	if serr := r.store.SetPluginConfigError(ctx, pc.ID, perr); serr != nil {
		logger.Error().Err(serr).Msg("failed to record hook error")
	}
	if serr := r.store.AppendLogEntry(ctx, model.LogEntry{
		PluginConfigID: pc.ID,
		TeamID:         pc.TeamID,
		Source:         model.LogSourcePlugin,
		Level:          model.LogLevelError,
		Message:        fmt.Sprintf("%s failed: %s", hook, perr.Message),
		At:             time.Now().UTC(),
	}); serr != nil {
		logger.Error().Err(serr).Msg("failed to append log entry")
	}

	logger.Warn().
		Err(perr).
		Str(log.FieldHook, hook).
		Msg("plugin hook failed")
}

func pluginName(pc *model.PluginConfig) string {
	if pc.Plugin != nil && pc.Plugin.Name != "" {
		return pc.Plugin.Name
	}
	return fmt.Sprintf("plugin-config-%d", pc.ID)
}
