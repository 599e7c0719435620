// SPDX-License-Identifier: MIT

// Package lifecycle loads plugin source into sandboxes, infers and persists
// capability summaries, and disables configurations that fail to load.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/sandbox"
	"github.com/flowhook/flowhook/internal/store"
)

// Loaded pairs a plugin config with its sandbox handle. A nil Sandbox means
// the config failed to load; the runner skips it but it stays visible for
// inspection and repair.
type Loaded struct {
	Config  *model.PluginConfig
	Sandbox *sandbox.Sandbox
}

// Manager owns every sandbox in the process.
type Manager struct {
	store  store.Store
	host   sandbox.Host
	logger zerolog.Logger

	mu    sync.Mutex
	byID  map[int]*Loaded
	teams map[int][]*Loaded
}

// NewManager builds a Manager. host is the capability template shared by
// all sandboxes; per-config namespacing happens inside the sandbox.
func NewManager(st store.Store, host sandbox.Host) *Manager {
	return &Manager{
		store:  st,
		host:   host,
		logger: log.WithComponent("lifecycle"),
		byID:   make(map[int]*Loaded),
		teams:  make(map[int][]*Loaded),
	}
}

// Load resolves, transpiles and instantiates one plugin config. On success
// the sandbox's setup hook has run, a "loaded" log entry is persisted, the
// capability summary is refreshed if changed and any previous error is
// cleared. On failure the config is disabled at the store and the error
// recorded; Load never panics on bad plugin source.
func (m *Manager) Load(ctx context.Context, pc *model.PluginConfig) (*sandbox.Sandbox, error) {
	sb, err := m.build(ctx, pc)
	if err != nil {
		m.recordLoadFailure(ctx, pc, err)
		return nil, err
	}

	m.recordLoadSuccess(ctx, pc, sb)
	return sb, nil
}

func (m *Manager) build(ctx context.Context, pc *model.PluginConfig) (*sandbox.Sandbox, error) {
	if pc.Plugin == nil {
		return nil, model.NewPluginError(model.KindLoad, pc.ID, fmt.Errorf("config %d has no plugin row", pc.ID))
	}
	src, err := resolveSource(pc.Plugin)
	if err != nil {
		return nil, model.NewPluginError(model.KindLoad, pc.ID, err)
	}
	if err := validateConfig(pc, src.Manifest); err != nil {
		return nil, model.NewPluginError(model.KindLoad, pc.ID, err)
	}

	sb, err := sandbox.New(pc, transpile(src.Script), m.host)
	if err != nil {
		return nil, err
	}
	if err := sb.SetupPlugin(ctx); err != nil {
		// A failing setup is a load failure: the plugin never becomes
		// servable.
		if perr, ok := model.AsPluginError(err); ok {
			perr.Kind = model.KindLoad
			return nil, perr
		}
		return nil, model.NewPluginError(model.KindLoad, pc.ID, err)
	}
	return sb, nil
}

// validateConfig checks user-supplied values against the manifest schema
// and applies declared defaults.
func validateConfig(pc *model.PluginConfig, m Manifest) error {
	if pc.Config == nil {
		pc.Config = map[string]string{}
	}
	for _, field := range m.Config {
		v, present := pc.Config[field.Key]
		if !present || v == "" {
			if field.Default != "" {
				pc.Config[field.Key] = field.Default
				continue
			}
			if field.Required {
				return fmt.Errorf("config value %q is required", field.Key)
			}
		}
	}
	return nil
}

func (m *Manager) recordLoadSuccess(ctx context.Context, pc *model.PluginConfig, sb *sandbox.Sandbox) {
	pc.Error = nil
	if err := m.store.ClearPluginConfigError(ctx, pc.ID); err != nil {
		m.logger.Error().Err(err).Int(log.FieldPluginConfigID, pc.ID).Msg("failed to clear config error")
	}

	caps := sb.Capabilities()
	if pc.Plugin != nil && !caps.Equal(pc.Plugin.Capabilities) {
		if err := m.store.UpdatePluginCapabilities(ctx, pc.Plugin.ID, caps); err != nil {
			m.logger.Error().Err(err).Int(log.FieldPluginID, pc.Plugin.ID).Msg("failed to persist capabilities")
		} else {
			pc.Plugin.Capabilities = caps
		}
	}

	m.appendLog(ctx, pc, model.LogLevelInfo, fmt.Sprintf("Plugin loaded (instance ID %d).", pc.ID))
	metrics.PluginLoads.WithLabelValues("success").Inc()
	m.logger.Info().
		Int(log.FieldPluginConfigID, pc.ID).
		Int(log.FieldTeamID, pc.TeamID).
		Str(log.FieldPluginName, pluginName(pc)).
		Msg("plugin loaded")
}

func (m *Manager) recordLoadFailure(ctx context.Context, pc *model.PluginConfig, err error) {
	perr, ok := model.AsPluginError(err)
	if !ok {
		perr = model.NewPluginError(model.KindLoad, pc.ID, err)
	}
	pc.Error = perr
	pc.Enabled = false

	if serr := m.store.SetPluginConfigError(ctx, pc.ID, perr); serr != nil {
		m.logger.Error().Err(serr).Int(log.FieldPluginConfigID, pc.ID).Msg("failed to record config error")
	}
	if serr := m.store.DisablePluginConfig(ctx, pc.ID); serr != nil {
		m.logger.Error().Err(serr).Int(log.FieldPluginConfigID, pc.ID).Msg("failed to disable config")
	}
	m.appendLog(ctx, pc, model.LogLevelError,
		fmt.Sprintf("Plugin failed to load and was disabled: %s", perr.Message))
	metrics.PluginLoads.WithLabelValues("failure").Inc()
	m.logger.Error().
		Err(perr).
		Int(log.FieldPluginConfigID, pc.ID).
		Int(log.FieldTeamID, pc.TeamID).
		Str(log.FieldPluginName, pluginName(pc)).
		Msg("plugin failed to load, disabled")
}

// Unload tears the sandbox down under the usual timeout guard and releases
// the handle. Calling it on an already-unloaded config is a no-op.
func (m *Manager) Unload(ctx context.Context, pluginConfigID int) {
	m.mu.Lock()
	loaded := m.byID[pluginConfigID]
	m.mu.Unlock()
	if loaded == nil || loaded.Sandbox == nil {
		return
	}

	if err := loaded.Sandbox.Teardown(ctx); err != nil {
		m.appendLog(ctx, loaded.Config, model.LogLevelError, fmt.Sprintf("Plugin teardown failed: %s", err))
		m.logger.Warn().Err(err).Int(log.FieldPluginConfigID, pluginConfigID).Msg("teardown failed")
	} else {
		m.appendLog(ctx, loaded.Config, model.LogLevelInfo, "Plugin unloaded.")
	}

	m.mu.Lock()
	loaded.Sandbox = nil
	delete(m.byID, pluginConfigID)
	m.rebuildTeamsLocked()
	m.mu.Unlock()
}

// Reload fetches every enabled config from the store and (re)loads each
// one, replacing the in-memory set. Existing sandboxes are torn down first.
func (m *Manager) Reload(ctx context.Context) error {
	configs, err := m.store.AllEnabledPluginConfigs(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: fetch enabled configs: %w", err)
	}

	m.UnloadAll(ctx)

	byID := make(map[int]*Loaded, len(configs))
	for _, pc := range configs {
		sb, err := m.Load(ctx, pc)
		if err != nil {
			// Disabled and recorded; keep the config visible with a
			// nil sandbox handle.
			byID[pc.ID] = &Loaded{Config: pc}
			continue
		}
		byID[pc.ID] = &Loaded{Config: pc, Sandbox: sb}
	}

	m.mu.Lock()
	m.byID = byID
	m.rebuildTeamsLocked()
	m.mu.Unlock()

	m.logger.Info().Int("configs", len(configs)).Msg("plugin reload complete")
	return nil
}

// UnloadAll tears down every loaded sandbox, used on shutdown and reload.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		m.Unload(ctx, id)
	}
}

// ConfigsForTeam returns the loaded configs of one team in rank order with
// id as tiebreak.
func (m *Manager) ConfigsForTeam(teamID int) []*Loaded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teams[teamID]
}

// Get returns the loaded entry for one config id, or nil.
func (m *Manager) Get(pluginConfigID int) *Loaded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[pluginConfigID]
}

// All returns every loaded entry, ordered by config id.
func (m *Manager) All() []*Loaded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Loaded, 0, len(m.byID))
	for _, l := range m.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

func (m *Manager) rebuildTeamsLocked() {
	teams := make(map[int][]*Loaded)
	for _, l := range m.byID {
		teams[l.Config.TeamID] = append(teams[l.Config.TeamID], l)
	}
	for _, list := range teams {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Config.Order != list[j].Config.Order {
				return list[i].Config.Order < list[j].Config.Order
			}
			return list[i].Config.ID < list[j].Config.ID
		})
	}
	m.teams = teams
}

func (m *Manager) appendLog(ctx context.Context, pc *model.PluginConfig, level model.LogLevel, msg string) {
	entry := model.LogEntry{
		PluginConfigID: pc.ID,
		TeamID:         pc.TeamID,
		Source:         model.LogSourceSystem,
		Level:          level,
		Message:        msg,
		At:             time.Now().UTC(),
	}
	if err := m.store.AppendLogEntry(ctx, entry); err != nil {
		m.logger.Error().Err(err).Int(log.FieldPluginConfigID, pc.ID).Msg("failed to append log entry")
	}
}

func pluginName(pc *model.PluginConfig) string {
	if pc.Plugin != nil {
		return pc.Plugin.Name
	}
	return ""
}
