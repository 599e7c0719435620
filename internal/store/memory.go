// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/flowhook/flowhook/internal/model"
)

// MemoryStore is an in-memory Store used by unit tests and local
// prototyping. It is not durable.
type MemoryStore struct {
	mu      sync.Mutex
	plugins map[int]*model.Plugin
	configs map[int]*model.PluginConfig
	storage map[int]map[string]string
	logs    []model.LogEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plugins: make(map[int]*model.Plugin),
		configs: make(map[int]*model.PluginConfig),
		storage: make(map[int]map[string]string),
	}
}

// AddPlugin registers a plugin row. Test helper; the real store is written
// to by the operator surface.
func (s *MemoryStore) AddPlugin(p *model.Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[p.ID] = p
}

// AddPluginConfig registers a plugin-config row, resolving its Plugin pointer.
func (s *MemoryStore) AddPluginConfig(pc *model.PluginConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc.Plugin == nil {
		pc.Plugin = s.plugins[pc.PluginID]
	}
	s.configs[pc.ID] = pc
}

// LogEntries returns a copy of the persisted operational log.
func (s *MemoryStore) LogEntries() []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// PluginConfig returns a config by id, or nil.
func (s *MemoryStore) PluginConfig(id int) *model.PluginConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[id]
}

func (s *MemoryStore) PluginConfigsForTeam(ctx context.Context, teamID int) ([]*model.PluginConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PluginConfig
	for _, pc := range s.configs {
		if pc.TeamID == teamID && pc.Enabled {
			out = append(out, pc)
		}
	}
	sortConfigs(out)
	return out, nil
}

func (s *MemoryStore) AllEnabledPluginConfigs(ctx context.Context) ([]*model.PluginConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PluginConfig
	for _, pc := range s.configs {
		if pc.Enabled {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortConfigs(cfgs []*model.PluginConfig) {
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Order != cfgs[j].Order {
			return cfgs[i].Order < cfgs[j].Order
		}
		return cfgs[i].ID < cfgs[j].ID
	})
}

func (s *MemoryStore) SetPluginConfigError(ctx context.Context, pluginConfigID int, perr *model.PluginError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.configs[pluginConfigID]; ok {
		pc.Error = perr
	}
	return nil
}

func (s *MemoryStore) ClearPluginConfigError(ctx context.Context, pluginConfigID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.configs[pluginConfigID]; ok {
		pc.Error = nil
	}
	return nil
}

func (s *MemoryStore) DisablePluginConfig(ctx context.Context, pluginConfigID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.configs[pluginConfigID]; ok {
		pc.Enabled = false
	}
	return nil
}

func (s *MemoryStore) UpdatePluginCapabilities(ctx context.Context, pluginID int, caps model.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plugins[pluginID]; ok {
		p.Capabilities = caps
	}
	return nil
}

func (s *MemoryStore) AppendLogEntry(ctx context.Context, entry model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *MemoryStore) StorageGet(ctx context.Context, pluginConfigID int, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.storage[pluginConfigID][key]
	return v, ok, nil
}

func (s *MemoryStore) StorageSet(ctx context.Context, pluginConfigID int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storage[pluginConfigID] == nil {
		s.storage[pluginConfigID] = make(map[string]string)
	}
	s.storage[pluginConfigID][key] = value
	return nil
}

func (s *MemoryStore) StorageDel(ctx context.Context, pluginConfigID int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage[pluginConfigID], key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
