// SPDX-License-Identifier: MIT

// Package store is the narrow query interface over the relational metadata
// store: plugin rows, plugin-config rows, attachments, storage key-value
// rows and operational log entries.
package store

import (
	"context"

	"github.com/flowhook/flowhook/internal/model"
)

// Store is the metadata-store contract consumed by the engine. The web
// front-end owns writes to plugins and configs; this side reads them,
// records errors and capability summaries, and owns plugin storage rows.
type Store interface {
	// PluginConfigsForTeam returns the enabled configs for one team,
	// ordered by rank with id as tiebreak, with Plugin and Attachments
	// populated.
	PluginConfigsForTeam(ctx context.Context, teamID int) ([]*model.PluginConfig, error)

	// AllEnabledPluginConfigs returns every enabled config across teams,
	// same ordering per team.
	AllEnabledPluginConfigs(ctx context.Context) ([]*model.PluginConfig, error)

	// SetPluginConfigError records the last error on a config.
	SetPluginConfigError(ctx context.Context, pluginConfigID int, perr *model.PluginError) error

	// ClearPluginConfigError removes any recorded error from a config.
	ClearPluginConfigError(ctx context.Context, pluginConfigID int) error

	// DisablePluginConfig flips the enabled flag off.
	DisablePluginConfig(ctx context.Context, pluginConfigID int) error

	// UpdatePluginCapabilities persists a recomputed capability summary.
	UpdatePluginCapabilities(ctx context.Context, pluginID int, caps model.Capabilities) error

	// AppendLogEntry persists one operational log entry.
	AppendLogEntry(ctx context.Context, entry model.LogEntry) error

	// StorageGet reads a storage row keyed by (plugin config id, key).
	StorageGet(ctx context.Context, pluginConfigID int, key string) (string, bool, error)

	// StorageSet writes a storage row, replacing any existing value.
	StorageSet(ctx context.Context, pluginConfigID int, key, value string) error

	// StorageDel removes a storage row. Missing rows are a no-op.
	StorageDel(ctx context.Context, pluginConfigID int, key string) error
}
