// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/flowhook/flowhook/internal/model"
)

// SQLiteConfig defines standard SQLite operational parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns the recommended pool configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// SQLiteStore implements Store on a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite initializes a SQLite connection pool with mandatory PRAGMAs
// (WAL journal, busy timeout, foreign keys) applied through the DSN so they
// hold for every pooled connection, then ensures the schema.
func OpenSQLite(dbPath string, cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for components that share it (job queue
// sql backend).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	archive BLOB,
	config_schema TEXT NOT NULL DEFAULT '[]',
	capabilities TEXT NOT NULL DEFAULT '{}',
	error TEXT
);
CREATE TABLE IF NOT EXISTS plugin_configs (
	id INTEGER PRIMARY KEY,
	team_id INTEGER NOT NULL,
	plugin_id INTEGER NOT NULL REFERENCES plugins(id),
	enabled INTEGER NOT NULL DEFAULT 0,
	ord INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL DEFAULT '{}',
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_plugin_configs_team ON plugin_configs(team_id, enabled);
CREATE TABLE IF NOT EXISTS plugin_attachments (
	id INTEGER PRIMARY KEY,
	plugin_config_id INTEGER NOT NULL REFERENCES plugin_configs(id),
	key TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	contents BLOB
);
CREATE TABLE IF NOT EXISTS plugin_storage (
	plugin_config_id INTEGER NOT NULL REFERENCES plugin_configs(id),
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (plugin_config_id, key)
);
CREATE TABLE IF NOT EXISTS plugin_log_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plugin_config_id INTEGER NOT NULL,
	team_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	at TEXT NOT NULL
);
`

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: schema: %w", err)
	}
	return nil
}

const configSelect = `
SELECT pc.id, pc.team_id, pc.plugin_id, pc.enabled, pc.ord, pc.config, pc.error,
       p.name, p.description, p.url, p.local_path, p.archive, p.config_schema, p.capabilities
FROM plugin_configs pc
JOIN plugins p ON p.id = pc.plugin_id
`

func (s *SQLiteStore) PluginConfigsForTeam(ctx context.Context, teamID int) ([]*model.PluginConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		configSelect+`WHERE pc.team_id = ? AND pc.enabled = 1 ORDER BY pc.ord, pc.id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query configs for team %d: %w", teamID, err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanConfigs(ctx, rows)
}

func (s *SQLiteStore) AllEnabledPluginConfigs(ctx context.Context) ([]*model.PluginConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		configSelect+`WHERE pc.enabled = 1 ORDER BY pc.team_id, pc.ord, pc.id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query enabled configs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanConfigs(ctx, rows)
}

func (s *SQLiteStore) scanConfigs(ctx context.Context, rows *sql.Rows) ([]*model.PluginConfig, error) {
	var out []*model.PluginConfig
	for rows.Next() {
		var (
			pc         model.PluginConfig
			plugin     model.Plugin
			enabled    int
			configJSON string
			pcErr      sql.NullString
			archive    []byte
			schemaJSON string
			capsJSON   string
		)
		if err := rows.Scan(&pc.ID, &pc.TeamID, &pc.PluginID, &enabled, &pc.Order, &configJSON, &pcErr,
			&plugin.Name, &plugin.Description, &plugin.URL, &plugin.LocalPath, &archive, &schemaJSON, &capsJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan config: %w", err)
		}
		pc.Enabled = enabled != 0
		plugin.ID = pc.PluginID
		plugin.Archive = archive
		if err := json.Unmarshal([]byte(configJSON), &pc.Config); err != nil {
			return nil, fmt.Errorf("sqlite: config %d values: %w", pc.ID, err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &plugin.ConfigSchema); err != nil {
			return nil, fmt.Errorf("sqlite: plugin %d schema: %w", plugin.ID, err)
		}
		if err := json.Unmarshal([]byte(capsJSON), &plugin.Capabilities); err != nil {
			return nil, fmt.Errorf("sqlite: plugin %d capabilities: %w", plugin.ID, err)
		}
		if pcErr.Valid {
			var perr model.PluginError
			if err := json.Unmarshal([]byte(pcErr.String), &perr); err == nil {
				pc.Error = &perr
			}
		}
		pc.Plugin = &plugin
		out = append(out, &pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate configs: %w", err)
	}
	for _, pc := range out {
		atts, err := s.attachmentsFor(ctx, pc.ID)
		if err != nil {
			return nil, err
		}
		pc.Attachments = atts
	}
	return out, nil
}

func (s *SQLiteStore) attachmentsFor(ctx context.Context, pluginConfigID int) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, content_type, contents FROM plugin_attachments WHERE plugin_config_id = ? ORDER BY id`, pluginConfigID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query attachments for %d: %w", pluginConfigID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.Key, &a.ContentType, &a.Contents); err != nil {
			return nil, fmt.Errorf("sqlite: scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetPluginConfigError(ctx context.Context, pluginConfigID int, perr *model.PluginError) error {
	buf, err := json.Marshal(perr)
	if err != nil {
		return fmt.Errorf("sqlite: marshal error: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE plugin_configs SET error = ? WHERE id = ?`, string(buf), pluginConfigID)
	if err != nil {
		return fmt.Errorf("sqlite: set error on config %d: %w", pluginConfigID, err)
	}
	return nil
}

func (s *SQLiteStore) ClearPluginConfigError(ctx context.Context, pluginConfigID int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE plugin_configs SET error = NULL WHERE id = ?`, pluginConfigID)
	if err != nil {
		return fmt.Errorf("sqlite: clear error on config %d: %w", pluginConfigID, err)
	}
	return nil
}

func (s *SQLiteStore) DisablePluginConfig(ctx context.Context, pluginConfigID int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE plugin_configs SET enabled = 0 WHERE id = ?`, pluginConfigID)
	if err != nil {
		return fmt.Errorf("sqlite: disable config %d: %w", pluginConfigID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePluginCapabilities(ctx context.Context, pluginID int, caps model.Capabilities) error {
	buf, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("sqlite: marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE plugins SET capabilities = ? WHERE id = ?`, string(buf), pluginID)
	if err != nil {
		return fmt.Errorf("sqlite: update capabilities for plugin %d: %w", pluginID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendLogEntry(ctx context.Context, entry model.LogEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_log_entries (plugin_config_id, team_id, source, level, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.PluginConfigID, entry.TeamID, string(entry.Source), string(entry.Level), entry.Message, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: append log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StorageGet(ctx context.Context, pluginConfigID int, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_storage WHERE plugin_config_id = ? AND key = ?`, pluginConfigID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: storage get (%d, %q): %w", pluginConfigID, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) StorageSet(ctx context.Context, pluginConfigID int, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_storage (plugin_config_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (plugin_config_id, key) DO UPDATE SET value = excluded.value`,
		pluginConfigID, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: storage set (%d, %q): %w", pluginConfigID, key, err)
	}
	return nil
}

func (s *SQLiteStore) StorageDel(ctx context.Context, pluginConfigID int, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_storage WHERE plugin_config_id = ? AND key = ?`, pluginConfigID, key)
	if err != nil {
		return fmt.Errorf("sqlite: storage del (%d, %q): %w", pluginConfigID, key, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
