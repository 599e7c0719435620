// SPDX-License-Identifier: MIT

package model

import (
	"time"
)

// Plugin is a distributable unit of transformation code. The source is
// either an inline archive (zip or gzipped tar) or, in development, a local
// directory.
type Plugin struct {
	ID           int
	Name         string
	Description  string
	Archive      []byte // inline archive bytes; nil when URL/LocalPath is set
	URL          string
	LocalPath    string // development mode: plugin source directory
	ConfigSchema []ConfigField
	Capabilities Capabilities
	Error        *PluginError
}

// ConfigField is one entry of a plugin's declared configuration schema.
type ConfigField struct {
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"` // string, choice, attachment
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
	Secret   bool   `json:"secret,omitempty"`
}

// Capabilities summarises which hooks and tasks a plugin implements. It is
// recomputed on every successful load and persisted when it differs from the
// stored value.
type Capabilities struct {
	Methods   []string `json:"methods"`
	Scheduled []string `json:"scheduled_tasks"`
	Jobs      []string `json:"jobs"`
}

// Equal reports whether two capability summaries list the same entries.
func (c Capabilities) Equal(o Capabilities) bool {
	eq := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	return eq(c.Methods, o.Methods) && eq(c.Scheduled, o.Scheduled) && eq(c.Jobs, o.Jobs)
}

// Attachment is a binary blob bound to a PluginConfig.
type Attachment struct {
	ID          int
	Key         string
	ContentType string
	Contents    []byte
}

// PluginConfig binds one Plugin to one team. A disabled or failed-to-load
// config is skipped by the runner but stays visible for inspection.
type PluginConfig struct {
	ID          int
	TeamID      int
	PluginID    int
	Plugin      *Plugin
	Enabled     bool
	Order       int
	Config      map[string]string
	Attachments []Attachment
	Error       *PluginError
}

// LogSource identifies who produced an operational log entry.
type LogSource string

// LogLevel is the severity of an operational log entry.
type LogLevel string

const (
	LogSourcePlugin LogSource = "plugin"
	LogSourceSystem LogSource = "system"

	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

// LogEntry is one operational log row persisted to the metadata store.
type LogEntry struct {
	PluginConfigID int
	TeamID         int
	Source         LogSource
	Level          LogLevel
	Message        string
	At             time.Time
}
