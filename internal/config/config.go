// SPDX-License-Identifier: MIT

// Package config loads engine configuration from the environment with
// logged defaults and upfront validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full runtime configuration of the engine.
type Config struct {
	// Logging
	LogLevel   string
	LogService string

	// Metadata store (sqlite)
	DatabasePath string

	// Shared cache / lease / broker
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Worker pool
	Concurrency int
	HookTimeout time.Duration

	// Ingestion transport
	IngestionTopic string
	BatchSize      int

	// Job queue: ordered backend list, e.g. "fs,sql"
	JobQueues  string
	JobQueueFS string // badger directory for the fs backend
	JobPoll    time.Duration

	// Schedule lock
	LeaseName string
	LeaseTTL  time.Duration

	// Control server
	ControlAddr string

	// Development
	PluginDir string // local plugin source directory, enables dev mode
}

// FromEnv builds a Config from FLOWHOOK_* environment variables.
func FromEnv() Config {
	return Config{
		LogLevel:       ParseString("FLOWHOOK_LOG_LEVEL", "info"),
		LogService:     ParseString("FLOWHOOK_LOG_SERVICE", "flowhook"),
		DatabasePath:   ParseString("FLOWHOOK_DB_PATH", "flowhook.db"),
		RedisAddr:      ParseString("FLOWHOOK_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  ParseString("FLOWHOOK_REDIS_PASSWORD", ""),
		RedisDB:        ParseInt("FLOWHOOK_REDIS_DB", 0),
		Concurrency:    ParseInt("FLOWHOOK_CONCURRENCY", 10),
		HookTimeout:    ParseDuration("FLOWHOOK_HOOK_TIMEOUT", 30*time.Second),
		IngestionTopic: ParseString("FLOWHOOK_INGESTION_TOPIC", "events_ingestion"),
		BatchSize:      ParseInt("FLOWHOOK_BATCH_SIZE", 500),
		JobQueues:      ParseString("FLOWHOOK_JOB_QUEUES", "fs"),
		JobQueueFS:     ParseString("FLOWHOOK_JOB_QUEUE_FS_DIR", "flowhook-jobs"),
		JobPoll:        ParseDuration("FLOWHOOK_JOB_POLL", time.Second),
		LeaseName:      ParseString("FLOWHOOK_LEASE_NAME", "flowhook-scheduler"),
		LeaseTTL:       ParseDuration("FLOWHOOK_LEASE_TTL", 60*time.Second),
		ControlAddr:    ParseString("FLOWHOOK_CONTROL_ADDR", ":8090"),
		PluginDir:      ParseString("FLOWHOOK_PLUGIN_DIR", ""),
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.HookTimeout <= 0 {
		return fmt.Errorf("config: hook timeout must be positive, got %s", c.HookTimeout)
	}
	if c.LeaseTTL < 2*time.Second {
		return fmt.Errorf("config: lease TTL must be at least 2s, got %s", c.LeaseTTL)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch size must be >= 1, got %d", c.BatchSize)
	}
	for _, q := range c.QueueOrder() {
		switch q {
		case "fs", "sql":
		default:
			return fmt.Errorf("config: unknown job queue backend %q", q)
		}
	}
	return nil
}

// QueueOrder returns the configured job queue backends in fallback order.
func (c Config) QueueOrder() []string {
	parts := strings.Split(c.JobQueues, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
