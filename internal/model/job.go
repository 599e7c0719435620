// SPDX-License-Identifier: MIT

package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskType distinguishes the two task tables a plugin may export.
type TaskType string

const (
	TaskTypeSchedule TaskType = "schedule"
	TaskTypeJob      TaskType = "job"
)

// EnqueuedJob is one deferred unit of plugin work. It is consumed
// exactly-once-attempted by whichever queue backend accepted it.
type EnqueuedJob struct {
	ID             string         `json:"id"`
	PluginConfigID int            `json:"plugin_config_id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	RunAt          time.Time      `json:"run_at"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id running at runAt.
func NewJob(pluginConfigID int, jobType string, payload map[string]any, runAt time.Time) *EnqueuedJob {
	return &EnqueuedJob{
		ID:             uuid.New().String(),
		PluginConfigID: pluginConfigID,
		Type:           jobType,
		Payload:        payload,
		RunAt:          runAt.UTC(),
		EnqueuedAt:     time.Now().UTC(),
	}
}
