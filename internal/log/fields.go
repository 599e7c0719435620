// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTeamID         = "team_id"
	FieldPluginID       = "plugin_id"
	FieldPluginConfigID = "plugin_config_id"
	FieldPluginName     = "plugin_name"
	FieldEventUUID      = "event_uuid"
	FieldJobID          = "job_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldHook      = "hook"
	FieldTaskType  = "task_type"
	FieldTaskName  = "task_name"
	FieldCadence   = "cadence"

	// Queue / transport fields
	FieldBackend   = "backend"
	FieldTopic     = "topic"
	FieldBatchSize = "batch_size"

	// Path fields
	FieldPath = "path"

	// Lease fields
	FieldLease    = "lease"
	FieldOwner    = "owner"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
