// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	teamIDKey         ctxKey = "team_id"
	pluginConfigIDKey ctxKey = "plugin_config_id"
	jobIDKey          ctxKey = "job_id"
)

// ContextWithTeamID stores the team id in the context.
func ContextWithTeamID(ctx context.Context, id int) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, teamIDKey, id)
}

// ContextWithPluginConfigID stores the plugin config id in the context.
func ContextWithPluginConfigID(ctx context.Context, id int) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, pluginConfigIDKey, id)
}

// ContextWithJobID stores the provided job ID in the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// TeamIDFromContext extracts the team id from context, or 0.
func TeamIDFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(teamIDKey).(int); ok {
		return v
	}
	return 0
}

// PluginConfigIDFromContext extracts the plugin config id from context, or 0.
func PluginConfigIDFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(pluginConfigIDKey).(int); ok {
		return v
	}
	return 0
}

// JobIDFromContext extracts the job ID from context if present.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if tid := TeamIDFromContext(ctx); tid != 0 {
		builder = builder.Str(FieldTeamID, strconv.Itoa(tid))
		added = true
	}
	if pcid := PluginConfigIDFromContext(ctx); pcid != 0 {
		builder = builder.Str(FieldPluginConfigID, strconv.Itoa(pcid))
		added = true
	}
	if jid := JobIDFromContext(ctx); jid != "" {
		builder = builder.Str(FieldJobID, jid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger annotated with the component name
// and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := WithContext(ctx, Base())
	return l.With().Str(FieldComponent, component).Logger()
}
