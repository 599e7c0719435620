// SPDX-License-Identifier: MIT

// Package jobqueue fans deferred plugin work out over an ordered list of
// interchangeable durable queue backends with enqueue fallback.
package jobqueue

import (
	"context"

	"github.com/flowhook/flowhook/internal/model"
)

// Handler consumes one due job. The backend acks or records the attempt;
// jobs are exactly-once-attempted, not exactly-once-delivered.
type Handler func(ctx context.Context, job *model.EnqueuedJob) error

// Backend is one durable queue implementation.
type Backend interface {
	// Name identifies the backend in logs and metrics ("fs", "sql").
	Name() string
	// Connect prepares the backend. A backend that fails to connect is
	// dropped from the manager's active set for the process lifetime.
	Connect(ctx context.Context) error
	// Enqueue persists a job. Errors trigger fallback to the next
	// configured backend.
	Enqueue(ctx context.Context, job *model.EnqueuedJob) error
	// Start begins consuming due jobs into onJob. Non-blocking.
	Start(ctx context.Context, onJob Handler) error
	// Stop halts consumption and releases resources.
	Stop(ctx context.Context) error
	// Pause suspends consumption without dropping queued jobs.
	Pause()
	// Resume re-enables consumption after a Pause.
	Resume()
	// IsPaused reports the pause flag.
	IsPaused() bool
}
