// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
)

// Manager routes enqueues across an ordered backend list and fans
// lifecycle calls out to every active backend concurrently. Enqueue
// tries backends in configuration order and stops at the first that
// accepts the job; earlier backends are not revisited for that job.
type Manager struct {
	mu       sync.RWMutex
	backends []Backend
	logger   zerolog.Logger
	paused   atomic.Bool
}

// NewManager builds a manager over backends in fallback order.
func NewManager(backends ...Backend) *Manager {
	return &Manager{
		backends: backends,
		logger:   log.WithComponent("jobqueue"),
	}
}

// Connect connects every backend concurrently and drops each one that
// fails from the active set for the life of the process. It errors only
// when no backend at all came up.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type result struct {
		backend Backend
		err     error
	}
	results := make([]result, len(m.backends))
	var wg sync.WaitGroup
	for i, b := range m.backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			results[i] = result{backend: b, err: b.Connect(ctx)}
		}(i, b)
	}
	wg.Wait()

	active := m.backends[:0]
	for _, r := range results {
		if r.err != nil {
			m.logger.Error().Err(r.err).
				Str(log.FieldBackend, r.backend.Name()).
				Msg("backend failed to connect, dropping")
			continue
		}
		active = append(active, r.backend)
	}
	m.backends = active
	if len(m.backends) == 0 {
		return fmt.Errorf("jobqueue: %w", model.ErrNoBackendAvailable)
	}
	return nil
}

// Enqueue persists job on the first backend that accepts it. Every
// failure along the way is logged and counted; if the whole chain is
// exhausted the caller gets ErrNoBackendAvailable wrapping the last
// backend error.
func (m *Manager) Enqueue(ctx context.Context, job *model.EnqueuedJob) error {
	m.mu.RLock()
	backends := m.backends
	m.mu.RUnlock()

	var lastErr error
	for _, b := range backends {
		err := b.Enqueue(ctx, job)
		if err == nil {
			metrics.JobsEnqueued.WithLabelValues(b.Name()).Inc()
			return nil
		}
		lastErr = err
		metrics.EnqueueFallbacks.WithLabelValues(b.Name()).Inc()
		m.logger.Warn().Err(err).
			Str(log.FieldBackend, b.Name()).
			Str(log.FieldJobID, job.ID).
			Msg("enqueue failed, trying next backend")
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", model.ErrNoBackendAvailable, lastErr)
	}
	return model.ErrNoBackendAvailable
}

// Start begins consumption on all active backends.
func (m *Manager) Start(ctx context.Context, onJob Handler) error {
	return m.fanOut(func(b Backend) error { return b.Start(ctx, onJob) })
}

// Stop halts all active backends, collecting every error.
func (m *Manager) Stop(ctx context.Context) error {
	return m.fanOut(func(b Backend) error { return b.Stop(ctx) })
}

// Pause suspends consumption everywhere. Enqueue keeps working.
func (m *Manager) Pause() {
	m.paused.Store(true)
	_ = m.fanOut(func(b Backend) error { b.Pause(); return nil })
}

// Resume re-enables consumption everywhere.
func (m *Manager) Resume() {
	m.paused.Store(false)
	_ = m.fanOut(func(b Backend) error { b.Resume(); return nil })
}

// IsPaused reports whether consumption is currently suspended.
func (m *Manager) IsPaused() bool { return m.paused.Load() }

// Backends returns the active backends in fallback order.
func (m *Manager) Backends() []Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Backend, len(m.backends))
	copy(out, m.backends)
	return out
}

func (m *Manager) fanOut(fn func(Backend) error) error {
	m.mu.RLock()
	backends := m.backends
	m.mu.RUnlock()

	errs := make([]error, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			errs[i] = fn(b)
		}(i, b)
	}
	wg.Wait()
	return errors.Join(errs...)
}
