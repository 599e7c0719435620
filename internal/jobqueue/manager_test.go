// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/internal/model"
)

// fakeBackend records every call so tests can assert fallback order.
type fakeBackend struct {
	mu         sync.Mutex
	name       string
	connectErr error
	enqueueErr error
	enqueues   []string
	started    bool
	stopped    bool
	paused     bool
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeBackend) Enqueue(ctx context.Context, job *model.EnqueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueues = append(f.enqueues, job.ID)
	return f.enqueueErr
}

func (f *fakeBackend) Start(ctx context.Context, onJob Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBackend) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeBackend) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeBackend) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeBackend) enqueueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueues)
}

func TestManager_EnqueueFallsBackInOrder(t *testing.T) {
	a := &fakeBackend{name: "a", enqueueErr: errors.New("disk full")}
	b := &fakeBackend{name: "b"}
	c := &fakeBackend{name: "c"}
	m := NewManager(a, b, c)
	require.NoError(t, m.Connect(context.Background()))

	job := model.NewJob(7, "exportBatch", map[string]any{"n": 1.0}, time.Now())
	require.NoError(t, m.Enqueue(context.Background(), job))

	// a was tried exactly once, b accepted, c was never consulted and a
	// was not revisited after b succeeded.
	assert.Equal(t, 1, a.enqueueCount())
	assert.Equal(t, 1, b.enqueueCount())
	assert.Equal(t, 0, c.enqueueCount())
}

func TestManager_EnqueueAllBackendsFail(t *testing.T) {
	a := &fakeBackend{name: "a", enqueueErr: errors.New("down")}
	b := &fakeBackend{name: "b", enqueueErr: errors.New("also down")}
	m := NewManager(a, b)
	require.NoError(t, m.Connect(context.Background()))

	err := m.Enqueue(context.Background(), model.NewJob(1, "x", nil, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoBackendAvailable)
}

func TestManager_ConnectDropsFailedBackend(t *testing.T) {
	a := &fakeBackend{name: "a", connectErr: errors.New("no dir")}
	b := &fakeBackend{name: "b"}
	m := NewManager(a, b)
	require.NoError(t, m.Connect(context.Background()))

	require.Len(t, m.Backends(), 1)
	assert.Equal(t, "b", m.Backends()[0].Name())

	// Enqueue never touches the dropped backend.
	require.NoError(t, m.Enqueue(context.Background(), model.NewJob(1, "x", nil, time.Now())))
	assert.Equal(t, 0, a.enqueueCount())
	assert.Equal(t, 1, b.enqueueCount())
}

func TestManager_ConnectAllFail(t *testing.T) {
	a := &fakeBackend{name: "a", connectErr: errors.New("nope")}
	m := NewManager(a)
	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoBackendAvailable)
}

func TestManager_LifecycleFansOut(t *testing.T) {
	a := &fakeBackend{name: "a"}
	b := &fakeBackend{name: "b"}
	m := NewManager(a, b)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Start(context.Background(), func(context.Context, *model.EnqueuedJob) error { return nil }))
	assert.True(t, a.started)
	assert.True(t, b.started)

	require.NoError(t, m.Stop(context.Background()))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestManager_PauseResumeFanOut(t *testing.T) {
	a := &fakeBackend{name: "a"}
	b := &fakeBackend{name: "b"}
	m := NewManager(a, b)
	require.NoError(t, m.Connect(context.Background()))

	assert.False(t, m.IsPaused())
	m.Pause()
	assert.True(t, m.IsPaused())
	assert.True(t, a.IsPaused())
	assert.True(t, b.IsPaused())

	m.Resume()
	assert.False(t, m.IsPaused())
	assert.False(t, a.IsPaused())
	assert.False(t, b.IsPaused())
}
