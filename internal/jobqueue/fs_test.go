// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/internal/model"
)

// jobRecorder collects jobs a backend hands to its handler.
type jobRecorder struct {
	mu   sync.Mutex
	jobs []*model.EnqueuedJob
}

func (r *jobRecorder) handle(ctx context.Context, job *model.EnqueuedJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *jobRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *jobRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = j.ID
	}
	return out
}

func TestFSBackend_DeliversDueJobOnce(t *testing.T) {
	b := NewFSBackend(t.TempDir(), 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer func() { require.NoError(t, b.Stop(ctx)) }()

	rec := &jobRecorder{}
	require.NoError(t, b.Start(ctx, rec.handle))

	job := model.NewJob(3, "flushBuffer", map[string]any{"size": 10.0}, time.Now())
	require.NoError(t, b.Enqueue(ctx, job))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, job.ID, rec.jobs[0].ID)
	assert.Equal(t, 3, rec.jobs[0].PluginConfigID)
	assert.Equal(t, map[string]any{"size": 10.0}, rec.jobs[0].Payload)

	// Several more ticks pass without a redelivery.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestFSBackend_HonorsRunAt(t *testing.T) {
	b := NewFSBackend(t.TempDir(), 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer func() { require.NoError(t, b.Stop(ctx)) }()

	rec := &jobRecorder{}
	require.NoError(t, b.Start(ctx, rec.handle))

	future := model.NewJob(1, "later", nil, time.Now().Add(time.Hour))
	due := model.NewJob(1, "now", nil, time.Now())
	require.NoError(t, b.Enqueue(ctx, future))
	require.NoError(t, b.Enqueue(ctx, due))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{due.ID}, rec.ids())
}

func TestFSBackend_DueOrderFollowsRunAt(t *testing.T) {
	b := NewFSBackend(t.TempDir(), time.Hour)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer func() { require.NoError(t, b.Stop(ctx)) }()

	now := time.Now()
	second := model.NewJob(1, "second", nil, now.Add(-time.Minute))
	first := model.NewJob(1, "first", nil, now.Add(-2*time.Minute))
	require.NoError(t, b.Enqueue(ctx, second))
	require.NoError(t, b.Enqueue(ctx, first))

	rec := &jobRecorder{}
	require.NoError(t, b.drainDue(ctx, rec.handle))
	assert.Equal(t, []string{first.ID, second.ID}, rec.ids())
}

func TestFSBackend_PauseSuspendsDelivery(t *testing.T) {
	b := NewFSBackend(t.TempDir(), 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer func() { require.NoError(t, b.Stop(ctx)) }()

	rec := &jobRecorder{}
	require.NoError(t, b.Start(ctx, rec.handle))
	b.Pause()
	assert.True(t, b.IsPaused())

	require.NoError(t, b.Enqueue(ctx, model.NewJob(1, "held", nil, time.Now())))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	b.Resume()
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
