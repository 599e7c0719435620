// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/store"
)

func newSQLBackend(t *testing.T, poll time.Duration) *SQLBackend {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), store.DefaultSQLiteConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := NewSQLBackend(st.DB(), poll)
	require.NoError(t, b.Connect(context.Background()))
	return b
}

func TestSQLBackend_DeliversDueJobOnce(t *testing.T) {
	b := newSQLBackend(t, 10*time.Millisecond)
	ctx := context.Background()
	defer func() { require.NoError(t, b.Stop(ctx)) }()

	rec := &jobRecorder{}
	require.NoError(t, b.Start(ctx, rec.handle))

	job := model.NewJob(9, "retryExport", map[string]any{"attempt": 2.0}, time.Now())
	require.NoError(t, b.Enqueue(ctx, job))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, job.ID, rec.jobs[0].ID)
	assert.Equal(t, map[string]any{"attempt": 2.0}, rec.jobs[0].Payload)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSQLBackend_ClaimSkipsFutureJobs(t *testing.T) {
	b := newSQLBackend(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, model.NewJob(1, "later", nil, time.Now().Add(time.Hour))))

	_, ok, err := b.claimOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLBackend_FailedJobKeptWithError(t *testing.T) {
	b := newSQLBackend(t, time.Hour)
	ctx := context.Background()

	job := model.NewJob(4, "explode", nil, time.Now())
	require.NoError(t, b.Enqueue(ctx, job))

	claimed, ok, err := b.claimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	b.attempt(ctx, claimed, func(context.Context, *model.EnqueuedJob) error {
		return errors.New("boom")
	})

	var status, lastErr string
	require.NoError(t, b.db.QueryRowContext(ctx,
		`SELECT status, last_error FROM plugin_jobs WHERE id = ?`, job.ID).
		Scan(&status, &lastErr))
	assert.Equal(t, "failed", status)
	assert.Equal(t, "boom", lastErr)

	// A failed job is not due again.
	_, ok, err = b.claimOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLBackend_SuccessfulJobDeleted(t *testing.T) {
	b := newSQLBackend(t, time.Hour)
	ctx := context.Background()

	job := model.NewJob(4, "ok", nil, time.Now())
	require.NoError(t, b.Enqueue(ctx, job))

	claimed, ok, err := b.claimOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	b.attempt(ctx, claimed, func(context.Context, *model.EnqueuedJob) error { return nil })

	var n int
	require.NoError(t, b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plugin_jobs`).Scan(&n))
	assert.Equal(t, 0, n)
}
