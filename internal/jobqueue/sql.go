// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS plugin_jobs (
	id               TEXT PRIMARY KEY,
	plugin_config_id INTEGER NOT NULL,
	type             TEXT NOT NULL,
	payload          TEXT NOT NULL,
	run_at           INTEGER NOT NULL,
	enqueued_at      INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	last_error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_plugin_jobs_due ON plugin_jobs (status, run_at);
`

// SQLBackend stores jobs in a plugin_jobs table and claims them with a
// transactional status flip, so a job is attempted by exactly one poller
// even when several daemons share the database.
type SQLBackend struct {
	db       *sql.DB
	poll     time.Duration
	logger   zerolog.Logger
	paused   atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewSQLBackend wraps an already-open database handle. The caller keeps
// ownership of db; Stop does not close it.
func NewSQLBackend(db *sql.DB, poll time.Duration) *SQLBackend {
	return &SQLBackend{
		db:     db,
		poll:   poll,
		logger: log.WithComponent("jobqueue").With().Str(log.FieldBackend, "sql").Logger(),
	}
}

func (b *SQLBackend) Name() string { return "sql" }

func (b *SQLBackend) Connect(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("jobqueue: ping: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("jobqueue: ensure jobs schema: %w", err)
	}
	return nil
}

func (b *SQLBackend) Enqueue(ctx context.Context, job *model.EnqueuedJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal payload for %s: %w", job.ID, err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO plugin_jobs (id, plugin_config_id, type, payload, run_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.PluginConfigID, job.Type, string(payload),
		job.RunAt.UnixMilli(), job.EnqueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("jobqueue: insert job %s: %w", job.ID, err)
	}
	return nil
}

func (b *SQLBackend) Start(ctx context.Context, onJob Handler) error {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx, onJob)
	return nil
}

func (b *SQLBackend) loop(ctx context.Context, onJob Handler) {
	defer close(b.done)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.paused.Load() {
				continue
			}
			for {
				job, ok, err := b.claimOne(ctx)
				if err != nil {
					b.logger.Error().Err(err).Msg("job claim failed")
					break
				}
				if !ok {
					break
				}
				b.attempt(ctx, job, onJob)
			}
		}
	}
}

// claimOne flips the oldest due queued job to running inside one
// transaction. A zero-row update means another poller got there first.
func (b *SQLBackend) claimOne(ctx context.Context) (*model.EnqueuedJob, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		job        model.EnqueuedJob
		payload    string
		runAt      int64
		enqueuedAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, plugin_config_id, type, payload, run_at, enqueued_at
		FROM plugin_jobs
		WHERE status = 'queued' AND run_at <= ?
		ORDER BY run_at, id
		LIMIT 1`, time.Now().UnixMilli()).
		Scan(&job.ID, &job.PluginConfigID, &job.Type, &payload, &runAt, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE plugin_jobs SET status = 'running' WHERE id = ? AND status = 'queued'`, job.ID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, false, fmt.Errorf("jobqueue: decode payload for %s: %w", job.ID, err)
	}
	job.RunAt = time.UnixMilli(runAt).UTC()
	job.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	return &job, true, nil
}

func (b *SQLBackend) attempt(ctx context.Context, job *model.EnqueuedJob, onJob Handler) {
	if err := onJob(ctx, job); err != nil {
		metrics.JobsExecuted.WithLabelValues(b.Name(), "error").Inc()
		b.logger.Warn().Err(err).
			Str(log.FieldJobID, job.ID).
			Int(log.FieldPluginConfigID, job.PluginConfigID).
			Msg("job handler failed")
		if _, uerr := b.db.ExecContext(ctx,
			`UPDATE plugin_jobs SET status = 'failed', last_error = ? WHERE id = ?`,
			err.Error(), job.ID); uerr != nil {
			b.logger.Error().Err(uerr).Str(log.FieldJobID, job.ID).Msg("record job failure")
		}
		return
	}
	metrics.JobsExecuted.WithLabelValues(b.Name(), "ok").Inc()
	if _, err := b.db.ExecContext(ctx, `DELETE FROM plugin_jobs WHERE id = ?`, job.ID); err != nil {
		b.logger.Error().Err(err).Str(log.FieldJobID, job.ID).Msg("ack job")
	}
}

func (b *SQLBackend) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			select {
			case <-b.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
	})
	return err
}

func (b *SQLBackend) Pause()         { b.paused.Store(true) }
func (b *SQLBackend) Resume()        { b.paused.Store(false) }
func (b *SQLBackend) IsPaused() bool { return b.paused.Load() }
