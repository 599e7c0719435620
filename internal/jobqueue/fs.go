// SPDX-License-Identifier: MIT

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
)

const jobKeyPrefix = "job:"

// FSBackend persists jobs in an embedded badger database on local disk.
// Keys are "job:<runAt nanos, zero padded>:<id>" so lexical iteration
// yields jobs in due order.
type FSBackend struct {
	path     string
	poll     time.Duration
	db       *badger.DB
	logger   zerolog.Logger
	paused   atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewFSBackend returns a backend rooted at path, polling for due jobs
// every poll interval.
func NewFSBackend(path string, poll time.Duration) *FSBackend {
	return &FSBackend{
		path:   path,
		poll:   poll,
		logger: log.WithComponent("jobqueue").With().Str(log.FieldBackend, "fs").Logger(),
	}
}

func (b *FSBackend) Name() string { return "fs" }

func (b *FSBackend) Connect(ctx context.Context) error {
	opts := badger.DefaultOptions(b.path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("jobqueue: open badger at %s: %w", b.path, err)
	}
	b.db = db
	return nil
}

func jobKey(j *model.EnqueuedJob) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", jobKeyPrefix, j.RunAt.UnixNano(), j.ID))
}

func (b *FSBackend) Enqueue(ctx context.Context, job *model.EnqueuedJob) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job %s: %w", job.ID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job), buf)
	})
}

// Start launches the poll loop. Each tick claims every job whose RunAt
// has passed, runs the handler once, and deletes the entry. A handler
// failure is recorded but never redelivered.
func (b *FSBackend) Start(ctx context.Context, onJob Handler) error {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx, onJob)
	return nil
}

func (b *FSBackend) loop(ctx context.Context, onJob Handler) {
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
			if err := b.drainDue(ctx, onJob); err != nil {
				b.logger.Error().Err(err).Msg("job poll failed")
			}
		}
	}
}

func (b *FSBackend) drainDue(ctx context.Context, onJob Handler) error {
	due, err := b.dueJobs(time.Now())
	if err != nil {
		return err
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.attempt(ctx, job, onJob)
		if err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(jobKey(job))
		}); err != nil {
			return fmt.Errorf("jobqueue: delete job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (b *FSBackend) dueJobs(now time.Time) ([]*model.EnqueuedJob, error) {
	var due []*model.EnqueuedJob
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job model.EnqueuedJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if job.RunAt.After(now) {
				// Keys sort by RunAt, everything past here is later.
				break
			}
			due = append(due, &job)
		}
		return nil
	})
	return due, err
}

func (b *FSBackend) attempt(ctx context.Context, job *model.EnqueuedJob, onJob Handler) {
	if err := onJob(ctx, job); err != nil {
		metrics.JobsExecuted.WithLabelValues(b.Name(), "error").Inc()
		b.logger.Warn().Err(err).
			Str(log.FieldJobID, job.ID).
			Int(log.FieldPluginConfigID, job.PluginConfigID).
			Msg("job handler failed")
		return
	}
	metrics.JobsExecuted.WithLabelValues(b.Name(), "ok").Inc()
}

func (b *FSBackend) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
			select {
			case <-b.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		if b.db != nil {
			err = b.db.Close()
		}
	})
	return err
}

func (b *FSBackend) Pause()         { b.paused.Store(true) }
func (b *FSBackend) Resume()        { b.paused.Store(false) }
func (b *FSBackend) IsPaused() bool { return b.paused.Load() }
