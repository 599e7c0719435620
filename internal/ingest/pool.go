// SPDX-License-Identifier: MIT

// Package ingest consumes events from the upstream transport, drives the
// plugin runner over a bounded worker pool and forwards processed events to
// the downstream sink, pausing the upstream when the pool saturates.
package ingest

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool is a fixed-size worker pool. Submit never blocks the caller: work
// queues on the semaphore, and Queued reports outstanding (waiting plus
// running) units so the adapter can exert backpressure upstream.
type Pool struct {
	sem         *semaphore.Weighted
	queued      atomic.Int64
	concurrency int
}

// NewPool builds a pool running at most concurrency units at once.
func NewPool(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
	}
}

// Concurrency returns the configured parallelism.
func (p *Pool) Concurrency() int { return p.concurrency }

// Queued returns the number of outstanding work units.
func (p *Pool) Queued() int64 { return p.queued.Load() }

// Submit schedules fn. done (optional) is called after fn returns.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context), done func()) {
	p.queued.Add(1)
	go func() {
		defer p.queued.Add(-1)
		if done != nil {
			defer done()
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn(ctx)
	}()
}

// Drain blocks until every submitted unit finished or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, int64(p.concurrency)); err != nil {
		return err
	}
	p.sem.Release(int64(p.concurrency))
	return nil
}
