// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/runner"
)

// Adapter funnels transport batches through the runner into the sink.
// Plugin-level failures are handled inside the runner; infrastructure
// errors, including sink failures, are re-thrown to the transport layer so
// its retry/crash semantics apply.
type Adapter struct {
	consumer Consumer
	sink     Sink
	runner   *runner.Runner
	pool     *Pool
	logger   zerolog.Logger

	// Upstream consumption pauses when outstanding pool work exceeds
	// concurrency squared, and resumes once drained below it.
	backpressureAt int64
	paused         bool
}

// NewAdapter wires a consumer, the runner and a sink over the shared pool.
func NewAdapter(consumer Consumer, r *runner.Runner, sink Sink, pool *Pool) *Adapter {
	return &Adapter{
		consumer:       consumer,
		sink:           sink,
		runner:         r,
		pool:           pool,
		logger:         log.WithComponent("ingest"),
		backpressureAt: int64(pool.Concurrency()) * int64(pool.Concurrency()),
	}
}

// Run consumes until ctx is cancelled or an infrastructure error occurs.
func (a *Adapter) Run(ctx context.Context) error {
	defer func() { _ = a.consumer.Close() }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.applyBackpressure(ctx)

		raw, err := a.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: poll: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		if err := a.processBatch(ctx, raw); err != nil {
			return err
		}
	}
}

// processBatch splits a raw batch into sub-batches bounded by the pool's
// concurrency, committing after each sub-batch so a crash reprocesses at
// most one sub-batch, and heartbeating between sub-batches so slow plugin
// chains do not evict us from the consumer group.
func (a *Adapter) processBatch(ctx context.Context, raw [][]byte) error {
	start := time.Now()
	metrics.BatchSize.Observe(float64(len(raw)))

	events := a.decode(raw)
	size := a.pool.Concurrency()
	for from := 0; from < len(events); from += size {
		to := from + size
		if to > len(events) {
			to = len(events)
		}
		if err := a.processSubBatch(ctx, events[from:to]); err != nil {
			return err
		}
		if err := a.consumer.Commit(ctx); err != nil {
			return fmt.Errorf("ingest: commit: %w", err)
		}
		if to < len(events) {
			if err := a.consumer.Heartbeat(ctx); err != nil {
				return fmt.Errorf("ingest: heartbeat: %w", err)
			}
		}
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (a *Adapter) decode(raw [][]byte) []*model.Event {
	events := make([]*model.Event, 0, len(raw))
	for _, buf := range raw {
		var ev model.Event
		if err := json.Unmarshal(buf, &ev); err != nil {
			// A malformed message is not an infrastructure error:
			// skipping it beats wedging the partition.
			a.logger.Error().Err(err).Msg("dropping undecodable message")
			continue
		}
		events = append(events, &ev)
	}
	return events
}

// processSubBatch partitions events by team and runs each team's chain as
// one pool unit: tenants proceed fully in parallel while order within a
// tenant is preserved by the per-team chain.
func (a *Adapter) processSubBatch(ctx context.Context, events []*model.Event) error {
	byTeam := make(map[int][]*model.Event)
	teams := make([]int, 0)
	for _, ev := range events {
		if _, seen := byTeam[ev.TeamID]; !seen {
			teams = append(teams, ev.TeamID)
		}
		byTeam[ev.TeamID] = append(byTeam[ev.TeamID], ev)
	}

	errs := make(chan error, len(teams))
	done := make(chan struct{}, len(teams))
	for _, teamID := range teams {
		slice := byTeam[teamID]
		a.pool.Submit(ctx, func(ctx context.Context) {
			for _, ev := range a.runner.RunBatch(ctx, slice) {
				if err := a.sink.Write(ctx, ev); err != nil {
					errs <- err
					return
				}
				a.runner.OnEvent(ctx, ev)
			}
		}, func() { done <- struct{}{} })
	}
	for range teams {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case err := <-errs:
		return fmt.Errorf("ingest: sink: %w", err)
	default:
	}
	return nil
}

// applyBackpressure pauses the upstream while outstanding pool work sits
// above the threshold.
func (a *Adapter) applyBackpressure(ctx context.Context) {
	if a.pool.Queued() <= a.backpressureAt {
		if a.paused {
			a.consumer.Resume()
			a.paused = false
			metrics.BackpressurePaused.Set(0)
			a.logger.Info().Msg("backpressure released, resuming consumption")
		}
		return
	}

	if !a.paused {
		a.consumer.Pause()
		a.paused = true
		metrics.BackpressurePaused.Set(1)
		a.logger.Warn().
			Int64("queued", a.pool.Queued()).
			Int64("threshold", a.backpressureAt).
			Msg("worker pool saturated, pausing consumption")
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for a.pool.Queued() > a.backpressureAt {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	a.consumer.Resume()
	a.paused = false
	metrics.BackpressurePaused.Set(0)
	a.logger.Info().Msg("backpressure released, resuming consumption")
}
