// SPDX-License-Identifier: MIT

package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
	"github.com/flowhook/flowhook/internal/model"
)

// TaskRunner executes one scheduled task against one plugin config and
// reports which configs registered for a cadence.
type TaskRunner interface {
	RunTask(ctx context.Context, taskType model.TaskType, taskName string, pluginConfigID int, payload map[string]any) (any, error)
	ConfigsWithScheduledTask(taskName string) []int
}

// Cadence is one periodic trigger: the task name plugins export for it
// and how often it fires.
type Cadence struct {
	Name  string
	Every time.Duration
}

// DefaultCadences are the three task names a plugin may export.
func DefaultCadences() []Cadence {
	return []Cadence{
		{Name: "runEveryMinute", Every: time.Minute},
		{Name: "runEveryHour", Every: time.Hour},
		{Name: "runEveryDay", Every: 24 * time.Hour},
	}
}

type debounceKey struct {
	cadence  string
	configID int
}

// Scheduler fires cadence ticks into the TaskRunner while the lease is
// held. A tick for a (cadence, config) pair whose previous run has not
// resolved is skipped outright, never queued.
type Scheduler struct {
	lease    *Lease
	runner   TaskRunner
	cadences []Cadence
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[debounceKey]struct{}
	wg       sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler over lease and runner. Cadences
// default to minute/hour/day when none are given.
func NewScheduler(lease *Lease, runner TaskRunner, cadences ...Cadence) *Scheduler {
	if len(cadences) == 0 {
		cadences = DefaultCadences()
	}
	return &Scheduler{
		lease:    lease,
		runner:   runner,
		cadences: cadences,
		inflight: make(map[debounceKey]struct{}),
		logger:   log.WithComponent("schedule"),
	}
}

// Start launches the lease loop and one ticker goroutine per cadence.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lease.Start(loopCtx)

	var tickers sync.WaitGroup
	for _, c := range s.cadences {
		tickers.Add(1)
		go func(c Cadence) {
			defer tickers.Done()
			s.tickLoop(loopCtx, c)
		}(c)
	}
	go func() {
		tickers.Wait()
		close(s.done)
	}()
}

func (s *Scheduler) tickLoop(ctx context.Context, c Cadence) {
	ticker := time.NewTicker(c.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, c.Name)
		}
	}
}

// Tick runs the named cadence once across all registered configs. It is
// a no-op while the lease is not held.
func (s *Scheduler) Tick(ctx context.Context, cadence string) {
	if !s.lease.Holding() {
		return
	}
	for _, configID := range s.runner.ConfigsWithScheduledTask(cadence) {
		key := debounceKey{cadence: cadence, configID: configID}
		if !s.claim(key) {
			metrics.ScheduledSkips.WithLabelValues(cadence).Inc()
			s.logger.Debug().
				Str(log.FieldCadence, cadence).
				Int(log.FieldPluginConfigID, configID).
				Msg("previous run still active, skipping tick")
			continue
		}
		s.wg.Add(1)
		go func(key debounceKey) {
			defer s.wg.Done()
			defer s.release(key)
			s.runOne(ctx, key)
		}(key)
	}
}

func (s *Scheduler) runOne(ctx context.Context, key debounceKey) {
	_, err := s.runner.RunTask(ctx, model.TaskTypeSchedule, key.cadence, key.configID, nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn().Err(err).
			Str(log.FieldCadence, key.cadence).
			Int(log.FieldPluginConfigID, key.configID).
			Msg("scheduled task failed")
	}
	metrics.ScheduledRuns.WithLabelValues(key.cadence, outcome).Inc()
}

func (s *Scheduler) claim(key debounceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inflight[key]; running {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key debounceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// Stop halts the tickers, releases the lease, and waits for in-flight
// task runs to resolve.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := s.lease.Stop(ctx)
	s.wg.Wait()
	return err
}
