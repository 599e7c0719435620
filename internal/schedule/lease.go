// SPDX-License-Identifier: MIT

// Package schedule drives the periodic plugin task cadences behind a
// cluster-wide Redis lease, so exactly one daemon fires them at a time.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/metrics"
)

// State is the lease state machine position of this instance.
type State int

const (
	StateSeeking State = iota
	StateHolding
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateHolding:
		return "holding"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Lua scripts compare the stored owner before touching the key, so a
// stolen lease is never renewed or released by the old holder.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// Lease is one instance's claim on the named scheduler lock. Renewal
// runs at half the TTL so a single missed renewal does not expire the
// lease; acquisition retries at a quarter of the TTL while another
// instance holds it.
type Lease struct {
	client *redis.Client
	name   string
	owner  string
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLease builds an unstarted lease claim on name with the given TTL.
func NewLease(client *redis.Client, name string, ttl time.Duration) *Lease {
	owner := uuid.New().String()
	return &Lease{
		client: client,
		name:   name,
		owner:  owner,
		ttl:    ttl,
		state:  StateSeeking,
		logger: log.WithComponent("schedule").With().
			Str(log.FieldLease, name).
			Str(log.FieldOwner, owner).Logger(),
	}
}

// Start runs the acquire/renew loop until Stop or ctx cancellation.
func (l *Lease) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(loopCtx)
}

func (l *Lease) loop(ctx context.Context) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			return
		}
		acquired, err := l.tryAcquire(ctx)
		if err != nil {
			// Contention is silent; only client errors surface.
			l.logger.Error().Err(err).Msg("lease acquire failed")
		}
		if !acquired {
			if !sleepCtx(ctx, l.ttl/4) {
				return
			}
			continue
		}
		l.transition(StateHolding)
		l.renewUntilLost(ctx)
		if ctx.Err() != nil {
			return
		}
		l.transition(StateSeeking)
	}
}

func (l *Lease) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.name, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("schedule: setnx %q: %w", l.name, err)
	}
	return ok, nil
}

// renewUntilLost blocks while this instance holds the lease, renewing
// at ttl/2, and returns once the lease is lost or ctx ends.
func (l *Lease) renewUntilLost(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kept, err := renewScript.Run(ctx, l.client,
				[]string{l.name}, l.owner, l.ttl.Milliseconds()).Int()
			if err != nil {
				l.logger.Error().Err(err).Msg("lease renew failed")
				continue
			}
			if kept == 0 {
				l.logger.Warn().Msg("lease lost, re-entering seeking")
				return
			}
		}
	}
}

// Holding reports whether this instance currently owns the lease.
func (l *Lease) Holding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateHolding
}

// State returns the current state machine position.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stop halts the loop and explicitly releases a held lease so the next
// seeker does not have to wait out the TTL.
func (l *Lease) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var err error
	if l.Holding() {
		if _, rerr := releaseScript.Run(ctx, l.client, []string{l.name}, l.owner).Result(); rerr != nil {
			err = fmt.Errorf("schedule: release %q: %w", l.name, rerr)
		}
	}
	l.transition(StateReleased)
	return err
}

func (l *Lease) transition(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if from == to {
		return
	}
	metrics.LeaseTransitions.WithLabelValues(to.String()).Inc()
	if to == StateHolding {
		metrics.LeaseHolding.Set(1)
	} else {
		metrics.LeaseHolding.Set(0)
	}
	l.logger.Info().
		Str(log.FieldOldState, from.String()).
		Str(log.FieldNewState, to.String()).
		Msg("lease state changed")
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
