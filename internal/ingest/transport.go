// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowhook/flowhook/internal/model"
)

// Consumer is the upstream transport: either a log-style consumer
// delivering ordered batches whose progress is committed explicitly, or a
// task-broker consumer pulling one message at a time (which returns
// one-element batches and commits implicitly).
type Consumer interface {
	// Poll blocks for the next raw message batch. An empty batch is a
	// valid "nothing yet" response; errors are infrastructure errors.
	Poll(ctx context.Context) ([][]byte, error)
	// Commit acknowledges everything delivered up to the last Poll.
	Commit(ctx context.Context) error
	// Pause stops upstream delivery without losing group membership.
	Pause()
	// Resume re-enables delivery after a Pause.
	Resume()
	// Heartbeat keeps liveness with the transport during slow processing.
	Heartbeat(ctx context.Context) error
	// Close releases the subscription.
	Close() error
}

// Sink accepts one processed event for durable write-through to the
// analytics store.
type Sink interface {
	Write(ctx context.Context, ev *model.Event) error
}

// pollBlock bounds one broker poll so pause and shutdown are responsive.
const pollBlock = time.Second

// RedisListConsumer is the task-broker transport: a durable Redis list
// drained up to batchSize messages per poll. The pop is its own
// acknowledgment, so Commit is a no-op.
type RedisListConsumer struct {
	client    *redis.Client
	key       string
	batchSize int

	mu      sync.Mutex
	running chan struct{} // closed while running; swapped on Pause
}

// NewRedisListConsumer subscribes to the named list.
func NewRedisListConsumer(client *redis.Client, key string, batchSize int) *RedisListConsumer {
	if batchSize < 1 {
		batchSize = 1
	}
	running := make(chan struct{})
	close(running)
	return &RedisListConsumer{client: client, key: key, batchSize: batchSize, running: running}
}

func (c *RedisListConsumer) gate() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *RedisListConsumer) Poll(ctx context.Context) ([][]byte, error) {
	select {
	case <-c.gate():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, err := c.client.BLPop(ctx, pollBlock, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis blpop %q: %w", c.key, err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return nil, nil
	}
	batch := [][]byte{[]byte(res[1])}
	if c.batchSize > 1 {
		// Backlog beyond the blocking pop drains without waiting, up
		// to the batch cap.
		more, err := c.client.LPopCount(ctx, c.key, c.batchSize-1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis lpop %q: %w", c.key, err)
		}
		for _, v := range more {
			batch = append(batch, []byte(v))
		}
	}
	return batch, nil
}

func (c *RedisListConsumer) Commit(ctx context.Context) error { return nil }

func (c *RedisListConsumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.running:
		c.running = make(chan struct{})
	default: // already paused
	}
}

func (c *RedisListConsumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.running:
	default:
		close(c.running)
	}
}

func (c *RedisListConsumer) Heartbeat(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisListConsumer) Close() error { return nil }

// RedisListSink pushes processed events onto a downstream list for the
// ingestion writers.
type RedisListSink struct {
	client *redis.Client
	key    string
}

// NewRedisListSink builds a sink writing to the named list.
func NewRedisListSink(client *redis.Client, key string) *RedisListSink {
	return &RedisListSink{client: client, key: key}
}

func (s *RedisListSink) Write(ctx context.Context, ev *model.Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sink: marshal event %s: %w", ev.UUID, err)
	}
	if err := s.client.RPush(ctx, s.key, buf).Err(); err != nil {
		return fmt.Errorf("sink: rpush %q: %w", s.key, err)
	}
	return nil
}

// ChanConsumer is the in-process batch transport used by tests: batches
// are delivered over a channel and commits/pauses are observable.
type ChanConsumer struct {
	Batches    chan [][]byte
	Commits    int
	Heartbeats int

	paused  atomic.Bool
	resumes atomic.Int64
}

// NewChanConsumer builds a test transport with the given buffer.
func NewChanConsumer(buffer int) *ChanConsumer {
	return &ChanConsumer{Batches: make(chan [][]byte, buffer)}
}

func (c *ChanConsumer) Poll(ctx context.Context) ([][]byte, error) {
	select {
	case b, ok := <-c.Batches:
		if !ok {
			return nil, context.Canceled
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ChanConsumer) Commit(ctx context.Context) error {
	c.Commits++
	return nil
}

func (c *ChanConsumer) Pause() { c.paused.Store(true) }

func (c *ChanConsumer) Resume() {
	c.paused.Store(false)
	c.resumes.Add(1)
}

// IsPaused reports whether delivery is currently suspended.
func (c *ChanConsumer) IsPaused() bool { return c.paused.Load() }

// Resumes counts how often delivery was re-enabled.
func (c *ChanConsumer) Resumes() int64 { return c.resumes.Load() }

func (c *ChanConsumer) Heartbeat(ctx context.Context) error {
	c.Heartbeats++
	return nil
}

func (c *ChanConsumer) Close() error { return nil }

// CaptureSink collects written events, for tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []*model.Event
}

func (s *CaptureSink) Write(ctx context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a snapshot of everything written so far.
func (s *CaptureSink) Events() []*model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Event, len(s.events))
	copy(out, s.events)
	return out
}
