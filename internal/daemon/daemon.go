// SPDX-License-Identifier: MIT

// Package daemon wires the engine together: metadata store, shared
// Redis, plugin lifecycle, ingestion, job queues, the scheduler lease
// and the control server, with ordered graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/flowhook/flowhook/internal/cache"
	"github.com/flowhook/flowhook/internal/config"
	"github.com/flowhook/flowhook/internal/ingest"
	"github.com/flowhook/flowhook/internal/jobqueue"
	"github.com/flowhook/flowhook/internal/lifecycle"
	"github.com/flowhook/flowhook/internal/log"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/runner"
	"github.com/flowhook/flowhook/internal/sandbox"
	"github.com/flowhook/flowhook/internal/schedule"
	"github.com/flowhook/flowhook/internal/server"
	"github.com/flowhook/flowhook/internal/store"
)

// Daemon owns every long-lived subsystem of one engine process.
type Daemon struct {
	cfg    config.Config
	logger zerolog.Logger

	store     *store.SQLiteStore
	redis     *redis.Client
	manager   *lifecycle.Manager
	runner    *runner.Runner
	pool      *ingest.Pool
	tasks     *pooledRunner
	sink      ingest.Sink
	jobs      *jobqueue.Manager
	scheduler *schedule.Scheduler
	control   *server.Server

	mu             sync.Mutex
	consumerCancel context.CancelFunc
	consumerDone   chan error

	// fatalCh carries infrastructure errors out of the consumer so the
	// process supervisor sees them instead of a silent stall.
	fatalCh chan error
}

// New connects the external stores and builds the full wiring. Nothing
// consumes or schedules until Run.
func New(cfg config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  log.WithComponent("daemon"),
		fatalCh: make(chan error, 1),
	}

	st, err := store.OpenSQLite(cfg.DatabasePath, store.DefaultSQLiteConfig())
	if err != nil {
		return nil, fmt.Errorf("daemon: open metadata store: %w", err)
	}
	d.store = st

	d.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.redis.Ping(pingCtx).Err(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("daemon: redis at %s: %w", cfg.RedisAddr, err)
	}

	d.sink = ingest.NewRedisListSink(d.redis, cfg.IngestionTopic+":processed")
	d.jobs = jobqueue.NewManager(d.buildBackends()...)

	host := sandbox.Host{
		Cache:        cache.NewRedisCacheFromClient(d.redis, log.WithComponent("cache")),
		Storage:      st,
		Capture:      d.sink.Write,
		EnqueueJob:   d.jobs.Enqueue,
		HTTPClient:   &http.Client{Timeout: cfg.HookTimeout},
		FetchLimiter: rate.NewLimiter(rate.Limit(50), 100),
		Logger:       log.WithComponent("plugin"),
		Timeout:      cfg.HookTimeout,
	}
	d.manager = lifecycle.NewManager(st, host)
	d.runner = runner.New(d.manager, st)
	d.pool = ingest.NewPool(cfg.Concurrency)
	d.tasks = &pooledRunner{runner: d.runner, pool: d.pool}
	d.scheduler = schedule.NewScheduler(
		schedule.NewLease(d.redis, cfg.LeaseName, cfg.LeaseTTL), d.tasks)
	d.control = server.New(cfg.ControlAddr, d)
	return d, nil
}

func (d *Daemon) buildBackends() []jobqueue.Backend {
	var backends []jobqueue.Backend
	for _, name := range d.cfg.QueueOrder() {
		switch name {
		case "fs":
			backends = append(backends, jobqueue.NewFSBackend(d.cfg.JobQueueFS, d.cfg.JobPoll))
		case "sql":
			backends = append(backends, jobqueue.NewSQLBackend(d.store.DB(), d.cfg.JobPoll))
		}
	}
	return backends
}

// Run brings every subsystem up and blocks until ctx ends or an
// infrastructure error escapes the consumer.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.jobs.Connect(ctx); err != nil {
		return err
	}
	if err := d.manager.Reload(ctx); err != nil {
		return fmt.Errorf("daemon: initial plugin load: %w", err)
	}
	if d.cfg.PluginDir != "" {
		if err := d.manager.Watch(ctx, d.cfg.PluginDir); err != nil {
			d.logger.Warn().Err(err).Str(log.FieldPath, d.cfg.PluginDir).
				Msg("plugin dir watch unavailable")
		}
	}
	if err := d.jobs.Start(ctx, d.handleJob); err != nil {
		return err
	}
	d.scheduler.Start(ctx)
	if err := d.StartConsumer(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- d.control.Start() }()
	d.logger.Info().Msg("engine running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-d.fatalCh:
		d.logger.Error().Err(runErr).Msg("consumer failed, shutting down")
	case runErr = <-serverErr:
		if runErr != nil {
			d.logger.Error().Err(runErr).Msg("control server failed, shutting down")
		}
	}

	d.shutdown()
	return runErr
}

// shutdown stops subsystems in dependency order: upstream consumption
// first, then the periodic triggers, queues, plugins and servers.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.StopConsumer(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stop consumer")
	}
	if err := d.scheduler.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stop scheduler")
	}
	if err := d.jobs.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stop job queues")
	}
	d.manager.UnloadAll(ctx)
	if err := d.control.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stop control server")
	}
	if err := d.redis.Close(); err != nil {
		d.logger.Error().Err(err).Msg("close redis")
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("close metadata store")
	}
	d.logger.Info().Msg("engine stopped")
}

func (d *Daemon) handleJob(ctx context.Context, job *model.EnqueuedJob) error {
	ctx = log.ContextWithJobID(ctx, job.ID)
	_, err := d.tasks.RunTask(ctx, model.TaskTypeJob, job.Type, job.PluginConfigID, job.Payload)
	return err
}

// pooledRunner executes jobs and scheduled tasks through the shared worker
// pool, so background work counts against the same concurrency budget as
// ingestion and the adapter's backpressure sees it.
type pooledRunner struct {
	runner *runner.Runner
	pool   *ingest.Pool
}

func (p *pooledRunner) RunTask(ctx context.Context, taskType model.TaskType, taskName string, pluginConfigID int, payload map[string]any) (any, error) {
	var (
		out any
		err error
		ran bool
	)
	done := make(chan struct{})
	p.pool.Submit(ctx, func(ctx context.Context) {
		ran = true
		out, err = p.runner.RunTask(ctx, taskType, taskName, pluginConfigID, payload)
	}, func() { close(done) })
	select {
	case <-done:
		if !ran {
			return nil, ctx.Err()
		}
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pooledRunner) ConfigsWithScheduledTask(taskName string) []int {
	return p.runner.ConfigsWithScheduledTask(taskName)
}

// StartConsumer begins (or keeps) upstream event consumption. Idempotent.
func (d *Daemon) StartConsumer(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumerCancel != nil {
		return nil
	}

	consumer := ingest.NewRedisListConsumer(d.redis, d.cfg.IngestionTopic, d.cfg.BatchSize)
	adapter := ingest.NewAdapter(consumer, d.runner, d.sink, d.pool)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	d.consumerCancel = cancel
	d.consumerDone = done
	go func() {
		err := adapter.Run(runCtx)
		done <- err
		if err != nil && runCtx.Err() == nil {
			select {
			case d.fatalCh <- err:
			default:
			}
		}
	}()
	d.logger.Info().Str(log.FieldTopic, d.cfg.IngestionTopic).Msg("consumer started")
	return nil
}

// StopConsumer halts upstream consumption and waits for the consume
// loop to exit. Idempotent.
func (d *Daemon) StopConsumer(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.consumerCancel, d.consumerDone
	d.consumerCancel, d.consumerDone = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.logger.Info().Msg("consumer stopped")
	return nil
}

// ReloadPlugins tears all sandboxes down and reloads every enabled
// plugin config from the metadata store.
func (d *Daemon) ReloadPlugins(ctx context.Context) error {
	return d.manager.Reload(ctx)
}

// TeardownPlugins unloads every sandbox without reloading.
func (d *Daemon) TeardownPlugins(ctx context.Context) error {
	d.manager.UnloadAll(ctx)
	return nil
}

// Flush waits for all in-flight pool work to resolve.
func (d *Daemon) Flush(ctx context.Context) error {
	return d.pool.Drain(ctx)
}

// Healthy verifies both shared stores answer.
func (d *Daemon) Healthy(ctx context.Context) error {
	if err := d.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := d.store.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	return nil
}
