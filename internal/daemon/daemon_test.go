// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/internal/cache"
	"github.com/flowhook/flowhook/internal/config"
	"github.com/flowhook/flowhook/internal/ingest"
	"github.com/flowhook/flowhook/internal/lifecycle"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/runner"
	"github.com/flowhook/flowhook/internal/sandbox"
	"github.com/flowhook/flowhook/internal/store"
)

func testConfig(t *testing.T, redisAddr string) config.Config {
	t.Helper()
	return config.Config{
		LogLevel:       "error",
		LogService:     "flowhook",
		DatabasePath:   filepath.Join(t.TempDir(), "meta.db"),
		RedisAddr:      redisAddr,
		Concurrency:    2,
		HookTimeout:    5 * time.Second,
		IngestionTopic: "events_ingestion",
		BatchSize:      10,
		JobQueues:      "fs,sql",
		JobQueueFS:     filepath.Join(t.TempDir(), "jobs"),
		JobPoll:        20 * time.Millisecond,
		LeaseName:      "flowhook-scheduler",
		LeaseTTL:       2 * time.Second,
		ControlAddr:    "127.0.0.1:0",
	}
}

// seedPlugin writes a local-dir plugin and registers an enabled config
// for team 2 directly in the metadata store.
func seedPlugin(t *testing.T, d *Daemon, script string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(script), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"name": "marker-plugin", "description": "test", "config": []}`), 0o600))

	ctx := context.Background()
	_, err := d.store.DB().ExecContext(ctx,
		`INSERT INTO plugins (id, name, local_path) VALUES (1, 'marker-plugin', ?)`, dir)
	require.NoError(t, err)
	_, err = d.store.DB().ExecContext(ctx,
		`INSERT INTO plugin_configs (id, team_id, plugin_id, enabled, ord) VALUES (1, 2, 1, 1, 0)`)
	require.NoError(t, err)
}

func TestDaemon_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	d, err := New(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	seedPlugin(t, d, `function processEvent(event) { event.properties.processed = true; return event }`)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	ev := model.NewEvent(2, "$test", "user-1")
	raw, err := json.Marshal(ev.ToMap())
	require.NoError(t, err)
	_, err = mr.Push("events_ingestion", string(raw))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := mr.List("events_ingestion:processed")
		return len(n) == 1
	}, 5*time.Second, 20*time.Millisecond)

	out, err := mr.List("events_ingestion:processed")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out[0]), &got))
	props := got["properties"].(map[string]any)
	assert.Equal(t, true, props["processed"])
	assert.Equal(t, []any{"marker-plugin"}, props[model.PropPluginsSucceeded])

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemon_ConsumerStartStopIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	d, err := New(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.StartConsumer(ctx))
	require.NoError(t, d.StartConsumer(ctx))
	require.NoError(t, d.StopConsumer(ctx))
	require.NoError(t, d.StopConsumer(ctx))

	// A stopped consumer can be started again.
	require.NoError(t, d.StartConsumer(ctx))
	require.NoError(t, d.StopConsumer(ctx))

	require.NoError(t, d.redis.Close())
	require.NoError(t, d.store.Close())
}

func TestDaemon_Healthy(t *testing.T) {
	mr := miniredis.RunT(t)
	d, err := New(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	defer func() {
		_ = d.redis.Close()
		_ = d.store.Close()
	}()

	require.NoError(t, d.Healthy(context.Background()))

	mr.Close()
	assert.Error(t, d.Healthy(context.Background()))
}

func TestPooledRunner_RunsThroughSharedPool(t *testing.T) {
	st := store.NewMemoryStore()
	m := lifecycle.NewManager(st, sandbox.Host{
		Cache:   cache.NewMemoryCache(),
		Storage: st,
		Logger:  zerolog.Nop(),
		Timeout: time.Second,
	})
	require.NoError(t, m.Reload(context.Background()))
	pool := ingest.NewPool(1)
	p := &pooledRunner{runner: runner.New(m, st), pool: pool}

	// The runner's result crosses the pool round-trip intact.
	_, err := p.RunTask(context.Background(), model.TaskTypeJob, "export", 99, nil)
	require.ErrorContains(t, err, "not loaded")

	// A cancelled caller does not sit behind a saturated pool.
	release := make(chan struct{})
	pool.Submit(context.Background(), func(ctx context.Context) { <-release }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.RunTask(ctx, model.TaskTypeJob, "export", 99, nil)
	require.ErrorIs(t, err, context.Canceled)
	close(release)
}
