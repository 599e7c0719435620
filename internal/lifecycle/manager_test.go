// SPDX-License-Identifier: MIT

package lifecycle

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/internal/cache"
	"github.com/flowhook/flowhook/internal/model"
	"github.com/flowhook/flowhook/internal/sandbox"
	"github.com/flowhook/flowhook/internal/store"
)

const testManifest = `{"name": "test-plugin", "description": "test", "config": []}`

func writePluginDir(t *testing.T, script, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(script), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o600))
	return dir
}

func newTestManager(st store.Store) *Manager {
	return NewManager(st, sandbox.Host{
		Cache:   cache.NewMemoryCache(),
		Storage: st,
		Logger:  zerolog.Nop(),
		Timeout: time.Second,
	})
}

func seed(st *store.MemoryStore, id int, dir string) *model.PluginConfig {
	plugin := &model.Plugin{ID: id, Name: "test-plugin", LocalPath: dir}
	st.AddPlugin(plugin)
	pc := &model.PluginConfig{ID: id, TeamID: 2, PluginID: id, Plugin: plugin, Enabled: true}
	st.AddPluginConfig(pc)
	return pc
}

func TestLoad_Success(t *testing.T) {
	st := store.NewMemoryStore()
	dir := writePluginDir(t, `function processEvent(event) { return event }`, testManifest)
	pc := seed(st, 1, dir)

	m := newTestManager(st)
	sb, err := m.Load(context.Background(), pc)
	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Nil(t, pc.Error)
	assert.Equal(t, []string{"processEvent"}, pc.Plugin.Capabilities.Methods)

	entries := st.LogEntries()
	require.NotEmpty(t, entries)
	assert.Equal(t, model.LogLevelInfo, entries[len(entries)-1].Level)
}

func TestLoad_MalformedManifestDisables(t *testing.T) {
	st := store.NewMemoryStore()
	dir := writePluginDir(t, `function processEvent(event) { return event }`, `{not json`)
	pc := seed(st, 1, dir)

	m := newTestManager(st)
	sb, err := m.Load(context.Background(), pc)
	require.Error(t, err)
	assert.Nil(t, sb)
	assert.True(t, errors.Is(err, ErrManifest), "error should identify the manifest: %v", err)

	assert.False(t, pc.Enabled, "config must be disabled")
	require.NotNil(t, pc.Error)
	assert.Equal(t, model.KindLoad, pc.Error.Kind)
	assert.Contains(t, pc.Error.Message, "manifest")
}

func TestLoad_SyntaxErrorDisables(t *testing.T) {
	st := store.NewMemoryStore()
	dir := writePluginDir(t, `function processEvent(event { return`, testManifest)
	pc := seed(st, 1, dir)

	m := newTestManager(st)
	_, err := m.Load(context.Background(), pc)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrManifest), "code error must be distinct from manifest error")
	assert.False(t, pc.Enabled)
	require.NotNil(t, pc.Error)
	assert.Equal(t, model.KindLoad, pc.Error.Kind)
}

func TestLoad_SetupFailureDisables(t *testing.T) {
	st := store.NewMemoryStore()
	dir := writePluginDir(t, `
		function setupPlugin() { throw new Error("no credentials") }
		function processEvent(event) { return event }
	`, testManifest)
	pc := seed(st, 1, dir)

	m := newTestManager(st)
	_, err := m.Load(context.Background(), pc)
	require.Error(t, err)
	perr, ok := model.AsPluginError(err)
	require.True(t, ok)
	assert.Equal(t, model.KindLoad, perr.Kind)
	assert.False(t, pc.Enabled)
}

func TestLoad_RequiredConfigValue(t *testing.T) {
	st := store.NewMemoryStore()
	manifest := `{"name": "p", "config": [{"key": "apiKey", "required": true}, {"key": "host", "default": "example.com"}]}`
	dir := writePluginDir(t, `function processEvent(event) { return event }`, manifest)
	pc := seed(st, 1, dir)

	m := newTestManager(st)
	_, err := m.Load(context.Background(), pc)
	require.Error(t, err, "missing required config value must fail the load")

	pc2 := seed(st, 2, dir)
	pc2.Config = map[string]string{"apiKey": "secret"}
	_, err = m.Load(context.Background(), pc2)
	require.NoError(t, err)
	assert.Equal(t, "example.com", pc2.Config["host"], "declared default must be applied")
}

func TestReload_FailedConfigKeepsNilHandle(t *testing.T) {
	st := store.NewMemoryStore()
	good := writePluginDir(t, `function processEvent(event) { event.properties.ok = true; return event }`, testManifest)
	bad := writePluginDir(t, `function processEvent(event) { return event }`, `broken`)
	seed(st, 1, good)
	seed(st, 2, bad)

	m := newTestManager(st)
	require.NoError(t, m.Reload(context.Background()))

	require.NotNil(t, m.Get(1))
	assert.NotNil(t, m.Get(1).Sandbox)
	require.NotNil(t, m.Get(2))
	assert.Nil(t, m.Get(2).Sandbox, "failed config keeps a nil sandbox handle")
}

func TestUnload_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	dir := writePluginDir(t, `
		function processEvent(event) { return event }
		function teardown() { console.log("bye") }
	`, testManifest)
	seed(st, 1, dir)

	m := newTestManager(st)
	require.NoError(t, m.Reload(context.Background()))
	require.NotNil(t, m.Get(1).Sandbox)

	ctx := context.Background()
	m.Unload(ctx, 1)
	assert.Nil(t, m.Get(1))
	m.Unload(ctx, 1) // second unload is a no-op
}

func zipArchive(t *testing.T, script, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("plugin-1.0/index.js")
	require.NoError(t, err)
	_, err = f.Write([]byte(script))
	require.NoError(t, err)
	f, err = w.Create("plugin-1.0/plugin.json")
	require.NoError(t, err)
	_, err = f.Write([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tarGzArchive(t *testing.T, script, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range map[string]string{"index.js": script, "plugin.json": manifest} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestLoad_FromZipArchive(t *testing.T) {
	st := store.NewMemoryStore()
	plugin := &model.Plugin{ID: 1, Name: "zipped", Archive: zipArchive(t, `function processEvent(event) { return event }`, testManifest)}
	st.AddPlugin(plugin)
	pc := &model.PluginConfig{ID: 1, TeamID: 2, PluginID: 1, Plugin: plugin, Enabled: true}
	st.AddPluginConfig(pc)

	m := newTestManager(st)
	sb, err := m.Load(context.Background(), pc)
	require.NoError(t, err)
	assert.True(t, sb.HasMethod("processEvent"))
}

func TestLoad_FromTarGzArchive(t *testing.T) {
	st := store.NewMemoryStore()
	plugin := &model.Plugin{ID: 1, Name: "tarred", Archive: tarGzArchive(t, `function processEvent(event) { return event }`, testManifest)}
	st.AddPlugin(plugin)
	pc := &model.PluginConfig{ID: 1, TeamID: 2, PluginID: 1, Plugin: plugin, Enabled: true}
	st.AddPluginConfig(pc)

	m := newTestManager(st)
	sb, err := m.Load(context.Background(), pc)
	require.NoError(t, err)
	assert.True(t, sb.HasMethod("processEvent"))
}

func TestTranspile_DownLevelsExports(t *testing.T) {
	src := `
import { something } from "somewhere"
export function processEvent(event) { return event }
export const jobs = { x: function () {} }
export default processEvent
`
	out := transpile(src)
	assert.NotContains(t, out, "import ")
	assert.NotContains(t, out, "export ")
	assert.Contains(t, out, "function processEvent")
	assert.Contains(t, out, "var jobs")
}
