// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/flowhook/flowhook/internal/cache"
	"github.com/flowhook/flowhook/internal/model"
)

// CaptureFunc emits a synthetic event into the ingestion sink.
type CaptureFunc func(ctx context.Context, ev *model.Event) error

// EnqueueJobFunc defers a background job for one plugin config.
type EnqueueJobFunc func(ctx context.Context, job *model.EnqueuedJob) error

// Storage is the slice of the metadata store a sandbox may touch: rows
// keyed by (plugin config id, key).
type Storage interface {
	StorageGet(ctx context.Context, pluginConfigID int, key string) (string, bool, error)
	StorageSet(ctx context.Context, pluginConfigID int, key, value string) error
	StorageDel(ctx context.Context, pluginConfigID int, key string) error
}

// Host is the capability table injected into a sandbox. Every capability is
// namespaced per PluginConfig; a nil field revokes that capability.
type Host struct {
	Cache        cache.Cache
	Storage      Storage
	Capture      CaptureFunc
	EnqueueJob   EnqueueJobFunc
	HTTPClient   *http.Client
	FetchLimiter *rate.Limiter // optional outbound fetch throttle
	Logger       zerolog.Logger
	Timeout      time.Duration
}

// throw raises a JS exception from inside a host binding.
func (s *Sandbox) throw(err error) {
	panic(s.vm.NewGoError(err))
}

// cacheKey namespaces a plugin-visible cache key by plugin id and team id.
func (s *Sandbox) cacheKey(key string) string {
	pluginID := 0
	if s.cfg.Plugin != nil {
		pluginID = s.cfg.Plugin.ID
	}
	return fmt.Sprintf("@plugin/%d/%d/%s", pluginID, s.cfg.TeamID, key)
}

func (s *Sandbox) pluginName() string {
	if s.cfg.Plugin != nil {
		return s.cfg.Plugin.Name
	}
	return fmt.Sprintf("plugin-config-%d", s.cfg.ID)
}

func (s *Sandbox) installBindings() error {
	if err := s.installConsole(); err != nil {
		return err
	}
	if err := s.installCache(); err != nil {
		return err
	}
	if err := s.installStorage(); err != nil {
		return err
	}
	if err := s.installFetch(); err != nil {
		return err
	}
	if err := s.installCapture(); err != nil {
		return err
	}
	if err := s.installConfig(); err != nil {
		return err
	}
	if err := s.installJobs(); err != nil {
		return err
	}
	// The per-plugin mutable scratch object, shared across all hook
	// invocations of this one sandbox and never visible outside it.
	return s.vm.Set("global", s.vm.NewObject())
}

func (s *Sandbox) installConsole() error {
	logAt := func(level zerolog.Level) func(args ...any) {
		return func(args ...any) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			s.logger.WithLevel(level).
				Str("plugin_name", s.pluginName()).
				Int("plugin_config_id", s.cfg.ID).
				Int("team_id", s.cfg.TeamID).
				Msg(strings.Join(parts, " "))
		}
	}
	return s.vm.Set("console", map[string]any{
		"log":   logAt(zerolog.InfoLevel),
		"info":  logAt(zerolog.InfoLevel),
		"debug": logAt(zerolog.DebugLevel),
		"warn":  logAt(zerolog.WarnLevel),
		"error": logAt(zerolog.ErrorLevel),
	})
}

func (s *Sandbox) installCache() error {
	if s.host.Cache == nil {
		return nil
	}
	c := s.host.Cache
	return s.vm.Set("cache", map[string]any{
		"get": func(key string, def ...any) any {
			v, ok, err := c.Get(s.callCtx, s.cacheKey(key))
			if err != nil {
				s.throw(err)
			}
			if !ok {
				if len(def) > 0 {
					return def[0]
				}
				return nil
			}
			return v
		},
		"set": func(key string, value string, ttlSeconds ...int64) {
			var ttl time.Duration
			if len(ttlSeconds) > 0 {
				ttl = time.Duration(ttlSeconds[0]) * time.Second
			}
			if err := c.Set(s.callCtx, s.cacheKey(key), value, ttl); err != nil {
				s.throw(err)
			}
		},
		"incr": func(key string) int64 {
			n, err := c.Incr(s.callCtx, s.cacheKey(key))
			if err != nil {
				s.throw(err)
			}
			return n
		},
		"expire": func(key string, ttlSeconds int64) bool {
			ok, err := c.Expire(s.callCtx, s.cacheKey(key), time.Duration(ttlSeconds)*time.Second)
			if err != nil {
				s.throw(err)
			}
			return ok
		},
	})
}

func (s *Sandbox) installStorage() error {
	if s.host.Storage == nil {
		return nil
	}
	st := s.host.Storage
	obj := s.vm.NewObject()
	err := obj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		raw, ok, err := st.StorageGet(s.callCtx, s.cfg.ID, key)
		if err != nil {
			s.throw(err)
		}
		if !ok {
			return call.Argument(1) // default value, undefined when absent
		}
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			s.throw(fmt.Errorf("storage value for %q is not valid JSON: %w", key, err))
		}
		return s.vm.ToValue(out)
	})
	if err != nil {
		return err
	}
	// set(key, undefined) deletes the row.
	err = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		val := call.Argument(1)
		if goja.IsUndefined(val) || goja.IsNull(val) {
			if err := st.StorageDel(s.callCtx, s.cfg.ID, key); err != nil {
				s.throw(err)
			}
			return goja.Undefined()
		}
		buf, err := json.Marshal(val.Export())
		if err != nil {
			s.throw(fmt.Errorf("storage value for %q is not serialisable: %w", key, err))
		}
		if err := st.StorageSet(s.callCtx, s.cfg.ID, key, string(buf)); err != nil {
			s.throw(err)
		}
		return goja.Undefined()
	})
	if err != nil {
		return err
	}
	err = obj.Set("del", func(key string) {
		if err := st.StorageDel(s.callCtx, s.cfg.ID, key); err != nil {
			s.throw(err)
		}
	})
	if err != nil {
		return err
	}
	return s.vm.Set("storage", obj)
}

// installFetch exposes a pass-through HTTP client. Rate limiting is a
// deployment policy: the limiter is optional and host-configured.
func (s *Sandbox) installFetch() error {
	client := s.host.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return s.vm.Set("fetch", func(url string, options ...map[string]any) map[string]any {
		if s.host.FetchLimiter != nil {
			if err := s.host.FetchLimiter.Wait(s.callCtx); err != nil {
				s.throw(fmt.Errorf("fetch throttled: %w", err))
			}
		}
		method := http.MethodGet
		var body io.Reader
		headers := map[string]string{}
		if len(options) > 0 {
			if m, ok := options[0]["method"].(string); ok {
				method = strings.ToUpper(m)
			}
			if b, ok := options[0]["body"].(string); ok {
				body = strings.NewReader(b)
			}
			if hs, ok := options[0]["headers"].(map[string]any); ok {
				for k, v := range hs {
					headers[k] = fmt.Sprint(v)
				}
			}
		}
		req, err := http.NewRequestWithContext(s.callCtx, method, url, body)
		if err != nil {
			s.throw(fmt.Errorf("fetch %s: %w", url, err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			s.throw(fmt.Errorf("fetch %s: %w", url, err))
		}
		defer func() { _ = resp.Body.Close() }()
		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			s.throw(fmt.Errorf("fetch %s: read body: %w", url, err))
		}
		return map[string]any{
			"status": resp.StatusCode,
			"ok":     resp.StatusCode >= 200 && resp.StatusCode < 300,
			"text":   string(buf),
		}
	})
}

func (s *Sandbox) installCapture() error {
	if s.host.Capture == nil {
		return nil
	}
	return s.vm.Set("capture", func(eventName string, properties ...map[string]any) {
		ev := model.NewEvent(s.cfg.TeamID, eventName, s.pluginName())
		if len(properties) > 0 && properties[0] != nil {
			ev.Properties = properties[0]
		}
		// The plugin's own identity is the actor unless overridden.
		if v, ok := ev.Properties["distinct_id"].(string); ok && v != "" {
			ev.DistinctID = v
		}
		if _, ok := ev.Properties[model.PropLib]; !ok {
			ev.Properties[model.PropLib] = s.pluginName()
		}
		if err := s.host.Capture(s.callCtx, ev); err != nil {
			s.throw(fmt.Errorf("capture %q: %w", eventName, err))
		}
	})
}

// installJobs lets plugin code defer one of its own exported jobs.
// enqueueJob(type, payload, runInSeconds?) schedules the run; the job
// lands back on this plugin config via the job queue.
func (s *Sandbox) installJobs() error {
	if s.host.EnqueueJob == nil {
		return nil
	}
	return s.vm.Set("enqueueJob", func(jobType string, payload map[string]any, runInSeconds ...float64) {
		runAt := time.Now()
		if len(runInSeconds) > 0 {
			runAt = runAt.Add(time.Duration(runInSeconds[0] * float64(time.Second)))
		}
		job := model.NewJob(s.cfg.ID, jobType, payload, runAt)
		if err := s.host.EnqueueJob(s.callCtx, job); err != nil {
			s.throw(fmt.Errorf("enqueueJob %q: %w", jobType, err))
		}
	})
}

// installConfig exposes a read-only view of the validated configuration
// values and the attached blobs.
func (s *Sandbox) installConfig() error {
	cfgView := make(map[string]any, len(s.cfg.Config))
	for k, v := range s.cfg.Config {
		cfgView[k] = v
	}
	if err := s.vm.Set("config", cfgView); err != nil {
		return err
	}
	atts := make(map[string]any, len(s.cfg.Attachments))
	for _, a := range s.cfg.Attachments {
		atts[a.Key] = map[string]any{
			"content_type": a.ContentType,
			"contents":     string(a.Contents),
		}
	}
	return s.vm.Set("attachments", atts)
}
