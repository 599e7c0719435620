// SPDX-License-Identifier: MIT

// Package server exposes the thin process control surface: consumer
// start/stop, plugin reload/teardown, flush, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flowhook/flowhook/internal/log"
)

// Controller is the daemon surface the control API drives. Every action
// is idempotent: repeating a call leaves the process in the same state.
type Controller interface {
	StartConsumer(ctx context.Context) error
	StopConsumer(ctx context.Context) error
	ReloadPlugins(ctx context.Context) error
	TeardownPlugins(ctx context.Context) error
	Flush(ctx context.Context) error
	Healthy(ctx context.Context) error
}

// Server is the control HTTP server.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New builds the control server listening on addr.
func New(addr string, ctrl Controller) *Server {
	s := &Server{logger: log.WithComponent("server")}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(ctrl),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) router(ctrl Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := ctrl.Healthy(req.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy", "error": err.Error(),
			})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	action := func(name string, fn func(ctx context.Context) error) {
		r.Post("/control/"+name, func(w http.ResponseWriter, req *http.Request) {
			if err := fn(req.Context()); err != nil {
				s.logger.Error().Err(err).Str("action", name).Msg("control action failed")
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{
					"status": "error", "error": err.Error(),
				})
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	action("start-consumer", ctrl.StartConsumer)
	action("stop-consumer", ctrl.StopConsumer)
	action("reload-plugins", ctrl.ReloadPlugins)
	action("teardown", ctrl.TeardownPlugins)
	action("flush", ctrl.Flush)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("write response")
	}
}

// Start begins serving. It returns once the listener stops; a graceful
// Shutdown surfaces as a nil error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("control server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
