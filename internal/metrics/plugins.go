// SPDX-License-Identifier: MIT

// Package metrics defines the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PluginLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_plugin_loads_total",
		Help: "Plugin load attempts by outcome",
	}, []string{"outcome"})

	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowhook_hook_duration_seconds",
		Help:    "Duration of sandboxed hook calls",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"hook"})

	HookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_hook_failures_total",
		Help: "Hook calls that failed, by error kind",
	}, []string{"hook", "kind"})
)
