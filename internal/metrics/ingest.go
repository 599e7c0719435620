// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowhook_events_processed_total",
		Help: "Events that completed the plugin chain",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowhook_events_dropped_total",
		Help: "Events dropped by a plugin returning null",
	})

	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowhook_events_failed_total",
		Help: "Events on which at least one plugin failed",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowhook_ingest_batch_size",
		Help:    "Raw batch sizes delivered by the transport",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowhook_ingest_batch_duration_seconds",
		Help:    "Time to process one transport batch",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	})

	BackpressurePaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowhook_ingest_backpressure_paused",
		Help: "1 while upstream consumption is paused on backpressure",
	})
)
