// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_jobs_enqueued_total",
		Help: "Jobs accepted by a queue backend",
	}, []string{"backend"})

	EnqueueFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_jobs_enqueue_fallback_total",
		Help: "Enqueue attempts that failed over past a backend",
	}, []string{"backend"})

	JobsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_jobs_executed_total",
		Help: "Jobs handed to the job handler, by outcome",
	}, []string{"backend", "outcome"})
)
