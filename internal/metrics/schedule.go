// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeaseHolding is 1 while this instance holds the scheduler lease.
	LeaseHolding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowhook_schedule_lease_holding",
		Help: "1 while this instance holds the scheduler lease",
	})

	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_schedule_lease_transitions_total",
		Help: "Schedule lock state transitions",
	}, []string{"to"})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_scheduled_runs_total",
		Help: "Periodic task invocations by cadence and outcome",
	}, []string{"cadence", "outcome"})

	ScheduledSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowhook_scheduled_skips_total",
		Help: "Periodic ticks skipped because the previous run had not resolved",
	}, []string{"cadence"})
)
