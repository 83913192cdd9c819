// Package metrics declares the Prometheus collectors shared by the access
// layer. The collectors register on the default registry so the services can
// expose them with promhttp when started with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth tracks queued requests per network and priority.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wam",
		Subsystem: "sched",
		Name:      "queue_depth",
		Help:      "Number of requests waiting in the scheduler queues.",
	}, []string{"net", "priority"})

	// Dispatches counts completed operations by outcome
	// (success, rate_limited, transient, circuit_open, exhausted).
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wam",
		Subsystem: "sched",
		Name:      "dispatch_total",
		Help:      "Completed scheduler operations by outcome.",
	}, []string{"net", "outcome"})

	// StaleDrops counts queued items discarded past the staleness limit.
	StaleDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wam",
		Subsystem: "sched",
		Name:      "stale_dropped_total",
		Help:      "Queued requests dropped for exceeding the staleness limit.",
	}, []string{"net"})

	// Reschedules counts operations requeued after a rate-limit response.
	Reschedules = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wam",
		Subsystem: "sched",
		Name:      "rate_limit_reschedules_total",
		Help:      "Operations rescheduled once after a provider rate limit.",
	}, []string{"net"})

	// Rotations counts active-endpoint changes in the pool.
	Rotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wam",
		Subsystem: "pool",
		Name:      "endpoint_rotations_total",
		Help:      "Times the pool manager rotated the active endpoint.",
	}, []string{"net"})

	// HealthScore reports the current health score per endpoint.
	HealthScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wam",
		Subsystem: "pool",
		Name:      "endpoint_health_score",
		Help:      "Weighted endpoint health score in [0,1].",
	}, []string{"net", "endpoint"})

	// Alerts counts wallet-activity alerts published downstream.
	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wam",
		Subsystem: "watcher",
		Name:      "alerts_total",
		Help:      "Wallet activity alerts emitted to subscribers.",
	}, []string{"net"})
)

//nolint:gochecknoinits // Prometheus collectors register once at startup.
func init() {
	prometheus.MustRegister(
		QueueDepth,
		Dispatches,
		StaleDrops,
		Reschedules,
		Rotations,
		HealthScore,
		Alerts,
	)
}
