// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsApplied counts push events routed into the caches, by kind.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_events_applied_total",
		Help: "Push events applied to the caches.",
	}, []string{"kind"})

	// DuplicatesSuppressed counts redelivered events that changed nothing.
	DuplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_duplicates_suppressed_total",
		Help: "Redelivered events dropped by idempotence checks.",
	}, []string{"cache"})

	// StaleResponses counts fetch results discarded because their target moved on.
	StaleResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_stale_responses_total",
		Help: "Fetch results dropped by the stale-response guard.",
	}, []string{"op"})

	// OptimisticSends counts outbound messages by final outcome.
	OptimisticSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_optimistic_sends_total",
		Help: "Optimistic sends by outcome (confirmed, rolled_back).",
	}, []string{"outcome"})

	// BusDropped counts events a full bus subscriber missed.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskchat_bus_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	}, []string{"kind"})

	// RequestLatency records REST call latency by operation.
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskchat_request_duration_seconds",
		Help:    "REST request latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})

	// ConnectionState is 1 for the current push connection state and 0 otherwise.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskchat_connection_state",
		Help: "Push connection state (1 = current).",
	}, []string{"state"})
)

// ObserveRequest records the latency of a REST call started at start.
func ObserveRequest(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RequestLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// SetConnectionState marks state as current among states.
func SetConnectionState(current string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
