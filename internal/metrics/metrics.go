// Package metrics exposes the bridge's Prometheus gauges and counters,
// grounded on the example pack's promauto-based metrics packages: inbox
// latency, translation outcomes, delivery outcomes, relay circuit-breaker
// state and deletion-queue depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

var (
	// InboxRequests counts POST /inbox requests by outcome (accepted,
	// bad_request, auth_failed, rate_limited, overloaded).
	InboxRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "requests_total",
			Help:      "Inbound NET-A activities by outcome.",
		},
		[]string{"outcome"},
	)

	// InboxLatency tracks time spent handling a POST /inbox request before
	// the HTTP response is returned (signature verification and body read
	// only; dedup and translation run detached, after the response).
	InboxLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "latency_seconds",
			Help:      "POST /inbox handler latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// TranslationDropped counts NostrConversion drops by reason (spec §4.5.1).
	TranslationDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "translate",
			Name:      "dropped_total",
			Help:      "Activities/events dropped during translation by reason.",
		},
		[]string{"reason"},
	)

	// DeliverySuccess counts successful outbound activity deliveries.
	DeliverySuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_success_total",
			Help:      "Outbound NET-A deliveries that succeeded.",
		},
	)

	// DeliveryDropped counts deliveries abandoned after a non-retryable 4xx.
	DeliveryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_dropped_total",
			Help:      "Outbound NET-A deliveries dropped on a non-retryable response.",
		},
	)

	// DeliveryRetried counts individual retry attempts (not distinct
	// deliveries — one delivery may retry several times before success/drop).
	DeliveryRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_retried_total",
			Help:      "Outbound NET-A delivery retry attempts.",
		},
	)

	// DeletionQueueDepth tracks the dedicated deletion queue's current depth.
	DeletionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deletion_queue_depth",
			Help:      "Pending items in the serializing deletion queue.",
		},
	)

	// DeletionDropped counts deletions dropped because the queue was full.
	DeletionDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deletion_dropped_total",
			Help:      "Deletions dropped because the serializing queue was full.",
		},
	)

	// RelayCircuitOpen reports 1 when a relay's circuit breaker is open, 0
	// otherwise (spec §5's per-relay circuit breaker).
	RelayCircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "relay_circuit_open",
			Help:      "1 if a relay's circuit breaker is currently open.",
		},
		[]string{"relay"},
	)

	// RelayEventsReceived counts events received per relay.
	RelayEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "relay_events_received_total",
			Help:      "NET-N events received per relay.",
		},
		[]string{"relay"},
	)
)

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
