// Package metrics exposes the Prometheus counters and histograms of
// SPEC_FULL.md §2's added domain stack: batches relayed, messages
// dispatched, confirm latency, DLQ routes, lock-acquisition wait.
//
// Grounded on services/email-service/app/metrics/metrics.go's
// promauto.NewCounterVec/NewHistogramVec package-level-var shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesRelayedTotal counts relay.RelayBatch calls, labeled by outbox
	// table and outcome ("ok"/"error").
	BatchesRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxcore_batches_relayed_total",
			Help: "Total number of outbox relay batches processed.",
		},
		[]string{"table", "outcome"},
	)

	// MessagesDispatchedTotal counts individual messages handed to a
	// downstream dispatcher, labeled by outbox table.
	MessagesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxcore_messages_dispatched_total",
			Help: "Total number of messages successfully dispatched downstream.",
		},
		[]string{"table"},
	)

	// ConfirmLatencySeconds observes how long an AMQP dispatch waited for
	// publisher confirms.
	ConfirmLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outboxcore_amqp_confirm_latency_seconds",
			Help:    "Time spent waiting for AMQP publisher confirms per dispatch attempt.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// DLQRoutesTotal counts inbound deliveries that exhausted
	// MaxDeliveryAttempts and were nacked without requeue (handed to the
	// queue's configured dead-letter exchange).
	DLQRoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outboxcore_dlq_routes_total",
			Help: "Total number of deliveries routed to a dead-letter exchange after exhausting delivery attempts.",
		},
		[]string{"queue"},
	)

	// LockWaitSeconds observes how long a relay runner waited to acquire
	// its leader-election mutex.
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outboxcore_lock_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire the leader-election mutex.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)
)

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
