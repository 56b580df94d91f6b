// Package metrics provides Prometheus collectors for the conversation
// streaming engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "converse"

var (
	// streamsActive tracks the number of generation streams in flight.
	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of generation streams currently in flight",
		},
	)

	// deltasForwarded counts text deltas pushed to client channels.
	deltasForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_forwarded_total",
			Help:      "Total number of text deltas forwarded to clients",
		},
	)

	// streamDuration is a histogram of generation stream duration by outcome.
	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Histogram of generation stream duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"outcome"},
	)

	// persistenceErrors counts non-fatal storage failures by tier.
	persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Total number of non-fatal cache/durable write failures",
		},
		[]string{"tier"},
	)

	// conversationsFinalized counts conversations flushed to durable storage.
	conversationsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_finalized_total",
			Help:      "Total number of conversations finalized to the durable store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		streamsActive,
		deltasForwarded,
		streamDuration,
		persistenceErrors,
		conversationsFinalized,
	)
}

// Stream outcome labels.
const (
	OutcomeComplete  = "complete"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// StreamStarted records a generation stream entering flight.
func StreamStarted() {
	streamsActive.Inc()
}

// StreamEnded records a stream leaving flight with its outcome and duration.
func StreamEnded(outcome string, duration time.Duration) {
	streamsActive.Dec()
	streamDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncDeltaForwarded counts one delta pushed to a client channel.
func IncDeltaForwarded() {
	deltasForwarded.Inc()
}

// IncPersistenceError counts a non-fatal storage failure for the given tier
// ("cache" or "durable").
func IncPersistenceError(tier string) {
	persistenceErrors.WithLabelValues(tier).Inc()
}

// IncFinalized counts a conversation flushed to durable storage.
func IncFinalized() {
	conversationsFinalized.Inc()
}
