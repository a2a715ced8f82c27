// Package metrics holds the Prometheus collectors exported by harpd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Reasons a frame or connection is rejected.
const (
	ReasonFrameTooLarge = "frame_too_large"
	ReasonDecode        = "decode"
	ReasonInvalid       = "invalid_action"
)

var (
	FramesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harp_frames_accepted_total",
		Help: "Frames decoded and queued for persistence",
	})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harp_frames_rejected_total",
		Help: "Frames that caused their connection to be closed",
	}, []string{"reason"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harp_connections_active",
		Help: "Producer connections currently open",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harp_connections_total",
		Help: "Producer connections accepted",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harp_queue_depth",
		Help: "Actions waiting in the processing queue",
	})

	PendingBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harp_pending_batch_size",
		Help: "Actions in the batch the writer is trying to commit",
	})

	BatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harp_batches_committed_total",
		Help: "Batches committed to the database",
	})

	BatchesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harp_batches_failed_total",
		Help: "Failed batch commit attempts",
	}, []string{"cause"})

	ActionsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harp_actions_persisted_total",
		Help: "Actions committed to the database",
	})

	ActionsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harp_actions_dead_lettered_total",
		Help: "Actions given up on after repeated data errors",
	})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harp_batch_commit_duration_seconds",
		Help:    "Time spent committing one batch",
		Buckets: prometheus.DefBuckets,
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harp_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

// BreakerStateValue maps a breaker state onto the BreakerState gauge.
func BreakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
