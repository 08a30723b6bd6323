package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring session lifecycle and signaling traffic
var (
	// Session lifecycle metrics
	CallStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of call sessions started",
	}, []string{"role", "media_kind"})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of call sessions ended",
	}, []string{"role", "reason"})

	CallActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Current number of connected calls",
	})

	CallSetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_setup_duration_seconds",
		Help:    "Time from session start to connected",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"role"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Connected duration of ended calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Candidate metrics
	CallCandidatesBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_candidates_buffered_total",
		Help: "Remote candidates buffered until the remote description was applied",
	})

	CallCandidatesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_candidates_ingested_total",
		Help: "Remote candidates handed to the peer connection",
	}, []string{"status"})

	// Signaling store metrics
	CallSignalingOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_ops_total",
		Help: "Signaling store operations by outcome",
	}, []string{"op", "status"})

	CallSignalingSubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_signaling_subscriptions_active",
		Help: "Current number of open signaling subscriptions",
	})

	CallSignalingResyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_signaling_resync_total",
		Help: "Periodic signaling resyncs that found missed changes",
	})

	CallSignalingBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "call_signaling_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// Status stream metrics
	CallStatusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_status_subscribers",
		Help: "Current number of status stream subscribers",
	})

	CallStatusDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_status_dropped_total",
		Help: "Status updates replaced because a subscriber fell behind",
	})

	// Call log metrics
	CallLogWriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_log_write_total",
		Help: "Call history writes by outcome",
	}, []string{"status"})
)
