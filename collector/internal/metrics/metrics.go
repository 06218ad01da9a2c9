package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edamame_collector_sessions_active",
			Help: "Number of authenticated agent sessions",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_collector_connections_total",
			Help: "Total accepted connections by first message outcome",
		},
		[]string{"outcome"},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_sessions_expired_total",
			Help: "Total sessions closed by the idle sweep",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_auth_failures_total",
			Help: "Total rejected AUTH and REGISTER attempts",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_collector_messages_total",
			Help: "Total messages received by type",
		},
		[]string{"type"},
	)

	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edamame_collector_message_duration_seconds",
			Help:    "Time spent handling one message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Pipeline metrics
	EntriesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_entries_processed_total",
			Help: "Total log entries persisted",
		},
	)

	EntriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_collector_entries_skipped_total",
			Help: "Total log entries not persisted by reason",
		},
		[]string{"reason"},
	)

	// Correlation metrics
	AlertsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_alerts_detected_total",
			Help: "Total ModSecurity alerts extracted",
		},
	)

	AlertsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_alerts_matched_total",
			Help: "Total ModSecurity alerts linked to an access entry",
		},
	)

	AlertsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_alerts_expired_total",
			Help: "Total ModSecurity alerts discarded without a match",
		},
	)

	AlertsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edamame_collector_alerts_pending",
			Help: "ModSecurity alerts waiting for an access entry",
		},
	)

	// Storage metrics
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_collector_storage_errors_total",
			Help: "Total storage failures by operation",
		},
		[]string{"op"},
	)

	BlockRequestsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_collector_block_requests_created_total",
			Help: "Total block requests queued for agents",
		},
	)
)
