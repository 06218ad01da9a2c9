package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edamame_agent_queue_depth",
			Help: "Entries waiting in the offline queue",
		},
	)

	QueueEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_queue_evictions_total",
			Help: "Entries dropped from the offline queue because it was full",
		},
	)

	// Connection metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edamame_agent_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_agent_reconnect_attempts_total",
			Help: "Reconnect probes by outcome",
		},
		[]string{"outcome"},
	)

	Registrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_registrations_total",
			Help: "Registration ids obtained from the collector",
		},
	)

	// Transmission metrics
	BatchesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_batches_sent_total",
			Help: "Log batches acknowledged by the collector",
		},
	)

	BatchesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_batches_failed_total",
			Help: "Log batches that failed after all retries",
		},
	)

	EntriesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_entries_sent_total",
			Help: "Log entries delivered to the collector",
		},
	)

	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_agent_heartbeats_total",
			Help: "Heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	// Collection metrics
	LinesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_agent_lines_read_total",
			Help: "Lines read from watched log files",
		},
		[]string{"server"},
	)

	// Blocking metrics
	BlocksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_blocks_applied_total",
			Help: "iptables DROP rules inserted",
		},
	)

	BlocksRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edamame_agent_blocks_removed_total",
			Help: "iptables DROP rules removed after expiry",
		},
	)

	BlockErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edamame_agent_block_errors_total",
			Help: "Failed block polls and iptables invocations",
		},
		[]string{"op"},
	)
)
