// Package metrics defines the Prometheus collectors for the pgrelay
// listener. Collectors are package-level and registered via promauto, so
// importing any instrumented package wires them into the default registry
// served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Processing metrics

	// MessagesProcessed tracks per-message outcomes.
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "listener",
			Name:      "messages_processed_total",
			Help:      "Total messages handled by the listener",
		},
		[]string{"kind", "outcome"}, // outcome: completed, retried, abandoned, poisonous, skipped
	)

	// ProcessingDuration tracks the full per-message processing time,
	// including the row lock and the handler invocation.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgrelay",
			Subsystem: "listener",
			Name:      "processing_duration_seconds",
			Help:      "Time to process one message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// HandlerTimeouts counts handler invocations cut off by the
	// processing timeout.
	HandlerTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "listener",
			Name:      "handler_timeouts_total",
			Help:      "Handler invocations aborted by the processing timeout",
		},
		[]string{"kind"},
	)

	// ErrorHandlingFailures counts error-orchestrator runs that needed the
	// best-effort fallback loop.
	ErrorHandlingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "listener",
			Name:      "error_handling_failures_total",
			Help:      "Error-handling transactions that fell back to the best-effort loop",
		},
		[]string{"kind"},
	)

	// Replication metrics

	// ReplicationRestarts counts subscription restarts by reason.
	ReplicationRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "replication",
			Name:      "restarts_total",
			Help:      "Logical replication subscription restarts",
		},
		[]string{"reason"}, // reason: error, slot_in_use
	)

	// ReplicationAckedLSN exposes the last acknowledged log sequence number.
	ReplicationAckedLSN = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgrelay",
			Subsystem: "replication",
			Name:      "acked_lsn",
			Help:      "Last LSN acknowledged to the replication slot",
		},
	)

	// Polling metrics

	// PollDuration tracks the duration of one next-messages call.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pgrelay",
			Subsystem: "polling",
			Name:      "poll_duration_seconds",
			Help:      "Time for one next-messages function call",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PolledMessages counts rows returned by the next-messages function.
	PolledMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "polling",
			Name:      "messages_total",
			Help:      "Rows fetched by the next-messages function",
		},
	)

	// InFlightMessages tracks messages currently being processed.
	InFlightMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pgrelay",
			Subsystem: "listener",
			Name:      "in_flight_messages",
			Help:      "Messages currently in the processing pipeline",
		},
		[]string{"source"}, // source: replication, polling
	)

	// Cleanup metrics

	// CleanupDeletedRows counts rows removed by the cleanup scheduler.
	CleanupDeletedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "cleanup",
			Name:      "deleted_rows_total",
			Help:      "Terminal or aged rows deleted by the cleanup scheduler",
		},
	)

	// CleanupRuns counts cleanup executions by result.
	CleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgrelay",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Cleanup scheduler runs",
		},
		[]string{"result"}, // result: ok, error
	)

	// Leader election metrics

	// LeaderElectionState is 1 while this instance holds leadership.
	LeaderElectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgrelay",
			Subsystem: "leader",
			Name:      "is_leader",
			Help:      "1 if this instance is the current leader, 0 otherwise",
		},
	)
)
