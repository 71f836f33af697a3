// Package metrics exposes Prometheus collectors for the submission pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsClassified counts classified send failures
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_errors_classified_total",
			Help: "Total number of send errors classified, by category and severity",
		},
		[]string{"category", "severity"},
	)

	// RetriesScheduled counts armed retry timers
	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_retries_scheduled_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"category"},
	)

	// RetryAttempts counts executed retries by outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_retry_attempts_total",
			Help: "Total number of executed retry attempts",
		},
		[]string{"outcome"},
	)

	// TerminalFailures counts submissions that exhausted their retries
	TerminalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_terminal_failures_total",
			Help: "Total number of submissions that reached a permanent failed state",
		},
		[]string{"category"},
	)

	// RecoveryActions counts dispatched recovery actions
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_recovery_actions_total",
			Help: "Total number of recovery actions run before a retry",
		},
		[]string{"category", "outcome"},
	)

	// BatchRetries counts submissions drained by the batch processor
	BatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_batch_retries_total",
			Help: "Total number of submissions retried from a batch queue",
		},
		[]string{"category"},
	)

	// PendingRetries tracks armed retry timers
	PendingRetries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncpipe_pending_retries",
			Help: "Number of retry timers currently armed",
		},
	)

	// QueuedRetries tracks batch queue sizes
	QueuedRetries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncpipe_queued_retries",
			Help: "Number of submissions waiting in a batch queue",
		},
		[]string{"category"},
	)

	// FieldTruncations counts values cut to a CRM field's max length
	FieldTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncpipe_field_truncations_total",
			Help: "Total number of field values truncated to the CRM max length",
		},
	)

	// CRMRequests counts CRM API calls by operation and result
	CRMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncpipe_crm_requests_total",
			Help: "Total number of CRM API requests",
		},
		[]string{"operation", "result"},
	)

	// CRMLatency tracks CRM API round-trip latency
	CRMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncpipe_crm_latency_seconds",
			Help:    "CRM API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// CircuitBreakerState tracks the CRM breaker (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncpipe_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)
)
