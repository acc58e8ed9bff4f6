// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle metrics
var (
	// LifecycleCreatedTotal counts accepted (non-duplicate) incident creations.
	LifecycleCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_created_total",
			Help: "Total number of created incidents",
		},
	)

	// LifecycleDurationSeconds tracks the time from occurrence to resolution.
	LifecycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifecycle_duration_seconds",
			Help:    "Seconds between incident occurrence and resolution",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400, 43200, 86400},
		},
	)

	// LifecyclePublishFailures counts bus publishes that failed after commit.
	LifecyclePublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_publish_failures_total",
			Help: "Total failed lifecycle event publishes",
		},
		[]string{"topic"},
	)

	// LifecycleConflictsTotal counts optimistic-lock conflicts, including the
	// ones resolved by the automatic retry.
	LifecycleConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_conflicts_total",
			Help: "Total optimistic concurrency conflicts on transitions",
		},
	)
)

// Audit verifier metrics
var (
	// AuditCheckedTotal counts consumed events with a matching timeline row.
	AuditCheckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_audit_checked_total",
			Help: "Total consumed events verified against the timeline",
		},
		[]string{"topic"},
	)

	// AuditMissingTotal counts consumed events with no backing timeline row.
	AuditMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_audit_missing_total",
			Help: "Total consumed events missing a durable timeline row",
		},
		[]string{"topic"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Sweep metrics
var (
	SweepAutoClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_sweep_auto_closed_total",
			Help: "Total stale pending incidents closed as false alarms",
		},
	)

	SweepReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_sweep_replayed_total",
			Help: "Total timeline rows re-published by the replay sweep",
		},
	)
)
