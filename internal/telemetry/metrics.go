// Package telemetry holds the Prometheus metrics exported by opaudit.
//
// All metrics are registered against the default registry at package init
// and served by `opaudit serve` on the configured metrics path (default
// /metrics) when metrics are enabled in config.yaml.
//
// Metric groups:
//   - audit append counters and latency, labelled by action_type
//   - chain verification runs and issues, labelled by issue kind
//   - current chain length
//   - HTTP request counters for the operator API
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Append metrics.
//
// AuditAppendsTotal counts persisted entries by action_type. Action types
// are caller-supplied, but in practice a handful of labels (DECISION,
// GENERATION, ACCESS, QUALIFICATION) so cardinality stays small.
var (
	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total number of audit entries persisted, by action type.",
		},
		[]string{"action_type"},
	)

	AuditAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Total number of audit appends that failed and left the chain tip unchanged.",
		},
	)

	AuditAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_append_duration_seconds",
			Help:    "Latency of audit appends including fsync.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
	)

	AuditChainEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_chain_entries",
			Help: "Number of records in the audit log owned by this process.",
		},
	)
)

// Verification metrics.
var (
	AuditVerifyRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_verify_runs_total",
			Help: "Total number of chain verifications, by outcome (valid or invalid).",
		},
		[]string{"outcome"},
	)

	AuditVerifyIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_verify_issues_total",
			Help: "Total number of issues reported by chain verification, by kind.",
		},
		[]string{"kind"},
	)
)

// HTTP metrics, labelled by route pattern rather than raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests handled by the operator API, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency for the operator API, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
