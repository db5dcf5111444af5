// Package metrics exposes Prometheus instrumentation for statement execution,
// the record cache, and connection lifecycle events.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatementsTotal counts executed statements by dialect, kind, and status.
	StatementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_statements_total",
			Help: "Total number of statements sent to the database",
		},
		[]string{"dialect", "kind", "status"},
	)
	// StatementDuration is the latency of executed statements.
	StatementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orb_statement_duration_seconds",
			Help:    "Statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect", "kind"},
	)
	// StatementRetries counts attempts repeated after a lost connection.
	StatementRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_statement_retries_total",
			Help: "Total number of statements retried after a lost connection",
		},
		[]string{"dialect"},
	)
	// CacheLookups counts record cache resolutions by table and outcome
	// (hit, preload, miss, bypass).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_cache_lookups_total",
			Help: "Total number of record cache lookups",
		},
		[]string{"table", "outcome"},
	)
	// CacheInvalidations counts table cache invalidations.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_cache_invalidations_total",
			Help: "Total number of table cache invalidations",
		},
		[]string{"table"},
	)
	// ConnectionEvents counts connection lifecycle events.
	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_connection_events_total",
			Help: "Total number of connection lifecycle events",
		},
		[]string{"dialect", "event"},
	)
)

// ObserveStatement records one statement outcome.
func ObserveStatement(dialect, kind string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StatementsTotal.WithLabelValues(dialect, kind, status).Inc()
	StatementDuration.WithLabelValues(dialect, kind).Observe(time.Since(started).Seconds())
}
