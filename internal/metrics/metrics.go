// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	// Reconciliations counts per-listing reconciliations by outcome:
	// fresh, stale, draft, completed, missing, error.
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_reconciliations_total",
			Help: "Listing reconciliations by outcome.",
		},
		[]string{"outcome"},
	)
	LedgerReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketd_ledger_read_duration_seconds",
			Help:    "Latency of ledger trade-state reads.",
			Buckets: prometheus.DefBuckets,
		},
	)
	// LedgerWrites counts coordinator ledger writes by operation and result.
	LedgerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketd_ledger_writes_total",
			Help: "Ledger transactions by operation and result.",
		},
		[]string{"operation", "result"},
	)
	CatalogWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_catalog_write_failures_total",
			Help: "Catalog writes that failed after the ledger write landed.",
		},
	)
	CleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_cleanup_failures_total",
			Help: "Failed deletions of completed listings.",
		},
	)
	CacheRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketd_cache_refresh_failures_total",
			Help: "Failed best-effort trade-state cache refreshes.",
		},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketd_sweep_duration_seconds",
			Help:    "Duration of sweeper passes.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketd_ws_clients",
			Help: "Connected WebSocket clients.",
		},
	)
)

// Register adds the collectors plus Go and process collectors to registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		RequestCount, RequestDuration,
		Reconciliations, LedgerReadDuration, LedgerWrites,
		CatalogWriteFailures, CleanupFailures, CacheRefreshFailures,
		SweepDuration, WSClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
