// Package metrics exposes Prometheus collectors for the PDF service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rendersTotal               *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	renderedBytesTotal         prometheus.Counter
	dedupLookupsTotal          *prometheus.CounterVec
	quotaRejectionsTotal       *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	poolSessions               *prometheus.GaugeVec
	poolAcquireWaitSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rpcConnectionsActive       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdf_renders_total",
				Help: "Total number of PDF generations, labeled by tier and status.",
			},
			[]string{"tier", "status"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdf_render_duration_seconds",
				Help:    "Histogram of end-to-end generation latencies, labeled by tier.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tier"},
		)

		renderedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pdf_rendered_bytes_total",
				Help: "Total size of generated PDF documents in bytes.",
			},
		)

		dedupLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdf_dedup_lookups_total",
				Help: "Total dedup cache lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		quotaRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdf_quota_rejections_total",
				Help: "Total requests rejected for exhausted quota, labeled by tier.",
			},
			[]string{"tier"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdf_batches_total",
				Help: "Total batch jobs processed, labeled by final status.",
			},
			[]string{"status"},
		)

		poolSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pdf_pool_sessions",
				Help: "Browser sessions by pool state.",
			},
			[]string{"state"},
		)

		poolAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pdf_pool_acquire_wait_seconds",
				Help:    "Histogram of time spent waiting for a browser session.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)

		rpcConnectionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdf_rpc_connections_active",
				Help: "Number of open RPC connections.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRender records the outcome and latency of one generation.
func ObserveRender(tier, status string, duration time.Duration, sizeBytes int64) {
	rendersTotal.WithLabelValues(tier, status).Inc()
	renderDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
	if sizeBytes > 0 {
		renderedBytesTotal.Add(float64(sizeBytes))
	}
}

// ObserveDedupLookup increments the dedup counter for "hit" or "miss".
func ObserveDedupLookup(outcome string) {
	dedupLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaRejection increments the quota rejection counter.
func ObserveQuotaRejection(tier string) {
	quotaRejectionsTotal.WithLabelValues(tier).Inc()
}

// ObserveBatch increments the batch counter for the given final status.
func ObserveBatch(status string) {
	batchesTotal.WithLabelValues(status).Inc()
}

// SetPoolSessions updates the pool state gauges.
func SetPoolSessions(idle, leased, starting int) {
	poolSessions.WithLabelValues("idle").Set(float64(idle))
	poolSessions.WithLabelValues("leased").Set(float64(leased))
	poolSessions.WithLabelValues("starting").Set(float64(starting))
}

// ObserveAcquireWait records time spent waiting for a session lease.
func ObserveAcquireWait(duration time.Duration) {
	poolAcquireWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncRPCConnections increments the active RPC connection gauge.
func IncRPCConnections() {
	rpcConnectionsActive.Inc()
}

// DecRPCConnections decrements the active RPC connection gauge.
func DecRPCConnections() {
	rpcConnectionsActive.Dec()
}
