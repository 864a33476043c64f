// Package telemetry provides observability primitives for the sidecar.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the sidecar.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	// Upstream Check/AllocateQuota/Report calls to the remote Service
	// Control endpoint, labeled by rpc ("check", "allocate_quota", "report").
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Aggregator response cache hits/misses, labeled by aggregator
	// ("check", "quota", "report").
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// AggregatorSize holds a fingerprint count per aggregator. It is
	// registered here; no code in the server sets it.
	AggregatorSize *prometheus.GaugeVec

	CircuitBreakerState   *prometheus.GaugeVec   // labels: rpc; value encodes the state
	CircuitBreakerRejects *prometheus.CounterVec // labels: rpc
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests admitted or rejected.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "sentinel",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of Check/AllocateQuota/Report calls to the remote Service Control endpoint.",
		}, []string{"rpc"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "upstream_errors_total",
			Help:      "Total failed Check/AllocateQuota/Report calls.",
		}, []string{"rpc"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "aggregator_cache_hits_total",
			Help:      "Total aggregator cache hits, avoiding an upstream call.",
		}, []string{"aggregator"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "aggregator_cache_misses_total",
			Help:      "Total aggregator cache misses requiring a synchronous upstream call.",
		}, []string{"aggregator"}),

		AggregatorSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "aggregator_entries",
			Help:      "Number of fingerprints currently cached per aggregator.",
		}, []string{"aggregator"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per RPC (0=closed, 1=open, 2=half_open).",
		}, []string{"rpc"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total calls short-circuited by an open breaker.",
		}, []string{"rpc"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.AggregatorSize,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
