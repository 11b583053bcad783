package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_requests_total",
			Help: "Total number of arena requests processed",
		},
		[]string{"mode", "status"},
	)

	InstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_instances_total",
			Help: "Total number of model instance invocations",
		},
		[]string{"provider", "model", "status"},
	)

	InstanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_instance_duration_seconds",
			Help:    "Instance invocation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	FirstTokenLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_first_token_seconds",
			Help:    "Time from dispatch to first streamed token",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_tokens_total",
			Help: "Total number of generated tokens",
		},
		[]string{"provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"model"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"client"},
	)

	InstancesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_instances_in_flight",
			Help: "Number of instance invocations currently running",
		},
	)

	BackendHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_backend_http_requests_total",
			Help: "Total number of HTTP requests sent to backend engines",
		},
		[]string{"host", "code"},
	)

	BackendHTTPHeaderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_backend_http_header_seconds",
			Help:    "Time until a backend engine returned response headers",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"host"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_active_streams",
			Help: "Number of streaming responses currently open",
		},
	)
)

func RecordRequest(mode, status string) {
	RequestsTotal.WithLabelValues(mode, status).Inc()
}

func RecordInstance(provider, model, status string, durationSec float64) {
	InstancesTotal.WithLabelValues(provider, model, status).Inc()
	InstanceDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordFirstToken(provider, model string, latencySec float64) {
	FirstTokenLatency.WithLabelValues(provider, model).Observe(latencySec)
}

func RecordTokens(provider, model string, tokens int) {
	TokensTotal.WithLabelValues(provider, model).Add(float64(tokens))
}

func RecordCacheHit(model string) {
	CacheHits.WithLabelValues(model).Inc()
}

func RecordCacheMiss(model string) {
	CacheMisses.WithLabelValues(model).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(client string) {
	RateLimitHits.WithLabelValues(client).Inc()
}

// RecordBackendHTTP counts one backend round trip. code is "error" when no
// response was received.
func RecordBackendHTTP(host, code string, headerSec float64) {
	BackendHTTPRequests.WithLabelValues(host, code).Inc()
	BackendHTTPHeaderLatency.WithLabelValues(host).Observe(headerSec)
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}
