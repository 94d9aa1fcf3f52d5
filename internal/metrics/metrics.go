// Package metrics provides Prometheus instrumentation for callguard.
// All metric collectors are registered on init via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total API requests by path, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"path", "method", "status"},
	)

	// RequestDuration observes API request latency in seconds by path and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callguard_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// UpstreamCalls counts guarded upstream call outcomes by policy.
	// result is one of: success, failure, rejected.
	UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_upstream_calls_total",
			Help: "Total guarded upstream call outcomes",
		},
		[]string{"policy", "result"},
	)

	// UpstreamCallDuration observes per-attempt upstream latency by policy.
	UpstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callguard_upstream_call_duration_seconds",
			Help:    "Upstream call attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	)

	// RetryAttempts counts retry attempts (re-invocations after a failed attempt) by policy.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_retry_attempts_total",
			Help: "Total retry attempts scheduled after failed calls",
		},
		[]string{"policy"},
	)

	// Fallbacks counts fallback invocations after terminal failures by policy.
	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_fallbacks_total",
			Help: "Total fallback invocations",
		},
		[]string{"policy"},
	)

	// BreakerState tracks the current circuit breaker state per policy
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callguard_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"policy"},
	)

	// BreakerTransitions counts circuit breaker state transitions per policy.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"policy", "from", "to"},
	)

	// BreakerRejections counts calls rejected by an open circuit breaker per policy.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"policy"},
	)

	// BulkheadInFlight tracks in-flight calls currently holding a bulkhead slot per policy.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callguard_bulkhead_in_flight",
			Help: "In-flight calls holding a bulkhead slot",
		},
		[]string{"policy"},
	)

	// BulkheadRejections counts calls rejected by a full bulkhead per policy.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_bulkhead_rejections_total",
			Help: "Total calls rejected by a full bulkhead",
		},
		[]string{"policy"},
	)

	// RateLimitHits counts rate limit rejections by path.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"path"},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ConfigReloads counts configuration reload attempts by status (success, failure).
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"status"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UpstreamCalls,
		UpstreamCallDuration,
		RetryAttempts,
		Fallbacks,
		BreakerState,
		BreakerTransitions,
		BreakerRejections,
		BulkheadInFlight,
		BulkheadRejections,
		RateLimitHits,
		AuthFailures,
		ConfigReloads,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
