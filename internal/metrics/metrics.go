// Package metrics provides Prometheus metrics for the edge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the edge.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	StaticBytes        prometheus.Counter
	TraversalsRejected prometheus.Counter
	Fallbacks          *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_edge_http_requests_total",
			Help: "Total inbound HTTP requests by terminal route outcome.",
		}, []string{"method", "status_code", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asset_edge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "outcome"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asset_edge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		StaticBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asset_edge_static_bytes_total",
			Help: "Bytes of local file content served.",
		}),

		TraversalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asset_edge_path_traversals_rejected_total",
			Help: "Request paths rejected for resolving outside the static root.",
		}),

		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_edge_fallbacks_total",
			Help: "Local fallbacks attempted after a failed upstream forward, by result.",
		}, []string{"target", "result"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asset_edge_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"target", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_edge_upstream_responses_total",
			Help: "Total upstream responses by target, method and status code.",
		}, []string{"target", "method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_edge_upstream_failures_total",
			Help: "Upstream calls that failed before a response was received.",
		}, []string{"target", "method"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.StaticBytes,
		m.TraversalsRejected,
		m.Fallbacks,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeOutcome returns a bounded outcome label. Requests that never
// reached the dispatcher (health, metrics, framework errors) report "edge".
func NormalizeOutcome(outcome string) string {
	if outcome == "" {
		return "edge"
	}
	return outcome
}
