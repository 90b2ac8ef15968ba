// Package metrics exposes Prometheus collectors for the marketplace service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "path"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Designer-order status transitions by edge and outcome.",
		},
		[]string{"from", "to", "outcome"},
	)

	bomGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bom",
			Name:      "generations_total",
			Help:      "Bill-of-materials generations by outcome.",
		},
		[]string{"outcome"},
	)

	catalogMatchRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bom",
			Name:      "catalog_match_ratio",
			Help:      "Fraction of BOM items priced from the catalog.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	aiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "call_duration_seconds",
			Help:      "Duration of generative-AI calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"operation", "outcome"},
	)

	upstreamCircuit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open).",
		},
		[]string{"upstream"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "emails_total",
			Help:      "Notification emails by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		orderTransitions,
		bomGenerations,
		catalogMatchRatio,
		aiDuration,
		upstreamCircuit,
		notificationsSent,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight and DecInFlight track concurrently served requests.
func IncInFlight() { httpInFlight.Inc() }
func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records a served request. path should be a route
// template so label cardinality stays bounded.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOrderTransition records an attempted order transition.
func RecordOrderTransition(from, to, outcome string) {
	orderTransitions.WithLabelValues(from, to, outcome).Inc()
}

// RecordBOMGeneration records a BOM generation and, on success, the share of
// items priced from the catalog.
func RecordBOMGeneration(outcome string, matched, total int) {
	bomGenerations.WithLabelValues(outcome).Inc()
	if total > 0 {
		catalogMatchRatio.Observe(float64(matched) / float64(total))
	}
}

// RecordAICall records the latency of a generative-AI call.
func RecordAICall(operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	aiDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// SetCircuitState publishes a circuit breaker state for an upstream.
func SetCircuitState(upstream string, state int) {
	upstreamCircuit.WithLabelValues(upstream).Set(float64(state))
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(outcome string) {
	notificationsSent.WithLabelValues(outcome).Inc()
}
