// Package metrics defines the sidecar's Prometheus collectors.
//
// Metrics is constructed against an injected registry so tests can build
// isolated instances instead of sharing the process-global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome label values for ai_sorter_requests_total.
const (
	RequestOK       = "ok"
	RequestError    = "error"
	RequestRejected = "rejected"
)

// Upstream call outcome label values for ai_sorter_api_calls_total.
const (
	APICallOK             = "ok"
	APICallError          = "error"
	APICallRetried        = "retried"
	APICallShortCircuited = "short_circuited"
)

// Circuit breaker gauge values.
const (
	CircuitClosedValue   = 0
	CircuitHalfOpenValue = 1
	CircuitOpenValue     = 2
)

// Metrics holds every collector exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	ItemsClassified     *prometheus.CounterVec
	APICallsTotal       *prometheus.CounterVec
	CircuitBreakerOpens prometheus.Counter
	RequestDuration     prometheus.Histogram
	APICallDuration     prometheus.Histogram
	ActiveRequests      prometheus.Gauge
	CircuitBreakerState prometheus.Gauge
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry builds the collectors and registers them on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_sorter_requests_total",
			Help: "Terminal outcome of /sort requests.",
		}, []string{"status"}),
		ItemsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_sorter_items_classified_total",
			Help: "Items returned with each category.",
		}, []string{"category"}),
		APICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_sorter_api_calls_total",
			Help: "Outcomes of upstream classification calls.",
		}, []string{"status"}),
		CircuitBreakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_sorter_circuit_breaker_opens_total",
			Help: "Closed to Open transitions of the upstream circuit breaker.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ai_sorter_request_duration_seconds",
			Help:    "End-to-end /sort latency.",
			Buckets: prometheus.DefBuckets,
		}),
		APICallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ai_sorter_api_call_duration_seconds",
			Help:    "Upstream call latency, successful and failed.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_sorter_active_requests",
			Help: "In-flight /sort handlers.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_sorter_circuit_breaker_state",
			Help: "Circuit breaker state: 0=Closed, 1=HalfOpen, 2=Open.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ItemsClassified,
		m.APICallsTotal,
		m.CircuitBreakerOpens,
		m.RequestDuration,
		m.APICallDuration,
		m.ActiveRequests,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CircuitObserver adapts Metrics to the circuit breaker's observer
// interface: state transitions become gauge and counter updates.
type CircuitObserver struct {
	m *Metrics
}

// NewCircuitObserver wires breaker transitions into m.
func NewCircuitObserver(m *Metrics) *CircuitObserver {
	return &CircuitObserver{m: m}
}

// StateChanged records the breaker entering state (breaker package string
// values) and counts Closed-to-Open trips.
func (o *CircuitObserver) StateChanged(from, to string) {
	switch to {
	case "closed":
		o.m.CircuitBreakerState.Set(CircuitClosedValue)
	case "half-open":
		o.m.CircuitBreakerState.Set(CircuitHalfOpenValue)
	case "open":
		o.m.CircuitBreakerState.Set(CircuitOpenValue)
		if from == "closed" {
			o.m.CircuitBreakerOpens.Inc()
		}
	}
}
