// Package metrics exposes the proxy's Prometheus surface: request
// throughput and outcome, retrieval latency, and billable-token volume.
// Every counter is optional from the caller's point of view — a nil
// *Metrics silently no-ops so tests and the in-process harness don't need
// their own registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the orchestrator reports to.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	retrieveLatency  prometheus.Histogram
	billableTokens   *prometheus.CounterVec
	admissionDenied  *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New builds a Metrics bound to a fresh registry, so multiple
// in-process deployments (tests) don't collide on prometheus's global
// default registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoryrouter",
			Name:      "requests_total",
			Help:      "Inference requests handled, by provider family and outcome.",
		}, []string{"family", "outcome"}),
		retrieveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memoryrouter",
			Name:      "retrieve_latency_seconds",
			Help:      "Latency of the engine's retrieval step.",
			Buckets:   prometheus.DefBuckets,
		}),
		billableTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoryrouter",
			Name:      "billable_tokens_total",
			Help:      "Stored input+output tokens counted toward an owner's quota.",
		}, []string{"provider_family"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoryrouter",
			Name:      "admission_denied_total",
			Help:      "Requests rejected at the admission step, by reason code.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.requestsTotal, m.retrieveLatency, m.billableTokens, m.admissionDenied)
	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(family, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(family, outcome).Inc()
}

func (m *Metrics) ObserveRetrieveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.retrieveLatency.Observe(seconds)
}

func (m *Metrics) AddBillableTokens(family string, n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.billableTokens.WithLabelValues(family).Add(n)
}

func (m *Metrics) ObserveAdmissionDenied(reason string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(reason).Inc()
}
