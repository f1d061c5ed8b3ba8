// Package monitoring provides Prometheus metrics and middleware.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

// Metrics holds all service metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	eventsRelayed *prometheus.CounterVec
	submits       *prometheus.CounterVec
}

// New creates and registers all metrics. activeInvocations is sampled on
// every scrape.
func New(activeInvocations func() float64) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_relayed_total",
			Help: "Bridge events relayed, by event type.",
		}, []string{"type"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_command_submits_total",
			Help: "Command submissions, by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.eventsRelayed,
		m.submits,
	)

	if activeInvocations != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_active_invocations",
			Help: "Worker invocations currently running.",
		}, activeInvocations))
	}

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordEvent records one relayed bridge event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsRelayed.WithLabelValues(eventType).Inc()
}

// RecordSubmit records one command submission outcome ("ok", "rejected",
// "error").
func (m *Metrics) RecordSubmit(outcome string) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(outcome).Inc()
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
