// ABOUTME: Prometheus collectors for session lifecycle and message dispatch
// ABOUTME: Owns a private registry exposed through Handler

// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wa_gateway"

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	LifecycleEventsTotal *prometheus.CounterVec
	SessionPhase         *prometheus.GaugeVec

	// Dispatch metrics
	MessagesSentTotal *prometheus.CounterVec
	SendDuration      *prometheus.HistogramVec
	BulkBatchesTotal  prometheus.Counter
	BulkBatchSize     prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		LifecycleEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Lifecycle events applied to the session, by kind",
			},
			[]string{"event"},
		),
		SessionPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_phase",
				Help:      "1 for the current session phase, 0 for the others",
			},
			[]string{"phase"},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Send attempts that reached the transport, by mode and status",
			},
			[]string{"mode", "status"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of transport send calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		BulkBatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_batches_total",
				Help:      "Bulk batches processed",
			},
		),
		BulkBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bulk_batch_size",
				Help:      "Number of messages per bulk batch",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP API requests, by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	registry.MustRegister(
		m.LifecycleEventsTotal,
		m.SessionPhase,
		m.MessagesSentTotal,
		m.SendDuration,
		m.BulkBatchesTotal,
		m.BulkBatchSize,
		m.HTTPRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEvent counts a lifecycle event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.LifecycleEventsTotal.WithLabelValues(kind).Inc()
}

// SetPhase marks phase as current among phases.
func (m *Metrics) SetPhase(phase string, phases []string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.SessionPhase.WithLabelValues(p).Set(v)
	}
}

// ObserveSend records one transport send attempt.
func (m *Metrics) ObserveSend(mode string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.MessagesSentTotal.WithLabelValues(mode, status).Inc()
	m.SendDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveBatch records a bulk batch of n messages.
func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.BulkBatchesTotal.Inc()
	m.BulkBatchSize.Observe(float64(n))
}

// ObserveRequest counts an HTTP API request.
func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
