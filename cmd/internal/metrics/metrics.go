// Package metrics holds the broker's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lumen"

type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	requests         *prometheus.CounterVec
	authAttempts     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	polls            *prometheus.CounterVec
	extensions       prometheus.Gauge
}

// New builds collectors on a private registry, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open data socket connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Client requests by method and result.",
		}, []string{"method", "result"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_attempts_total",
			Help: "Auth attempts by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Data frames queued to subscribers by extension and source.",
		}, []string{"extension", "source"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Data frames that could not be queued to a subscriber.",
		}, []string{"extension", "source"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Extension data fetches by extension and result.",
		}, []string{"extension", "result"}),
		extensions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "extensions_loaded",
			Help: "Extensions currently loaded.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.requests,
		m.authAttempts,
		m.deliveries,
		m.deliveryFailures,
		m.polls,
		m.extensions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Request(method, result string) {
	if m != nil {
		m.requests.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) Auth(result string) {
	if m != nil {
		m.authAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Delivered(ext, source string) {
	if m != nil {
		m.deliveries.WithLabelValues(ext, source).Inc()
	}
}

func (m *Metrics) DeliveryFailed(ext, source string) {
	if m != nil {
		m.deliveryFailures.WithLabelValues(ext, source).Inc()
	}
}

func (m *Metrics) Poll(ext, result string) {
	if m != nil {
		m.polls.WithLabelValues(ext, result).Inc()
	}
}

func (m *Metrics) SetExtensions(n int) {
	if m != nil {
		m.extensions.Set(float64(n))
	}
}
