// Package metrics exposes relay counters on a dedicated prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks webhook outcomes. All methods are safe on a nil receiver.
type Metrics struct {
	registry   *prometheus.Registry
	deliveries *prometheus.CounterVec
	matches    *prometheus.CounterVec
	duplicates prometheus.Counter
	forwards   *prometheus.CounterVec
	latency    prometheus.Histogram
}

// New registers the relay collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replyrelay_deliveries_total",
			Help: "Inbound webhook deliveries by outcome",
		}, []string{"outcome"}),
		matches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replyrelay_matches_total",
			Help: "Routing decisions by route and confidence",
		}, []string{"route", "confidence"}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "replyrelay_duplicate_deliveries_total",
			Help: "Deliveries skipped because the message was already stored",
		}),
		forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replyrelay_forwards_total",
			Help: "Forwarding attempts by result",
		}, []string{"result"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "replyrelay_delivery_duration_seconds",
			Help:    "Time spent handling one inbound delivery",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Delivery records the outcome of one webhook request.
func (m *Metrics) Delivery(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(took.Seconds())
}

// Match records a routing decision.
func (m *Metrics) Match(route, confidence string) {
	if m == nil {
		return
	}
	if confidence == "" {
		confidence = "none"
	}
	m.matches.WithLabelValues(route, confidence).Inc()
}

// Duplicate records a skipped duplicate delivery.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Forward records a forwarding attempt.
func (m *Metrics) Forward(ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.forwards.WithLabelValues(result).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
