package redstone

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters shared by every service. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry        *prometheus.Registry
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	outboxDepth     *prometheus.GaugeVec
}

func NewMetrics(service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redstone_events_published_total", Help: "Events published from the outbox.", ConstLabels: labels,
		}, []string{"event_type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redstone_publish_failures_total", Help: "Failed outbox publish attempts.", ConstLabels: labels,
		}, []string{"event_type"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redstone_events_consumed_total", Help: "Inbound events by outcome.", ConstLabels: labels,
		}, []string{"event_type", "outcome"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redstone_dead_letters_total", Help: "Messages moved to the dead-letter store.", ConstLabels: labels,
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redstone_saga_transitions_total", Help: "Order saga transitions.", ConstLabels: labels,
		}, []string{"from", "to"}),
		outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redstone_outbox_entries", Help: "Outbox entries by status.", ConstLabels: labels,
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.publishFailures, m.consumed, m.deadLettered, m.transitions, m.outboxDepth,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Published(eventType string) {
	if m != nil {
		m.published.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) PublishFailed(eventType string) {
	if m != nil {
		m.publishFailures.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Consumed(eventType, outcome string) {
	if m != nil {
		m.consumed.WithLabelValues(eventType, outcome).Inc()
	}
}

func (m *Metrics) DeadLettered(reason string) {
	if m != nil {
		m.deadLettered.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) OutboxDepth(status string, n int) {
	if m != nil {
		m.outboxDepth.WithLabelValues(status).Set(float64(n))
	}
}
