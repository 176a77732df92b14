// Package metrics defines the Prometheus collectors of the billing engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

type Metrics struct {
	registry *prometheus.Registry

	Events      *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Charges     *prometheus.CounterVec
	Publishes   *prometheus.CounterVec
	Lanes       prometheus.Gauge
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by source and outcome",
		}, []string{"source", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Subscription state transitions",
		}, []string{"from", "to"}),
		Charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Charge and refund submissions to the processor by result",
		}, []string{"kind", "result"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Outbound publish attempts by topic and result",
		}, []string{"topic", "result"}),
		Lanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_lanes",
			Help:      "Dispatcher lanes with queued or running work",
		}),
	}
	reg.MustRegister(
		m.Events,
		m.Transitions,
		m.Charges,
		m.Publishes,
		m.Lanes,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Event(source, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Submission(kind, result string) {
	if m == nil {
		return
	}
	m.Charges.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Publish(topic, result string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) LaneOpened() {
	if m == nil {
		return
	}
	m.Lanes.Inc()
}

func (m *Metrics) LaneClosed() {
	if m == nil {
		return
	}
	m.Lanes.Dec()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
