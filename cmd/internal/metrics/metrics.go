// Package metrics exposes Vouch's Prometheus instrumentation.
//
// A *Metrics is passed explicitly to the components that record into it.
// All recording methods are nil-safe so tests can pass nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vouch"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	authenticated prometheus.Gauge
	eventsIn      *prometheus.CounterVec
	authOutcomes  *prometheus.CounterVec
	messageOps    *prometheus.CounterVec
	slowConsumers prometheus.Counter
	pruned        prometheus.Counter
}

// New builds and registers all collectors, including Go runtime and process stats.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_authenticated",
			Help:      "Connections that completed a TOTP login.",
		}),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound protocol events by type.",
		}, []string{"type"}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_outcomes_total",
			Help:      "Registration, login and recovery outcomes.",
		}, []string{"op", "result"}),
		messageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_ops_total",
			Help:      "Committed message operations.",
		}, []string{"op"}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_slow_consumers_total",
			Help:      "Clients disconnected because their send queue was full.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pruned_total",
			Help:      "Messages removed by retention.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.authenticated,
		m.eventsIn,
		m.authOutcomes,
		m.messageOps,
		m.slowConsumers,
		m.pruned,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

func (m *Metrics) SessionAuthenticated() {
	if m != nil {
		m.authenticated.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.authenticated.Dec()
	}
}

func (m *Metrics) Event(typ string) {
	if m != nil {
		m.eventsIn.WithLabelValues(typ).Inc()
	}
}

// Auth records an auth outcome, e.g. ("login", "ok") or ("login", "invalid_code").
func (m *Metrics) Auth(op, result string) {
	if m != nil {
		m.authOutcomes.WithLabelValues(op, result).Inc()
	}
}

// MessageOp records a committed "post", "edit", "delete" or "file".
func (m *Metrics) MessageOp(op string) {
	if m != nil {
		m.messageOps.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

func (m *Metrics) Pruned(n int64) {
	if m != nil && n > 0 {
		m.pruned.Add(float64(n))
	}
}
