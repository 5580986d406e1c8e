// Package metrics exposes Prometheus metrics for sessions, commands and
// device connectivity.
//
// Metrics are registered on a private registry rather than the global
// default, so several instances (tests, embedded servers) never collide.
// Collection is event-driven: Attach subscribes to the bus and every
// metric is derived from published events.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/teleop-core/internal/events"
)

const namespace = "teleop"

// Metrics holds the collectors for one core instance.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionRevenue  *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	Commands        *prometheus.CounterVec
	CommandCost     *prometheus.CounterVec
	CommandLatency  *prometheus.HistogramVec
	DeviceEvents    *prometheus.CounterVec
	Registrations   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by device.",
		}, []string{"device_id"}),

		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by final status.",
		}, []string{"device_id", "status"}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently active.",
		}),

		SessionRevenue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_revenue_total",
			Help:      "Total cost of ended sessions.",
		}, []string{"device_id", "currency"}),

		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session length from start to end.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}, []string{"status"}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed, by capability and outcome.",
		}, []string{"device_id", "capability_id", "success"}),

		CommandCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_cost_total",
			Help:      "Cost charged for successful commands.",
		}, []string{"device_id", "currency"}),

		CommandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Device round-trip time per command.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"capability_id"}),

		DeviceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device lifecycle and connectivity events.",
		}, []string{"event"}),

		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration workflow transitions.",
		}, []string{"event"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus, by kind.",
		}, []string{"kind"}),
	}
}

// Attach subscribes the collectors to every event on bus.
func (m *Metrics) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(m.Observe)
}

// Observe updates the collectors for a single event.
func (m *Metrics) Observe(e events.Event) {
	m.EventsPublished.WithLabelValues(string(e.Kind)).Inc()

	switch p := e.Payload.(type) {
	case events.SessionPayload:
		switch e.Name {
		case events.SessionStarted:
			m.SessionsStarted.WithLabelValues(p.DeviceID).Inc()
			m.SessionsActive.Inc()
		case events.SessionEnded:
			m.SessionsEnded.WithLabelValues(p.DeviceID, p.Status).Inc()
			m.SessionsActive.Dec()
			m.SessionDuration.WithLabelValues(p.Status).Observe(p.Duration.Seconds())
			if p.TotalCost > 0 {
				m.SessionRevenue.WithLabelValues(p.DeviceID, p.Currency).Add(p.TotalCost)
			}
		}
	case events.CommandPayload:
		m.Commands.WithLabelValues(p.DeviceID, p.CapabilityID, strconv.FormatBool(p.Success)).Inc()
		m.CommandLatency.WithLabelValues(p.CapabilityID).Observe(p.ExecutionTime.Seconds())
		if p.Cost > 0 {
			m.CommandCost.WithLabelValues(p.DeviceID, p.Currency).Add(p.Cost)
		}
	case events.DevicePayload:
		m.DeviceEvents.WithLabelValues(string(e.Name)).Inc()
	case events.RegistrationPayload:
		m.Registrations.WithLabelValues(string(e.Name)).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
