// Package metrics exposes Prometheus collectors for sessions, output and
// client connections. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "terminal"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsSpawned    prometheus.Counter
	SpawnFailures      prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	OutputBytes        prometheus.Counter
	HistoryTruncations prometheus.Counter
	CommandsBlocked    prometheus.Counter

	// Event fan-out
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	// WebSocket metrics
	WSConnections  prometheus.Gauge
	WSMessages     *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in the registry",
		}),
		SessionsSpawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_spawned_total",
			Help:      "Shell processes spawned, including resets",
		}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Shell processes that failed to start",
		}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Session status changes by new status",
		}, []string{"status"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes read from session terminals",
		}),
		HistoryTruncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_truncations_total",
			Help:      "Appends that dropped old history",
		}),
		CommandsBlocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_blocked_total",
			Help:      "Commands rejected by the command filter",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to subscribers by type",
		}, []string{"event_type"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a client queue was full",
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound WebSocket messages by action",
		}, []string{"action"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Rejected inbound messages by reason",
		}, []string{"reason"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "path"}),
	}
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionAdded records a new registry entry.
func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionRemoved records a registry entry going away.
func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// Spawned records a spawn attempt.
func (m *Metrics) Spawned(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SpawnFailures.Inc()
		return
	}
	m.SessionsSpawned.Inc()
}

// StatusChanged records a status transition.
func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// Output records bytes read from a terminal and whether history was truncated.
func (m *Metrics) Output(n int, truncated bool) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
	if truncated {
		m.HistoryTruncations.Inc()
	}
}

// CommandBlocked records a filtered command.
func (m *Metrics) CommandBlocked() {
	if m == nil {
		return
	}
	m.CommandsBlocked.Inc()
}

// EventPublished records an event handed to the fan-out hub.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped records an event a slow client could not accept.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// ConnOpened records a WebSocket connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ConnClosed records a WebSocket disconnect.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Message records an inbound message by action.
func (m *Metrics) Message(action string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(action).Inc()
}

// ProtocolError records a rejected inbound message.
func (m *Metrics) ProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// Middleware creates a Gin middleware for request metrics. Paths are
// labelled by route template so session ids do not explode cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
