// Package metrics provides Prometheus metrics for padsync
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for padsync
type Metrics struct {
	Registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	DocumentsOpen   prometheus.Gauge
	SessionsEvicted prometheus.Counter

	// Commit path metrics
	OperationsTotal *prometheus.CounterVec
	SubmitDuration  prometheus.Histogram
	TransformDepth  prometheus.Histogram

	// Transport metrics
	ConnectionsActive prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec

	// Event feed metrics
	EventsTotal *prometheus.CounterVec

	ServerUptimeSeconds prometheus.GaugeFunc
	ServerStartTime     time.Time
}

// New creates all metrics on a fresh registry, together with the Go runtime
// and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all metrics on reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Registry:        reg,
		ServerStartTime: time.Now(),
	}

	m.SessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "padsync_sessions_active",
		Help: "Number of attached editing sessions",
	})

	m.DocumentsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Name: "padsync_documents_open",
		Help: "Number of documents held in memory",
	})

	m.SessionsEvicted = factory.NewCounter(prometheus.CounterOpts{
		Name: "padsync_sessions_evicted_total",
		Help: "Sessions detached because their delivery queue overflowed or failed",
	})

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "padsync_operations_total",
			Help: "Submitted operations by outcome",
		},
		[]string{"status"},
	)

	m.SubmitDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "padsync_submit_duration_seconds",
		Help:    "Time from admission to durable commit",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	m.TransformDepth = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "padsync_transform_depth",
		Help:    "Number of committed operations an incoming operation was transformed against",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
	})

	m.ConnectionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "padsync_connections_active",
		Help: "Number of open websocket connections",
	})

	m.MessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "padsync_messages_total",
			Help: "Websocket messages received by type",
		},
		[]string{"type"},
	)

	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "padsync_commit_events_total",
			Help: "Commit events handed to the event feed by outcome",
		},
		[]string{"status"},
	)

	m.ServerUptimeSeconds = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "padsync_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// RecordSubmit records the outcome of one submit
func (m *Metrics) RecordSubmit(status string, depth int, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(status).Inc()
	if status == "committed" {
		m.TransformDepth.Observe(float64(depth))
		m.SubmitDuration.Observe(duration.Seconds())
	}
}

// RecordMessage counts one inbound message
func (m *Metrics) RecordMessage(messageType string) {
	m.MessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordEvent counts one commit event by outcome
func (m *Metrics) RecordEvent(status string) {
	m.EventsTotal.WithLabelValues(status).Inc()
}
