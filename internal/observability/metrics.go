package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	instancesStarted *prometheus.CounterVec
	instancesEnded   *prometheus.CounterVec
	nodesExecuted    *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	resumptions      *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	lockConflicts    prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instances_started_total",
				Help: "Workflow instances created, by event type",
			},
			[]string{"event_type"},
		),
		instancesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_instances_finished_total",
				Help: "Workflow instances reaching a terminal status",
			},
			[]string{"status"},
		),
		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_nodes_executed_total",
				Help: "Nodes processed, by kind",
			},
			[]string{"kind"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_messages_total",
				Help: "Outbound messaging attempts, by channel and delivery status",
			},
			[]string{"channel", "status"},
		),
		resumptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "careflow_resumptions_total",
				Help: "Suspended instances resumed, by source",
			},
			[]string{"source"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "careflow_sweep_duration_seconds",
				Help:    "Duration of due-instance sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "careflow_lock_conflicts_total",
				Help: "Resumptions skipped because another driver owned the instance",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.instancesStarted,
		m.instancesEnded,
		m.nodesExecuted,
		m.messagesSent,
		m.resumptions,
		m.sweepDuration,
		m.lockConflicts,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) InstanceStarted(eventType string) {
	if m == nil {
		return
	}
	m.instancesStarted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) InstanceFinished(status string) {
	if m == nil {
		return
	}
	m.instancesEnded.WithLabelValues(status).Inc()
}

func (m *Metrics) NodeExecuted(kind string) {
	if m == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageSent(channel, status string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) Resumed(source string) {
	if m == nil {
		return
	}
	m.resumptions.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) LockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}
