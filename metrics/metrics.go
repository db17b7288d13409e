// Package metrics exposes engine counters and gauges over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrumentation. A nil *Metrics is a valid
// no-op receiver so wiring stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	InstancesStarted   prometheus.Counter
	InstancesCompleted *prometheus.CounterVec
	NodesExecuted      *prometheus.CounterVec
	HandlerFailures    prometheus.Counter
	TasksCompleted     prometheus.Counter
	TimersFired        prometheus.Counter
	MessagesDelivered  prometheus.Counter
	ActiveInstances    prometheus.Gauge
	NodeDuration       prometheus.Histogram
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		InstancesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "semflow_instances_started_total",
			Help: "Process instances started.",
		}),
		InstancesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semflow_instances_finished_total",
			Help: "Process instances finished, by terminal status.",
		}, []string{"status"}),
		NodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "semflow_nodes_executed_total",
			Help: "Flow nodes executed, by kind.",
		}, []string{"kind"}),
		HandlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "semflow_handler_failures_total",
			Help: "Topic handler invocations that failed after retries.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "semflow_user_tasks_completed_total",
			Help: "User tasks completed.",
		}),
		TimersFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "semflow_timers_fired_total",
			Help: "Timer jobs fired.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "semflow_messages_delivered_total",
			Help: "Messages correlated to a waiting subscription.",
		}),
		ActiveInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "semflow_active_instances",
			Help: "Instances currently running or waiting.",
		}),
		NodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "semflow_node_duration_seconds",
			Help:    "Wall time spent executing a single node.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Node records one node execution. Safe on a nil receiver.
func (m *Metrics) Node(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.NodesExecuted.WithLabelValues(kind).Inc()
	m.NodeDuration.Observe(seconds)
}

// Started records one instance start. Safe on a nil receiver.
func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.InstancesStarted.Inc()
	m.ActiveInstances.Inc()
}

// Finished records one instance reaching a terminal status. Safe on a nil
// receiver.
func (m *Metrics) Finished(status string) {
	if m == nil {
		return
	}
	m.InstancesCompleted.WithLabelValues(status).Inc()
	m.ActiveInstances.Dec()
}

// TaskCompleted records one user task completion. Safe on a nil receiver.
func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.TasksCompleted.Inc()
}

// TimerFired records one timer job firing. Safe on a nil receiver.
func (m *Metrics) TimerFired() {
	if m == nil {
		return
	}
	m.TimersFired.Inc()
}

// MessageDelivered records one correlated message delivery. Safe on a nil
// receiver.
func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.MessagesDelivered.Inc()
}

// HandlerFailed records one handler invocation failure. Safe on a nil
// receiver.
func (m *Metrics) HandlerFailed() {
	if m == nil {
		return
	}
	m.HandlerFailures.Inc()
}
