// Package telemetry exposes Prometheus metrics for the replication
// orchestrator: execution and task outcomes, task duration, and
// dispatcher queue depth.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	queueDepth      prometheus.Gauge
	retriesTotal    prometheus.Counter
}

// NewMetrics registers the orchestrator collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocimirror",
			Name:      "executions_total",
			Help:      "Executions reaching a terminal status, by status.",
		}, []string{"status"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocimirror",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal status, by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ocimirror",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of settled tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocimirror",
			Name:      "dispatch_queue_depth",
			Help:      "Tasks waiting in the dispatcher queue.",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocimirror",
			Name:      "task_retries_total",
			Help:      "Task attempts re-queued after a transient failure.",
		}),
	}

	reg.MustRegister(m.executionsTotal, m.tasksTotal, m.taskDuration, m.queueDepth, m.retriesTotal)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExecution counts a terminal execution status.
func (m *Metrics) RecordExecution(status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

// RecordTask counts a terminal task status and its duration.
func (m *Metrics) RecordTask(status string, seconds float64) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(seconds)
}

// RecordRetry counts one re-queued task attempt.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// SetQueueDepth reports the current dispatcher queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
