package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the worker's Prometheus registry. The compositor and watchdog
// register their collectors on Registry so one endpoint serves all of them.
type Metrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	activeTasks  prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_worker_tasks_total",
			Help: "Total worker tasks by type and result.",
		}, []string{"type", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileforge_worker_task_duration_seconds",
			Help:    "Handling duration for each worker task.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 180},
		}, []string{"type"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileforge_worker_active_composites",
			Help: "Compositor batches currently running in this worker.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
	)
	return m
}

func (m *Metrics) Registry() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeTask(taskType, result string, elapsed time.Duration) {
	if result == "" {
		result = "error"
	}
	m.tasksTotal.WithLabelValues(taskType, result).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}
