package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initTaskMetrics initializes task-related metrics.
func (m *Manager) initTaskMetrics(cfg Config) {
	m.taskExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_executions_total",
			Help: "Total number of task executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: cfg.TaskDurationBuckets,
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.taskExecutions)
	m.registry.MustRegister(m.taskDuration)
}

// RecordTask records an index, summary or flag task execution.
func (m *Manager) RecordTask(kind, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.taskExecutions.WithLabelValues(kind, outcome).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
