package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initQueueMetrics initializes job queue metrics.
func (m *Manager) initQueueMetrics(cfg Config) {
	m.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Total number of job executions by queue, kind and outcome",
		},
		[]string{"queue", "kind", "outcome"},
	)

	m.jobLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: cfg.JobDurationBuckets,
		},
		[]string{"queue", "kind"},
	)

	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs by queue and state",
		},
		[]string{"queue", "state"},
	)

	m.registry.MustRegister(m.jobs)
	m.registry.MustRegister(m.jobLatency)
	m.registry.MustRegister(m.queueDepth)
}

// RecordJob records one job execution.
func (m *Manager) RecordJob(queue, kind, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.jobs.WithLabelValues(queue, kind, outcome).Inc()
	m.jobLatency.WithLabelValues(queue, kind).Observe(duration.Seconds())
}

// SetQueueDepth sets the number of jobs in a state.
func (m *Manager) SetQueueDepth(queue, state string, depth float64) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(queue, state).Set(depth)
}
