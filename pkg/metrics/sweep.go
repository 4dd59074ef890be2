package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSweepMetrics() {
	m.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Total number of idle sweeps performed",
	})
	m.sweepClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_closed_total",
		Help: "Total number of conversations closed by the idle sweep",
	})
	m.sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_failures_total",
		Help: "Total number of conversations the idle sweep failed to close",
	})
	m.sweepDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Idle sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.registry.MustRegister(m.sweeps, m.sweepClosed, m.sweepFailures, m.sweepDurations)
}

// RecordSweep records one idle sweep.
func (m *Manager) RecordSweep(closed, failed int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sweeps.Inc()
	m.sweepClosed.Add(float64(closed))
	m.sweepFailures.Add(float64(failed))
	m.sweepDurations.Observe(duration.Seconds())
}
