// Package metrics provides Prometheus metrics instrumentation for the ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for the ledger service.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Ledger metrics
	messagesAppended    prometheus.Counter
	conversationsClosed *prometheus.CounterVec
	turns               *prometheus.CounterVec
	turnLatency         *prometheus.HistogramVec

	// Queue metrics
	jobs       *prometheus.CounterVec
	jobLatency *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec

	// Task metrics
	taskExecutions *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Sweep metrics
	sweeps         prometheus.Counter
	sweepClosed    prometheus.Counter
	sweepFailures  prometheus.Counter
	sweepDurations prometheus.Histogram

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Path    string

	// Histogram bucket configurations
	TurnLatencyBuckets  []float64
	JobDurationBuckets  []float64
	TaskDurationBuckets []float64
	HTTPDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Path:                "/metrics",
		TurnLatencyBuckets:  []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		JobDurationBuckets:  []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		TaskDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initLedgerMetrics(cfg)
	m.initQueueMetrics(cfg)
	m.initTaskMetrics(cfg)
	m.initSweepMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
