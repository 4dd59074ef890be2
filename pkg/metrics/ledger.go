package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initLedgerMetrics(cfg Config) {
	m.messagesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_messages_appended_total",
			Help: "Total number of messages appended to conversation logs",
		},
	)

	m.conversationsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_conversations_closed_total",
			Help: "Total number of conversations closed by reason",
		},
		[]string{"reason"},
	)

	m.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_turns_total",
			Help: "Total number of finished LLM turns by model and status",
		},
		[]string{"model", "status"},
	)

	m.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_turn_latency_seconds",
			Help:    "LLM turn latency in seconds",
			Buckets: cfg.TurnLatencyBuckets,
		},
		[]string{"model"},
	)

	m.registry.MustRegister(m.messagesAppended)
	m.registry.MustRegister(m.conversationsClosed)
	m.registry.MustRegister(m.turns)
	m.registry.MustRegister(m.turnLatency)
}

// RecordMessagesAppended records a batch of appended messages.
func (m *Manager) RecordMessagesAppended(count int) {
	if !m.enabled {
		return
	}
	m.messagesAppended.Add(float64(count))
}

// RecordConversationClosed records a conversation transition to closed.
func (m *Manager) RecordConversationClosed(reason string) {
	if !m.enabled {
		return
	}
	m.conversationsClosed.WithLabelValues(closeReasonLabel(reason)).Inc()
}

// RecordTurn records a finished turn.
func (m *Manager) RecordTurn(model, status string, latency time.Duration) {
	if !m.enabled {
		return
	}
	m.turns.WithLabelValues(model, status).Inc()
	if latency > 0 {
		m.turnLatency.WithLabelValues(model).Observe(latency.Seconds())
	}
}

// closeReasonLabel maps free-text reasons onto a bounded label set.
func closeReasonLabel(reason string) string {
	switch reason {
	case "idle", "explicit", "user", "shutdown":
		return reason
	case "":
		return "unspecified"
	default:
		return "other"
	}
}
