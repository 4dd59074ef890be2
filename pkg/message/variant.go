package message

import (
	"strings"
	"time"
)

// ProviderMessage is a message as returned by a chat model provider. Role
// names vary across providers and are mapped on normalization.
type ProviderMessage struct {
	ID         string
	Role       string
	Content    any
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
	Usage      *TokenDeltas
	Metadata   map[string]any
}

type kind uint8

const (
	kindRaw kind = iota + 1
	kindCanonical
)

// Message is either a Raw provider message or a Canonical record. It is
// normalized to a Record at the ledger boundary.
type Message struct {
	kind kind
	raw  ProviderMessage
	rec  Record
}

// Raw wraps a provider message.
func Raw(p ProviderMessage) Message {
	return Message{kind: kindRaw, raw: p}
}

// Canonical wraps an already canonical record.
func Canonical(r Record) Message {
	return Message{kind: kindCanonical, rec: r}
}

// IsRaw reports whether m wraps a provider message.
func (m Message) IsRaw() bool { return m.kind == kindRaw }

// Normalize converts m into a Record, assigning an id and a creation time
// when absent.
func (m Message) Normalize(now time.Time) Record {
	var r Record
	switch m.kind {
	case kindRaw:
		r = Record{
			ID:          m.raw.ID,
			Role:        NormalizeRole(m.raw.Role),
			Content:     m.raw.Content,
			Name:        m.raw.Name,
			ToolCallID:  m.raw.ToolCallID,
			ToolCalls:   m.raw.ToolCalls,
			TokenDeltas: m.raw.Usage,
			Metadata:    m.raw.Metadata,
		}
	case kindCanonical:
		r = m.rec
	default:
		r = Record{Role: RoleSystem}
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	if r.Content == nil {
		r.Content = ""
	}
	return r
}

// NormalizeRole maps provider role names onto Role.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "human":
		return RoleUser
	case "assistant", "ai", "model":
		return RoleAssistant
	case "tool", "function":
		return RoleTool
	default:
		return RoleSystem
	}
}

// NormalizeAll normalizes a batch with a shared timestamp.
func NormalizeAll(msgs []Message, now time.Time) []Record {
	out := make([]Record, len(msgs))
	for i, m := range msgs {
		out[i] = m.Normalize(now)
	}
	return out
}
