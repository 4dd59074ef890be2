// Package message defines the canonical message record persisted by the
// ledger and the normalization of provider messages into it.
package message

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MetaTraceType is the metadata key marking system-injected trace messages.
const MetaTraceType = "traceType"

// TraceError is the trace type of error trace messages.
const TraceError = "error"

// FunctionCall is the function invoked by a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// TokenDeltas are the token counts attributed to a message.
type TokenDeltas struct {
	In  int `json:"in,omitempty"`
	Out int `json:"out,omitempty"`
}

// Record is the canonical persisted message. Content is a string, an object
// or an array of objects.
type Record struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     any            `json:"content"`
	Name        string         `json:"name,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	TokenDeltas *TokenDeltas   `json:"tokenDeltas,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TraceType returns the trace type carried in metadata, or "".
func (r Record) TraceType() string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[MetaTraceType].(string)
	return s
}

// IsTrace reports whether r is a system-injected trace message.
func (r Record) IsTrace() bool {
	return r.Role == RoleSystem && r.TraceType() != ""
}

// IsError reports whether r is a trace message recording an error.
func (r Record) IsError() bool {
	return r.IsTrace() && r.TraceType() == TraceError
}

// IsDialogue reports whether r was authored by the user or the assistant.
func (r Record) IsDialogue() bool {
	return r.Role == RoleUser || r.Role == RoleAssistant
}

// ToolCallCount is the number of tool invocations r accounts for: each
// assistant tool call entry, or one for a tool result.
func (r Record) ToolCallCount() int {
	switch r.Role {
	case RoleAssistant:
		return len(r.ToolCalls)
	case RoleTool:
		return 1
	default:
		return 0
	}
}

// Text flattens the content into plain text.
func (r Record) Text() string {
	return contentText(r.Content)
}

func contentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, item := range c {
			if s := contentText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		for _, key := range []string{"text", "content"} {
			if v, ok := c[key]; ok {
				return contentText(v)
			}
		}
		return marshalText(c)
	default:
		return marshalText(c)
	}
}

func marshalText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Filter returns the records that are not trace messages.
func Filter(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.IsTrace() {
			out = append(out, r)
		}
	}
	return out
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}
