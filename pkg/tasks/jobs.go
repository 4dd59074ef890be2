// Package tasks turns closed conversations into background work: the
// Dispatcher enqueues index, summary and flag jobs under deterministic ids,
// and the Processor executes them against the ledger, the summarizer and
// the vector index.
package tasks

import "errors"

// Kind is a background job kind.
type Kind string

const (
	KindIndex   Kind = "index"
	KindSummary Kind = "summary"
	KindFlag    Kind = "flag"
)

// Kinds lists every job kind in close-time enqueue order.
var Kinds = []Kind{KindSummary, KindFlag, KindIndex}

var (
	// ErrUnknownJobKind is returned for a job whose kind is not handled.
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrInvalidPayload is returned when a job payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Payload is the body of every job.
type Payload struct {
	ConversationID string `json:"conversationId"`
}

// JobID returns the id of the kind job for a conversation. At most one job
// per id is queued, so at most one job of each kind is in flight per
// conversation.
func JobID(kind Kind, conversationID string) string {
	return string(kind) + "-" + conversationID
}

// Result is the outcome of processing one job.
type Result struct {
	OK     bool           `json:"ok"`
	Reason string         `json:"reason,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Reasons reported in Result.
const (
	ReasonConversationMissing = "conversation_missing"
	ReasonGhost               = "ghost"
	ReasonSummaryFailed       = "summary_failed"
	ReasonSummarizerDisabled  = "summarizer_disabled"
	ReasonIndexDisabled       = "vector_index_disabled"
)
