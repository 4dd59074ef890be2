// Package summary produces conversation summaries and safety flags.
package summary

import (
	"context"

	"github.com/bernard/ledger/pkg/message"
)

// Flags are the safety flags recorded on a conversation.
type Flags struct {
	Explicit     bool `json:"explicit"`
	Forbidden    bool `json:"forbidden"`
	SummaryError bool `json:"summaryError,omitempty"`
}

// Result is the outcome of summarizing a conversation.
type Result struct {
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
	Keywords []string `json:"keywords"`
	Places   []string `json:"places"`
	Flags    Flags    `json:"flags"`

	// Error carries the failure text when Flags.SummaryError is set.
	Error string `json:"error,omitempty"`
}

// Failed reports whether summarization failed.
func (r Result) Failed() bool {
	return r.Flags.SummaryError
}

// Summarizer summarizes a conversation transcript. Implementations never
// return an error; failures are reported through Result.Flags.SummaryError.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, messages []message.Record) Result
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, conversationID string, messages []message.Record) Result

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, conversationID string, messages []message.Record) Result {
	return f(ctx, conversationID, messages)
}

func failed(err error) Result {
	return Result{
		Tags:     []string{},
		Keywords: []string{},
		Places:   []string{},
		Flags:    Flags{SummaryError: true},
		Error:    err.Error(),
	}
}
