package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/message"
)

// DefaultMaxMessages is the number of most recent messages summarized.
const DefaultMaxMessages = 80

const systemPrompt = `You summarize conversations between a user and a home assistant.
Respond with strict JSON only, no prose and no code fences, matching:
{"summary": string, "tags": [string], "keywords": [string], "places": [string],
 "flags": {"explicit": bool, "forbidden": bool}}`

// Completer is a chat completion endpoint.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMSummarizer asks a chat model for a JSON summary. A failed or timed out
// call falls back to a local heuristic summary flagged with SummaryError.
type LLMSummarizer struct {
	completer   Completer
	timeout     time.Duration
	maxMessages int
	log         logger.Logger
}

// Option configures an LLMSummarizer.
type Option func(*LLMSummarizer)

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(s *LLMSummarizer) { s.timeout = d }
}

// WithMaxMessages sets how many recent messages are summarized.
func WithMaxMessages(n int) Option {
	return func(s *LLMSummarizer) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *LLMSummarizer) { s.log = l }
}

// NewLLMSummarizer creates a summarizer backed by completer.
func NewLLMSummarizer(completer Completer, opts ...Option) *LLMSummarizer {
	s := &LLMSummarizer{
		completer:   completer,
		timeout:     30 * time.Second,
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log).With("component", "summarizer")
	return s
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, conversationID string, records []message.Record) Result {
	records = Recent(records, s.maxMessages)
	if len(records) == 0 {
		return Result{Tags: []string{}, Keywords: []string{}, Places: []string{}}
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	raw, err := s.completer.Complete(callCtx, systemPrompt, Transcript(records))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("summarizer timed out after %s: %w", s.timeout, err)
		}
		s.log.WarnContext(ctx, "summarizer call failed, using heuristic",
			"conversation_id", conversationID, "error", err)
		res := Heuristic(records)
		res.Flags.SummaryError = true
		res.Error = err.Error()
		return res
	}

	res, err := Parse(raw)
	if err != nil {
		s.log.WarnContext(ctx, "summarizer returned malformed output",
			"conversation_id", conversationID, "error", err)
		return failed(err)
	}
	return res
}

// Recent returns the last n non-trace records.
func Recent(records []message.Record, n int) []message.Record {
	records = message.Filter(records)
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records
}

// Transcript renders records one per line as "role: text".
func Transcript(records []message.Record) string {
	var sb strings.Builder
	for _, r := range records {
		text := strings.TrimSpace(r.Text())
		if text == "" {
			continue
		}
		sb.WriteString(string(r.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

type wireResult struct {
	Summary  *string  `json:"summary"`
	Tags     []string `json:"tags"`
	Keywords []string `json:"keywords"`
	Places   []string `json:"places"`
	Flags    *struct {
		Explicit  bool `json:"explicit"`
		Forbidden bool `json:"forbidden"`
	} `json:"flags"`
}

// Parse decodes a model response. Surrounding prose and code fences are
// tolerated; a missing summary or a shape mismatch is an error.
func Parse(raw string) (Result, error) {
	body := strings.TrimSpace(raw)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in summarizer output")
	}

	var w wireResult
	if err := json.Unmarshal([]byte(body[start:end+1]), &w); err != nil {
		return Result{}, fmt.Errorf("decode summarizer output: %w", err)
	}
	if w.Summary == nil || strings.TrimSpace(*w.Summary) == "" {
		return Result{}, fmt.Errorf("summarizer output has no summary")
	}

	res := Result{
		Summary:  strings.TrimSpace(*w.Summary),
		Tags:     clean(w.Tags),
		Keywords: clean(w.Keywords),
		Places:   clean(w.Places),
	}
	if w.Flags != nil {
		res.Flags.Explicit = w.Flags.Explicit
		res.Flags.Forbidden = w.Flags.Forbidden
	}
	return res, nil
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "could": {}, "there": {}, "their": {},
	"these": {}, "those": {}, "would": {}, "which": {}, "where": {}, "while": {},
	"what": {}, "when": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"have": {}, "your": {}, "will": {}, "please": {}, "thanks": {}, "sure": {},
}

// Heuristic builds a summary without a model: the opening user request and
// the most frequent content words.
func Heuristic(records []message.Record) Result {
	res := Result{Tags: []string{}, Keywords: []string{}, Places: []string{}}

	for _, r := range records {
		if r.Role == message.RoleUser {
			if text := strings.TrimSpace(r.Text()); text != "" {
				res.Summary = truncate(text, 200)
				break
			}
		}
	}

	counts := make(map[string]int)
	for _, r := range records {
		if !r.IsDialogue() {
			continue
		}
		words := strings.FieldsFunc(strings.ToLower(r.Text()), func(c rune) bool {
			return !unicode.IsLetter(c) && !unicode.IsDigit(c)
		})
		for _, w := range words {
			if len(w) < 4 {
				continue
			}
			if _, stop := stopwords[w]; stop {
				continue
			}
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > 5 {
		words = words[:5]
	}
	res.Keywords = append(res.Keywords, words...)
	return res
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
