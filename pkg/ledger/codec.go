package ledger

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/bernard/ledger/pkg/summary"
)

// Conversation hash fields.
const (
	fID                 = "id"
	fStatus             = "status"
	fStartedAt          = "startedAt"
	fLastTouchedAt      = "lastTouchedAt"
	fClosedAt           = "closedAt"
	fCloseReason        = "closeReason"
	fSummary            = "summary"
	fTags               = "tags"
	fKeywords           = "keywords"
	fPlaceTags          = "placeTags"
	fFlagExplicit       = "flagExplicit"
	fFlagForbidden      = "flagForbidden"
	fFlagSummaryError   = "flagSummaryError"
	fMessageCount       = "messageCount"
	fUserAssistantCount = "userAssistantCount"
	fToolCallCount      = "toolCallCount"
	fErrorCount         = "errorCount"
	fRequestCount       = "requestCount"
	fLastRequestAt      = "lastRequestAt"
	fIndexingStatus     = "indexingStatus"
	fIndexingError      = "indexingError"
	fIndexingAttempts   = "indexingAttempts"
	fGhost              = "ghost"
)

// Aggregate counters.
const (
	cRequests = "requests"
	cTurns    = "turns"
	cErrors   = "errors"
)

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func newConversationFields(id string, now time.Time, ghost bool) map[string]interface{} {
	return map[string]interface{}{
		fID:                 id,
		fStatus:             string(StatusOpen),
		fStartedAt:          millis(now),
		fLastTouchedAt:      millis(now),
		fMessageCount:       0,
		fUserAssistantCount: 0,
		fToolCallCount:      0,
		fErrorCount:         0,
		fRequestCount:       0,
		fIndexingStatus:     string(IndexingNone),
		fGhost:              boolField(ghost),
	}
}

func decodeConversation(h map[string]string, models, tokens []string) *Conversation {
	c := &Conversation{
		ID:                 h[fID],
		Status:             Status(h[fStatus]),
		CloseReason:        h[fCloseReason],
		Summary:            h[fSummary],
		Tags:               decodeList(h[fTags]),
		Keywords:           decodeList(h[fKeywords]),
		PlaceTags:          decodeList(h[fPlaceTags]),
		MessageCount:       parseInt(h[fMessageCount]),
		UserAssistantCount: parseInt(h[fUserAssistantCount]),
		ToolCallCount:      parseInt(h[fToolCallCount]),
		ErrorCount:         parseInt(h[fErrorCount]),
		RequestCount:       parseInt(h[fRequestCount]),
		IndexingStatus:     IndexingStatus(h[fIndexingStatus]),
		IndexingError:      h[fIndexingError],
		IndexingAttempts:   parseInt(h[fIndexingAttempts]),
		Ghost:              h[fGhost] == "1",
	}
	if c.IndexingStatus == "" {
		c.IndexingStatus = IndexingNone
	}
	if t, ok := parseMillis(h[fStartedAt]); ok {
		c.StartedAt = t
	}
	if t, ok := parseMillis(h[fLastTouchedAt]); ok {
		c.LastTouchedAt = t
	}
	if t, ok := parseMillis(h[fClosedAt]); ok {
		c.ClosedAt = &t
	}
	if t, ok := parseMillis(h[fLastRequestAt]); ok {
		c.LastRequestAt = &t
	}

	_, hasExplicit := h[fFlagExplicit]
	_, hasForbidden := h[fFlagForbidden]
	_, hasSummaryErr := h[fFlagSummaryError]
	if hasExplicit || hasForbidden || hasSummaryErr {
		c.Flags = &summary.Flags{
			Explicit:     h[fFlagExplicit] == "1",
			Forbidden:    h[fFlagForbidden] == "1",
			SummaryError: h[fFlagSummaryError] == "1",
		}
	}

	sort.Strings(models)
	sort.Strings(tokens)
	c.ModelSet = nonNil(models)
	c.TokenSet = nonNil(tokens)
	return c
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func decodeRequest(h map[string]string) *Request {
	r := &Request{
		ID:             h["id"],
		Token:          h["token"],
		ConversationID: h["conversationId"],
		ModelUsed:      h["modelUsed"],
	}
	if t, ok := parseMillis(h["startedAt"]); ok {
		r.StartedAt = t
	}
	if v, ok := h["latencyMs"]; ok {
		n := parseInt(v)
		r.LatencyMs = &n
	}
	return r
}

func decodeTurn(h map[string]string) *Turn {
	t := &Turn{
		ID:             h["id"],
		RequestID:      h["requestId"],
		ConversationID: h["conversationId"],
		Token:          h["token"],
		Model:          h["model"],
		Status:         TurnStatus(h["status"]),
		ErrorType:      h["errorType"],
	}
	if ts, ok := parseMillis(h["startedAt"]); ok {
		t.StartedAt = ts
	}
	for field, dst := range map[string]**int64{
		"tokensIn":  &t.TokensIn,
		"tokensOut": &t.TokensOut,
		"latencyMs": &t.LatencyMs,
	} {
		if v, ok := h[field]; ok {
			n := parseInt(v)
			*dst = &n
		}
	}
	return t
}
