package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard/ledger/pkg/message"
	"github.com/bernard/ledger/pkg/summary"
)

func userAssistantPairs(n int) []message.Message {
	var msgs []message.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			message.Canonical(message.Record{Role: message.RoleUser, Content: "What's the weather?"}),
			message.Raw(message.ProviderMessage{Role: "assistant", Content: "Sunny and mild."}),
		)
	}
	return msgs
}

func TestStartRequest_ReusesOpenConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.l.StartRequest(ctx, "tok", "gpt-4o", StartOptions{})
	require.NoError(t, err)
	assert.True(t, first.IsNewConversation)

	h.clock.Advance(time.Second)
	second, err := h.l.StartRequest(ctx, "tok", "gpt-4o-mini", StartOptions{})
	require.NoError(t, err)
	assert.False(t, second.IsNewConversation)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	conv, err := h.l.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, conv.Status)
	assert.Equal(t, int64(2), conv.RequestCount)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, conv.ModelSet)
	assert.Equal(t, []string{"tok"}, conv.TokenSet)
	assert.Equal(t, IndexingNone, conv.IndexingStatus)

	req, err := h.l.GetRequest(ctx, second.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", req.ModelUsed)
}

func TestStartRequest_NewConversationAfterIdleWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	second, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	assert.True(t, second.IsNewConversation)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
}

func TestStartRequest_ClosedConversationIsNotReusedByToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, first.ConversationID, "user")
	require.NoError(t, err)

	second, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	assert.True(t, second.IsNewConversation)
}

func TestStartRequest_ExplicitIDReopensClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.True(t, first.IsNewConversation)
	assert.Equal(t, "conv-1", first.ConversationID)

	_, err = h.l.CloseConversation(ctx, "conv-1", "user")
	require.NoError(t, err)

	again, err := h.l.StartRequest(ctx, "other", "m", StartOptions{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.False(t, again.IsNewConversation)

	conv, err := h.l.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, conv.Status)
	assert.Nil(t, conv.ClosedAt)
	assert.Empty(t, conv.CloseReason)
	assert.Equal(t, []string{"other", "tok"}, conv.TokenSet)

	closed, err := h.rdb.ZScore(ctx, h.l.Keys().Closed(), "conv-1").Result()
	assert.Error(t, err, "expected conversation removed from closed index, got score %v", closed)
}

func TestStartRequest_Ghost(t *testing.T) {
	h := newHarness(t)
	res, err := h.l.StartRequest(context.Background(), "tok", "m", StartOptions{Ghost: true})
	require.NoError(t, err)

	conv, err := h.l.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.Ghost)
}

func TestTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "gpt", StartOptions{})
	require.NoError(t, err)

	ok, err := h.l.StartTurn(ctx, TurnStart{RequestID: res.RequestID, ConversationID: res.ConversationID, Token: "tok", Model: "gpt"})
	require.NoError(t, err)
	in, out := int64(120), int64(40)
	require.NoError(t, h.l.EndTurn(ctx, ok, TurnEnd{Status: TurnOK, TokensIn: &in, TokensOut: &out, Latency: 350 * time.Millisecond}))

	bad, err := h.l.StartTurn(ctx, TurnStart{RequestID: res.RequestID, ConversationID: res.ConversationID, Token: "tok", Model: "gpt"})
	require.NoError(t, err)
	require.NoError(t, h.l.EndTurn(ctx, bad, TurnEnd{Status: TurnError, ErrorType: "timeout", Latency: time.Second}))

	turn, err := h.l.GetTurn(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, TurnError, turn.Status)
	assert.Equal(t, "timeout", turn.ErrorType)
	require.NotNil(t, turn.LatencyMs)
	assert.Equal(t, int64(1000), *turn.LatencyMs)

	m, err := h.l.ModelMetrics(ctx, "gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m["turns"])
	assert.Equal(t, int64(1), m["errors"])
	assert.Equal(t, int64(120), m["tokens_in"])
	assert.Equal(t, int64(1350), m["latency_ms"])

	snap, err := h.l.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Turns)
	assert.Equal(t, int64(1), snap.Errors)

	assert.ErrorIs(t, h.l.EndTurn(ctx, "missing", TurnEnd{}), ErrTurnNotFound)

	require.NoError(t, h.l.FinishRequest(ctx, res.RequestID, 2*time.Second))
	req, err := h.l.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	require.NotNil(t, req.LatencyMs)
	assert.Equal(t, int64(2000), *req.LatencyMs)
	assert.ErrorIs(t, h.l.FinishRequest(ctx, "missing", time.Second), ErrRequestNotFound)
}

func TestAppendMessages_EmptyDoesNotTouchStore(t *testing.T) {
	h := newHarness(t)
	before := h.mr.CommandCount()

	records, err := h.l.AppendMessages(context.Background(), "whatever", nil)
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Equal(t, before, h.mr.CommandCount())
}

func TestAppendMessages_Counters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	msgs := []message.Message{
		message.Canonical(message.Record{Role: message.RoleUser, Content: "lights and weather please"}),
		message.Canonical(message.Record{Role: message.RoleAssistant, ToolCalls: []message.ToolCall{
			{ID: "1", Function: message.FunctionCall{Name: "lights"}},
			{ID: "2", Function: message.FunctionCall{Name: "weather"}},
		}}),
		message.Canonical(message.Record{Role: message.RoleTool, ToolCallID: "1", Content: "ok"}),
		message.Canonical(message.Record{Role: message.RoleTool, ToolCallID: "2", Content: "sunny"}),
		message.Canonical(message.Record{Role: message.RoleSystem, Content: "tool failed",
			Metadata: map[string]any{message.MetaTraceType: message.TraceError}}),
		message.Canonical(message.Record{Role: message.RoleSystem, Content: "llm call",
			Metadata: map[string]any{message.MetaTraceType: "llm_call"}}),
		message.Canonical(message.Record{Role: message.RoleAssistant, Content: "Done, it's sunny."}),
	}

	h.clock.Advance(time.Minute)
	records, err := h.l.AppendMessages(ctx, res.ConversationID, msgs)
	require.NoError(t, err)
	require.Len(t, records, len(msgs))

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), conv.MessageCount)
	assert.Equal(t, int64(3), conv.UserAssistantCount)
	assert.Equal(t, int64(4), conv.ToolCallCount)
	assert.Equal(t, int64(1), conv.ErrorCount)
	assert.Equal(t, h.clock.Now(), conv.LastTouchedAt)

	activeScore, err := h.rdb.ZScore(ctx, h.l.Keys().Active(), res.ConversationID).Result()
	require.NoError(t, err)
	assert.Equal(t, score(h.clock.Now()), activeScore)

	tm, err := h.l.ToolMetrics(ctx, "lights")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tm["calls"])

	visible, err := h.l.GetMessages(ctx, res.ConversationID, 0, false)
	require.NoError(t, err)
	assert.Len(t, visible, 5)
	all, err := h.l.GetMessages(ctx, res.ConversationID, 0, true)
	require.NoError(t, err)
	assert.Len(t, all, 7)
	last, err := h.l.GetMessages(ctx, res.ConversationID, 1, false)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "Done, it's sunny.", last[0].Text())
}

func TestAppendMessages_DoesNotReactivateClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(1))
	require.NoError(t, err)

	n, err := h.rdb.ZCard(ctx, h.l.Keys().Active()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendMessages_MissingConversation(t *testing.T) {
	h := newHarness(t)
	_, err := h.l.AppendMessages(context.Background(), "nope", userAssistantPairs(1))
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	var seen []string
	unsubscribe := h.l.Subscribe(res.ConversationID, func(r message.Record) {
		seen = append(seen, string(r.Role))
	})

	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, seen)

	unsubscribe()
	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(1))
	require.NoError(t, err)
	assert.Len(t, seen, 4)
}

func TestCloseConversation_Idempotent(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(3))
	require.NoError(t, err)

	closed, err := h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)
	assert.True(t, closed)

	h.clock.Advance(time.Minute)
	closed, err = h.l.CloseConversation(ctx, res.ConversationID, "again")
	require.NoError(t, err)
	assert.False(t, closed)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, conv.Status)
	assert.Equal(t, "user", conv.CloseReason)
	require.NotNil(t, conv.ClosedAt)
	assert.Equal(t, IndexingQueued, conv.IndexingStatus)
	assert.Equal(t, int64(6), conv.MessageCount)
	assert.Equal(t, int64(0), conv.ToolCallCount)
	assert.Equal(t, []string{res.ConversationID}, d.closes)

	closed, err = h.l.CloseConversation(ctx, "missing", "user")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestCloseConversation_GhostSkipsIndexing(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{Ghost: true})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, d.ghosts)
	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, IndexingNone, conv.IndexingStatus)
}

func TestCloseConversation_SynchronousFallback(t *testing.T) {
	summarizer := summary.SummarizerFunc(func(_ context.Context, _ string, msgs []message.Record) summary.Result {
		return summary.Result{Summary: "weather chat", Tags: []string{"weather"}, Places: []string{"Kitchen"}}
	})

	for _, tc := range []struct {
		name       string
		dispatcher *fakeDispatcher
	}{
		{"dispatcher disabled", &fakeDispatcher{disabled: true}},
		{"enqueue fails", &fakeDispatcher{enqueueErr: errors.New("queue down")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, WithDispatcher(tc.dispatcher), WithSummarizer(summarizer))
			ctx := context.Background()

			res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
			require.NoError(t, err)
			_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(2))
			require.NoError(t, err)

			_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
			require.NoError(t, err)

			conv, err := h.l.GetConversation(ctx, res.ConversationID)
			require.NoError(t, err)
			assert.Equal(t, IndexingIndexed, conv.IndexingStatus)
			assert.Equal(t, "weather chat", conv.Summary)
			assert.Equal(t, []string{"Kitchen"}, conv.PlaceTags)
			require.NotNil(t, conv.Flags)
			assert.False(t, conv.Flags.Explicit)
		})
	}
}

func TestCloseConversation_SynchronousFallbackFailure(t *testing.T) {
	summarizer := summary.SummarizerFunc(func(context.Context, string, []message.Record) summary.Result {
		return summary.Result{Flags: summary.Flags{SummaryError: true}, Error: "model unavailable"}
	})
	h := newHarness(t, WithSummarizer(summarizer))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "idle")
	require.NoError(t, err)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, IndexingFailed, conv.IndexingStatus)
	assert.Equal(t, "model unavailable", conv.IndexingError)
	assert.Contains(t, conv.CloseReason, "idle")
	assert.Contains(t, conv.CloseReason, "model unavailable")
	require.NotNil(t, conv.Flags)
	assert.True(t, conv.Flags.SummaryError)
}

func TestCloseConversation_ConcurrentClosersTransitionOnce(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	const conversations, closers = 20, 8
	ids := make([]string, conversations)
	for i := range ids {
		res, err := h.l.StartRequest(ctx, fmt.Sprintf("tok-%d", i), "m", StartOptions{ConversationID: fmt.Sprintf("conv-%d", i)})
		require.NoError(t, err)
		ids[i] = res.ConversationID
	}

	var (
		wg          sync.WaitGroup
		transitions atomic.Int32
	)
	for _, id := range ids {
		for c := 0; c < closers; c++ {
			wg.Add(1)
			go func(id, reason string) {
				defer wg.Done()
				closed, err := h.l.CloseConversation(ctx, id, reason)
				assert.NoError(t, err)
				if closed {
					transitions.Add(1)
				}
			}(id, fmt.Sprintf("closer-%d", c))
		}
	}
	wg.Wait()

	assert.Equal(t, int32(conversations), transitions.Load())
	assert.Len(t, d.closes, conversations)
	assert.ElementsMatch(t, ids, d.closes)

	snap, err := h.l.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ActiveConversations)
	assert.Equal(t, int64(conversations), snap.ClosedConversations)
}

func TestCloseConversation_SynchronousFallbackKeepsHeuristicSummary(t *testing.T) {
	summarizer := summary.SummarizerFunc(func(_ context.Context, _ string, msgs []message.Record) summary.Result {
		res := summary.Heuristic(msgs)
		res.Flags.SummaryError = true
		res.Error = "summarizer timed out after 30s"
		return res
	})
	h := newHarness(t, WithSummarizer(summarizer))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(2))
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "What's the weather?", conv.Summary)
	assert.Contains(t, conv.Keywords, "weather")
	assert.Equal(t, IndexingFailed, conv.IndexingStatus)
	assert.Equal(t, "summarizer timed out after 30s", conv.IndexingError)
	require.NotNil(t, conv.Flags)
	assert.True(t, conv.Flags.SummaryError)
}

func TestCloseConversation_NoDispatcherNoSummarizer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, IndexingNone, conv.IndexingStatus)
}

func TestCloseIfIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, err := h.l.StartRequest(ctx, "a", "m", StartOptions{})
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	fresh, err := h.l.StartRequest(ctx, "b", "m", StartOptions{})
	require.NoError(t, err)

	// stale was last touched 10m1s ago, fresh 5m1s ago.
	h.clock.Advance(5*time.Minute + time.Second)
	report, err := h.l.CloseIfIdle(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, []string{stale.ConversationID}, report.Closed)
	assert.NoError(t, report.Err())

	conv, err := h.l.GetConversation(ctx, stale.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, CloseReasonIdle, conv.CloseReason)

	conv, err = h.l.GetConversation(ctx, fresh.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, conv.Status)
}

func TestCloseIfIdle_ExactBoundaryStaysOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "a", "m", StartOptions{})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	report, err := h.l.CloseIfIdle(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, report.Closed)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, conv.Status)
}

func TestSweepReport_Err(t *testing.T) {
	r := &SweepReport{Failed: map[string]error{"c1": errors.New("boom")}}
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c1")
}

func TestRetryIndexing(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)
	require.NoError(t, h.l.UpdateIndexingStatus(ctx, res.ConversationID, IndexingFailed, "vector store down"))

	ok, err := h.l.RetryIndexing(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{res.ConversationID}, d.removes)
	assert.Equal(t, []string{res.ConversationID}, d.indexes)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.IndexingAttempts)
	assert.Equal(t, IndexingQueued, conv.IndexingStatus)
	assert.Empty(t, conv.IndexingError)

	_, err = h.l.RetryIndexing(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRetryIndexing_DispatcherDisabled(t *testing.T) {
	h := newHarness(t, WithDispatcher(&fakeDispatcher{disabled: true}))
	ok, err := h.l.RetryIndexing(context.Background(), "any")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelIndexing(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	require.NoError(t, h.l.CancelIndexing(ctx, res.ConversationID))
	assert.Equal(t, []string{res.ConversationID}, d.removes)

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, IndexingNone, conv.IndexingStatus)
}

func TestReopenConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, res.ConversationID, "user")
	require.NoError(t, err)

	require.NoError(t, h.l.ReopenConversation(ctx, res.ConversationID))
	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, conv.Status)
	assert.Nil(t, conv.ClosedAt)

	assert.ErrorIs(t, h.l.ReopenConversation(ctx, "missing"), ErrConversationNotFound)
}

func TestDeleteConversation(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	turnID, err := h.l.StartTurn(ctx, TurnStart{RequestID: res.RequestID, ConversationID: res.ConversationID, Model: "m"})
	require.NoError(t, err)
	_, err = h.l.AppendMessages(ctx, res.ConversationID, userAssistantPairs(1))
	require.NoError(t, err)
	require.NoError(t, h.l.SetChunkIDs(ctx, res.ConversationID, []string{res.ConversationID + ":chunk:0"}))

	require.NoError(t, h.l.DeleteConversation(ctx, res.ConversationID))

	_, err = h.l.GetConversation(ctx, res.ConversationID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = h.l.GetRequest(ctx, res.RequestID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	_, err = h.l.GetTurn(ctx, turnID)
	assert.ErrorIs(t, err, ErrTurnNotFound)

	keys := h.l.Keys()
	for _, key := range []string{
		keys.Messages(res.ConversationID),
		keys.Requests(res.ConversationID),
		keys.Turns(res.ConversationID),
		keys.Chunks(res.ConversationID),
	} {
		assert.False(t, h.mr.Exists(key), key)
	}
	n, err := h.rdb.ZCard(ctx, keys.TokenConversations("tok")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{res.ConversationID}, d.removes)

	assert.ErrorIs(t, h.l.DeleteConversation(ctx, res.ConversationID), ErrConversationNotFound)
}

func TestChunkIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.l.SetChunkIDs(ctx, "c", []string{"c:chunk:1", "c:chunk:0"}))
	ids, err := h.l.ChunkIDs(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c:chunk:0", "c:chunk:1"}, ids)

	require.NoError(t, h.l.SetChunkIDs(ctx, "c", nil))
	ids, err = h.l.ChunkIDs(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateSummaryAndFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, h.l.UpdateSummary(ctx, res.ConversationID, summary.Result{
		Summary: "s", Tags: []string{"t"}, Keywords: []string{"k"}, Places: []string{"p"},
	}))
	require.NoError(t, h.l.UpdateFlags(ctx, res.ConversationID, summary.Flags{Forbidden: true}))

	conv, err := h.l.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "s", conv.Summary)
	assert.Equal(t, []string{"k"}, conv.Keywords)
	require.NotNil(t, conv.Flags)
	assert.True(t, conv.Flags.Forbidden)
	assert.False(t, conv.Flags.Explicit)
	assert.False(t, conv.Flags.SummaryError)

	assert.ErrorIs(t, h.l.UpdateFlags(ctx, "missing", summary.Flags{}), ErrConversationNotFound)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.l.StartRequest(ctx, "a", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.StartRequest(ctx, "a", "m", StartOptions{})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.l.StartRequest(ctx, "b", "m", StartOptions{})
	require.NoError(t, err)
	c, err := h.l.StartRequest(ctx, "c", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.CloseConversation(ctx, c.ConversationID, "user")
	require.NoError(t, err)

	snap, err := h.l.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.ActiveConversations)
	assert.Equal(t, int64(1), snap.ClosedConversations)
	assert.Equal(t, int64(4), snap.Requests)
	assert.Equal(t, int64(2), snap.ActiveTokens)
	require.NotNil(t, snap.LastActivityAt)
	assert.Equal(t, h.clock.Now(), *snap.LastActivityAt)
	_ = a
}

func TestRecallConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)
	_, err = h.l.AppendMessages(ctx, first.ConversationID, userAssistantPairs(2))
	require.NoError(t, err)
	require.NoError(t, h.l.UpdateSummary(ctx, first.ConversationID, summary.Result{
		Summary: "garden", Keywords: []string{"Tomatoes"}, Places: []string{"Back Garden"},
	}))
	_, err = h.l.CloseConversation(ctx, first.ConversationID, "user")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.l.StartRequest(ctx, "tok", "m", StartOptions{})
	require.NoError(t, err)

	byToken, err := h.l.RecallConversation(ctx, RecallQuery{Token: "tok"})
	require.NoError(t, err)
	require.Len(t, byToken, 2)
	assert.Equal(t, second.ConversationID, byToken[0].ID)
	assert.Equal(t, first.ConversationID, byToken[1].ID)

	byPlace, err := h.l.RecallConversation(ctx, RecallQuery{Place: "garden", IncludeMessages: true, MessageLimit: 3})
	require.NoError(t, err)
	require.Len(t, byPlace, 1)
	assert.Equal(t, first.ConversationID, byPlace[0].ID)
	assert.Len(t, byPlace[0].Messages, 3)

	byKeyword, err := h.l.RecallConversation(ctx, RecallQuery{Keyword: "TOMATO"})
	require.NoError(t, err)
	assert.Len(t, byKeyword, 1)

	recent, err := h.l.RecallConversation(ctx, RecallQuery{Since: h.clock.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ConversationID, recent[0].ID)

	byID, err := h.l.RecallConversation(ctx, RecallQuery{ConversationID: first.ConversationID})
	require.NoError(t, err)
	require.Len(t, byID, 1)

	missing, err := h.l.RecallConversation(ctx, RecallQuery{ConversationID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, missing)
}
