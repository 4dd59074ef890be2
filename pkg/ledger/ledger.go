// Package ledger implements the conversation ledger: the conversation,
// request and turn state machine, the per-conversation message log and the
// indexing status transitions driven by background tasks.
//
// All state lives in Redis. Multi-key updates are issued as one MULTI/EXEC
// batch; the ledger keeps no in-process copy of conversation state between
// calls.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/store"
	"github.com/bernard/ledger/pkg/summary"
)

// DefaultIdleTimeout is the idle window used when none is configured.
const DefaultIdleTimeout = 10 * time.Minute

// Dispatcher enqueues background jobs for conversations.
type Dispatcher interface {
	// Enabled reports whether jobs can be enqueued at all.
	Enabled() bool

	// EnqueueClose enqueues the summary and flag jobs, and the index job
	// unless ghost is set. Jobs already queued are not duplicated.
	EnqueueClose(ctx context.Context, conversationID string, ghost bool) error

	// EnqueueIndex enqueues only the index job.
	EnqueueIndex(ctx context.Context, conversationID string) error

	// RemoveJobs removes queued index, summary and flag jobs. Missing jobs
	// are not an error.
	RemoveJobs(ctx context.Context, conversationID string) error
}

// MetricsRecorder receives ledger events for instrumentation.
type MetricsRecorder interface {
	RecordMessagesAppended(count int)
	RecordConversationClosed(reason string)
	RecordTurn(model, status string, latency time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordMessagesAppended(int)               {}
func (nopMetrics) RecordConversationClosed(string)          {}
func (nopMetrics) RecordTurn(string, string, time.Duration) {}

// Ledger is the conversation ledger.
type Ledger struct {
	rdb  redis.Cmdable
	keys store.Keys

	idleTimeout     time.Duration
	summaryMessages int
	dispatcher      Dispatcher
	summarizer      summary.Summarizer
	metrics         MetricsRecorder
	log             logger.Logger
	now             func() time.Time

	mu        sync.RWMutex
	listeners map[string]map[uint64]Listener
	nextID    uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIdleTimeout sets the idle window.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.idleTimeout = d
		}
	}
}

// WithDispatcher sets the background task dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Ledger) { l.dispatcher = d }
}

// WithSummarizer sets the summarizer used when the dispatcher is unavailable.
func WithSummarizer(s summary.Summarizer) Option {
	return func(l *Ledger) { l.summarizer = s }
}

// WithSummaryMessages sets how many recent messages synchronous
// summarization reads.
func WithSummaryMessages(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.summaryMessages = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger on rdb with keys qualified by keys.
func New(rdb redis.Cmdable, keys store.Keys, opts ...Option) *Ledger {
	l := &Ledger{
		rdb:             rdb,
		keys:            keys,
		idleTimeout:     DefaultIdleTimeout,
		summaryMessages: summary.DefaultMaxMessages,
		metrics:         nopMetrics{},
		now:             time.Now,
		listeners:       make(map[string]map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logger.OrGlobal(l.log).With("component", "ledger")
	return l
}

// IdleTimeout returns the idle window.
func (l *Ledger) IdleTimeout() time.Duration {
	return l.idleTimeout
}

// Keys returns the key builder.
func (l *Ledger) Keys() store.Keys {
	return l.keys
}

// StartRequest registers a new request and attaches it to a conversation.
// An explicit conversation id is reused (and reopened if closed) or created.
// Without one, the token's most recent open conversation within the idle
// window is reused; otherwise a new conversation is created.
func (l *Ledger) StartRequest(ctx context.Context, token, model string, opts StartOptions) (*StartResult, error) {
	now := l.now()

	convID := opts.ConversationID
	var existing *Conversation
	if convID != "" {
		c, err := l.GetConversation(ctx, convID)
		if err != nil && !errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		existing = c
	} else if token != "" {
		c, err := l.recentOpenForToken(ctx, token, now)
		if err != nil {
			return nil, err
		}
		if c != nil {
			existing = c
			convID = c.ID
		}
	}

	isNew := existing == nil
	if isNew && convID == "" {
		convID = uuid.NewString()
	}
	requestID := uuid.NewString()

	ck := l.keys.Conversation(convID)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch {
		case isNew:
			pipe.HSet(ctx, ck, newConversationFields(convID, now, opts.Ghost))
		case existing.Status == StatusClosed:
			pipe.HSet(ctx, ck, fStatus, string(StatusOpen))
			pipe.HDel(ctx, ck, fClosedAt, fCloseReason)
			pipe.ZRem(ctx, l.keys.Closed(), convID)
		}

		pipe.HSet(ctx, ck, fLastTouchedAt, millis(now), fLastRequestAt, millis(now))
		pipe.HIncrBy(ctx, ck, fRequestCount, 1)
		pipe.ZAdd(ctx, l.keys.Active(), redis.Z{Score: score(now), Member: convID})
		if token != "" {
			pipe.SAdd(ctx, l.keys.Tokens(convID), token)
			pipe.ZAdd(ctx, l.keys.TokenConversations(token), redis.Z{Score: score(now), Member: convID})
		}
		if model != "" {
			pipe.SAdd(ctx, l.keys.Models(convID), model)
		}

		pipe.HSet(ctx, l.keys.Request(requestID), map[string]interface{}{
			"id":             requestID,
			"token":          token,
			"conversationId": convID,
			"modelUsed":      model,
			"startedAt":      millis(now),
		})
		pipe.ZAdd(ctx, l.keys.Requests(convID), redis.Z{Score: score(now), Member: requestID})
		pipe.HIncrBy(ctx, l.keys.Counters(), cRequests, 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start request for conversation %s: %w", convID, err)
	}

	if isNew {
		l.log.InfoContext(ctx, "conversation started", "conversation_id", convID, "ghost", opts.Ghost)
	} else if existing.Status == StatusClosed {
		l.log.InfoContext(ctx, "conversation reopened by request", "conversation_id", convID)
	}

	return &StartResult{
		RequestID:         requestID,
		ConversationID:    convID,
		IsNewConversation: isNew,
	}, nil
}

func (l *Ledger) recentOpenForToken(ctx context.Context, token string, now time.Time) (*Conversation, error) {
	cutoff := now.Add(-l.idleTimeout)
	ids, err := l.rdb.ZRevRangeByScore(ctx, l.keys.TokenConversations(token), &redis.ZRangeBy{
		Min:   strconv.FormatInt(millis(cutoff), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup conversations for token: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	c, err := l.GetConversation(ctx, ids[0])
	if errors.Is(err, ErrConversationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen {
		return nil, nil
	}
	return c, nil
}

// FinishRequest records the end-to-end latency of a request.
func (l *Ledger) FinishRequest(ctx context.Context, requestID string, latency time.Duration) error {
	key := l.keys.Request(requestID)
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("finish request %s: %w", requestID, err)
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return l.rdb.HSet(ctx, key, "latencyMs", latency.Milliseconds()).Err()
}

// GetRequest loads a request.
func (l *Ledger) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	h, err := l.rdb.HGetAll(ctx, l.keys.Request(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	if len(h) == 0 {
		return nil, ErrRequestNotFound
	}
	return decodeRequest(h), nil
}

// StartTurn records the start of an LLM round and returns its id.
func (l *Ledger) StartTurn(ctx context.Context, ts TurnStart) (string, error) {
	now := l.now()
	turnID := uuid.NewString()

	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.keys.Turn(turnID), map[string]interface{}{
			"id":             turnID,
			"requestId":      ts.RequestID,
			"conversationId": ts.ConversationID,
			"token":          ts.Token,
			"model":          ts.Model,
			"startedAt":      millis(now),
		})
		pipe.ZAdd(ctx, l.keys.Turns(ts.ConversationID), redis.Z{Score: score(now), Member: turnID})
		pipe.HIncrBy(ctx, l.keys.Counters(), cTurns, 1)
		if ts.Model != "" {
			pipe.HIncrBy(ctx, l.keys.ModelMetrics(ts.Model), "turns", 1)
			pipe.SAdd(ctx, l.keys.Models(ts.ConversationID), ts.Model)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}
	return turnID, nil
}

// EndTurn records the outcome of a turn. An error status increments the
// aggregate and per-model error counters.
func (l *Ledger) EndTurn(ctx context.Context, turnID string, end TurnEnd) error {
	h, err := l.rdb.HGetAll(ctx, l.keys.Turn(turnID)).Result()
	if err != nil {
		return fmt.Errorf("end turn %s: %w", turnID, err)
	}
	if len(h) == 0 {
		return ErrTurnNotFound
	}
	turn := decodeTurn(h)

	status := end.Status
	if status == "" {
		status = TurnOK
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"latencyMs": end.Latency.Milliseconds(),
	}
	if end.TokensIn != nil {
		fields["tokensIn"] = *end.TokensIn
	}
	if end.TokensOut != nil {
		fields["tokensOut"] = *end.TokensOut
	}
	if end.ErrorType != "" {
		fields["errorType"] = end.ErrorType
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.keys.Turn(turnID), fields)
		if turn.Model != "" {
			mk := l.keys.ModelMetrics(turn.Model)
			pipe.HIncrBy(ctx, mk, "latency_ms", end.Latency.Milliseconds())
			if end.TokensIn != nil {
				pipe.HIncrBy(ctx, mk, "tokens_in", *end.TokensIn)
			}
			if end.TokensOut != nil {
				pipe.HIncrBy(ctx, mk, "tokens_out", *end.TokensOut)
			}
			if status == TurnError {
				pipe.HIncrBy(ctx, mk, "errors", 1)
			}
		}
		if status == TurnError {
			pipe.HIncrBy(ctx, l.keys.Counters(), cErrors, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("end turn %s: %w", turnID, err)
	}

	l.metrics.RecordTurn(turn.Model, string(status), end.Latency)
	return nil
}

// GetTurn loads a turn.
func (l *Ledger) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	h, err := l.rdb.HGetAll(ctx, l.keys.Turn(turnID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get turn %s: %w", turnID, err)
	}
	if len(h) == 0 {
		return nil, ErrTurnNotFound
	}
	return decodeTurn(h), nil
}

// GetConversation loads a conversation with its model and token sets.
func (l *Ledger) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		hash   *redis.MapStringStringCmd
		models *redis.StringSliceCmd
		tokens *redis.StringSliceCmd
	)
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hash = pipe.HGetAll(ctx, l.keys.Conversation(id))
		models = pipe.SMembers(ctx, l.keys.Models(id))
		tokens = pipe.SMembers(ctx, l.keys.Tokens(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	h := hash.Val()
	if len(h) == 0 {
		return nil, ErrConversationNotFound
	}
	return decodeConversation(h, models.Val(), tokens.Val()), nil
}

// ModelMetrics returns the per-model counters hash.
func (l *Ledger) ModelMetrics(ctx context.Context, model string) (map[string]int64, error) {
	return l.intHash(ctx, l.keys.ModelMetrics(model))
}

// ToolMetrics returns the per-tool counters hash.
func (l *Ledger) ToolMetrics(ctx context.Context, tool string) (map[string]int64, error) {
	return l.intHash(ctx, l.keys.ToolMetrics(tool))
}

func (l *Ledger) intHash(ctx context.Context, key string) (map[string]int64, error) {
	h, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(h))
	for k, v := range h {
		out[k] = parseInt(v)
	}
	return out, nil
}

func (l *Ledger) exists(ctx context.Context, id string) error {
	n, err := l.rdb.Exists(ctx, l.keys.Conversation(id)).Result()
	if err != nil {
		return fmt.Errorf("check conversation %s: %w", id, err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}
