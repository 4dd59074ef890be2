package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/message"
)

type batchCounts struct {
	messages      int64
	userAssistant int64
	toolCalls     int64
	errors        int64
	tools         map[string]int64
}

func countBatch(records []message.Record) batchCounts {
	c := batchCounts{messages: int64(len(records)), tools: make(map[string]int64)}
	for _, r := range records {
		if r.IsDialogue() {
			c.userAssistant++
		}
		if r.IsError() {
			c.errors++
		}
		c.toolCalls += int64(r.ToolCallCount())
		if r.Role == message.RoleAssistant {
			for _, tc := range r.ToolCalls {
				if tc.Function.Name != "" {
					c.tools[tc.Function.Name]++
				}
			}
		}
	}
	return c
}

// AppendMessages normalizes msgs and appends them to the conversation's
// message log. The list push, counter increments, last-touch update and
// active-index refresh execute as one atomic batch. An empty batch is a
// no-op and does not touch the store. Subscribed listeners are notified of
// every appended record in order.
func (l *Ledger) AppendMessages(ctx context.Context, conversationID string, msgs []message.Message) ([]message.Record, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := l.exists(ctx, conversationID); err != nil {
		return nil, err
	}

	now := l.now()
	records := message.NormalizeAll(msgs, now)
	payloads := make([]interface{}, len(records))
	for i, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", r.ID, err)
		}
		payloads[i] = b
	}
	counts := countBatch(records)

	ck := l.keys.Conversation(conversationID)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, l.keys.Messages(conversationID), payloads...)
		pipe.HIncrBy(ctx, ck, fMessageCount, counts.messages)
		if counts.userAssistant > 0 {
			pipe.HIncrBy(ctx, ck, fUserAssistantCount, counts.userAssistant)
		}
		if counts.toolCalls > 0 {
			pipe.HIncrBy(ctx, ck, fToolCallCount, counts.toolCalls)
		}
		if counts.errors > 0 {
			pipe.HIncrBy(ctx, ck, fErrorCount, counts.errors)
		}
		for tool, n := range counts.tools {
			pipe.HIncrBy(ctx, l.keys.ToolMetrics(tool), "calls", n)
		}
		pipe.HSet(ctx, ck, fLastTouchedAt, millis(now))
		pipe.ZAddXX(ctx, l.keys.Active(), redis.Z{Score: score(now), Member: conversationID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append messages to %s: %w", conversationID, err)
	}

	l.metrics.RecordMessagesAppended(len(records))
	l.notify(conversationID, records)
	return records, nil
}

// GetMessages returns the most recent limit messages of a conversation in
// append order. Trace messages are dropped unless includeTrace is set. A
// limit of zero or less returns all messages.
func (l *Ledger) GetMessages(ctx context.Context, conversationID string, limit int, includeTrace bool) ([]message.Record, error) {
	raw, err := l.rdb.LRange(ctx, l.keys.Messages(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages of %s: %w", conversationID, err)
	}

	records := make([]message.Record, 0, len(raw))
	for _, item := range raw {
		var r message.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			l.log.WarnContext(ctx, "skipping undecodable message",
				"conversation_id", conversationID, "error", err)
			continue
		}
		if !includeTrace && r.IsTrace() {
			continue
		}
		records = append(records, r)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Subscribe registers fn for records appended to a conversation. The
// returned function removes the subscription.
func (l *Ledger) Subscribe(conversationID string, fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	subs, ok := l.listeners[conversationID]
	if !ok {
		subs = make(map[uint64]Listener)
		l.listeners[conversationID] = subs
	}
	subs[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners[conversationID], id)
		if len(l.listeners[conversationID]) == 0 {
			delete(l.listeners, conversationID)
		}
	}
}

func (l *Ledger) notify(conversationID string, records []message.Record) {
	l.mu.RLock()
	subs := make([]Listener, 0, len(l.listeners[conversationID]))
	for _, fn := range l.listeners[conversationID] {
		subs = append(subs, fn)
	}
	l.mu.RUnlock()

	for _, fn := range subs {
		for _, r := range records {
			fn(r)
		}
	}
}
