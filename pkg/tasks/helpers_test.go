package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/message"
	"github.com/bernard/ledger/pkg/queue"
	"github.com/bernard/ledger/pkg/store"
	"github.com/bernard/ledger/pkg/vectorindex"
)

// recordingQueue records the order of enqueue calls.
type recordingQueue struct {
	*queue.MemoryQueue

	mu    sync.Mutex
	kinds []string
}

func (q *recordingQueue) Enqueue(ctx context.Context, kind string, payload any, jobID string) (*queue.Job, error) {
	q.mu.Lock()
	q.kinds = append(q.kinds, kind)
	q.mu.Unlock()
	return q.MemoryQueue.Enqueue(ctx, kind, payload, jobID)
}

func (q *recordingQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.kinds...)
}

func newRecordingQueue(t *testing.T, maxAttempts int) *recordingQueue {
	t.Helper()
	cfg := queue.DefaultConfig("tasks-test")
	cfg.Concurrency = 1
	cfg.MaxAttempts = maxAttempts
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	mq, err := queue.NewMemoryQueue(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mq.Close(context.Background()) })
	mq.SetLogger(logger.Nop())
	return &recordingQueue{MemoryQueue: mq}
}

// letterEmbedder embeds text as counts of a few letters.
var letterEmbedder = vectorindex.Func(func(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var v [4]float32
		for _, r := range t {
			switch r {
			case 'a':
				v[0]++
			case 'e':
				v[1]++
			case 'o':
				v[2]++
			case 'u':
				v[3]++
			}
		}
		out[i] = v[:]
	}
	return out, nil
})

type harness struct {
	mr     *miniredis.Miniredis
	ledger *ledger.Ledger
	queue  *recordingQueue
	index  *vectorindex.MemoryIndex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := newRecordingQueue(t, 1)
	l := ledger.New(rdb, store.NewKeys("test"),
		ledger.WithDispatcher(NewDispatcher(q, logger.Nop())),
		ledger.WithLogger(logger.Nop()),
	)
	return &harness{
		mr:     mr,
		ledger: l,
		queue:  q,
		index:  vectorindex.NewMemoryIndex(letterEmbedder, 4),
	}
}

// conversation creates a conversation holding msgs and returns its id.
func (h *harness) conversation(t *testing.T, ghost bool, msgs ...message.Message) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.ledger.StartRequest(ctx, "tok", "gpt-4o-mini", ledger.StartOptions{Ghost: ghost})
	require.NoError(t, err)
	_, err = h.ledger.AppendMessages(ctx, res.ConversationID, msgs)
	require.NoError(t, err)
	return res.ConversationID
}

func pairs(n int) []message.Message {
	var msgs []message.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			message.Canonical(message.Record{Role: message.RoleUser, Content: "Turn on the kitchen lights"}),
			message.Canonical(message.Record{Role: message.RoleAssistant, Content: "Done, the kitchen lights are on."}),
		)
	}
	return msgs
}

func traceMessage(text string) message.Message {
	return message.Canonical(message.Record{
		Role:     message.RoleSystem,
		Content:  text,
		Metadata: map[string]any{message.MetaTraceType: "llm_call"},
	})
}
