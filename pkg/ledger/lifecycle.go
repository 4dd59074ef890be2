package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/summary"
)

// CloseReasonIdle is the close reason recorded by the idle sweep.
const CloseReasonIdle = "idle"

// closeScript flips an open conversation to closed and moves it from the
// active to the closed index. It returns 0 when the conversation is missing
// or already closed.
var closeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3], ARGV[4], ARGV[6], ARGV[5], ARGV[7])
redis.call('ZREM', KEYS[2], ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[8])
return 1
`)

// CloseConversation closes an open conversation and schedules its
// background tasks. It reports whether a transition happened; closing a
// missing or already closed conversation is a no-op. Of concurrent closers
// only one performs the transition.
//
// When the dispatcher is disabled or rejects the jobs, the conversation is
// summarized synchronously if a summarizer is configured. With neither,
// the indexing status is left untouched.
func (l *Ledger) CloseConversation(ctx context.Context, id, reason string) (bool, error) {
	conv, err := l.GetConversation(ctx, id)
	if errors.Is(err, ErrConversationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if conv.Status == StatusClosed {
		return false, nil
	}

	now := l.now()
	flipped, err := closeScript.Run(ctx, l.rdb,
		[]string{l.keys.Conversation(id), l.keys.Active(), l.keys.Closed()},
		fStatus, string(StatusOpen), string(StatusClosed),
		fClosedAt, fCloseReason, millis(now), reason, id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("close conversation %s: %w", id, err)
	}
	if flipped == 0 {
		return false, nil
	}
	l.metrics.RecordConversationClosed(reason)
	l.log.InfoContext(ctx, "conversation closed", "conversation_id", id, "reason", reason, "ghost", conv.Ghost)

	if l.dispatcher != nil && l.dispatcher.Enabled() {
		err := l.dispatcher.EnqueueClose(ctx, id, conv.Ghost)
		if err == nil {
			if !conv.Ghost {
				if err := l.setIndexing(ctx, id, IndexingQueued, ""); err != nil {
					return true, err
				}
			}
			return true, nil
		}
		l.log.WarnContext(ctx, "enqueue close tasks failed, falling back",
			"conversation_id", id, "error", err)
	}

	if l.summarizer == nil {
		return true, nil
	}
	return true, l.summarizeNow(ctx, conv, reason)
}

func (l *Ledger) summarizeNow(ctx context.Context, conv *Conversation, reason string) error {
	msgs, err := l.GetMessages(ctx, conv.ID, l.summaryMessages, false)
	var res summary.Result
	if err == nil {
		res = l.summarizer.Summarize(ctx, conv.ID, msgs)
		if res.Failed() {
			err = errors.New(res.Error)
			// Keep the local fallback summary the summarizer produced.
			if uerr := l.UpdateSummary(ctx, conv.ID, res); uerr != nil {
				l.log.WarnContext(ctx, "store fallback summary", "conversation_id", conv.ID, "error", uerr)
			}
		}
	}

	if err != nil {
		l.log.WarnContext(ctx, "synchronous summarization failed",
			"conversation_id", conv.ID, "error", err)
		ck := l.keys.Conversation(conv.ID)
		_, txErr := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ck, fCloseReason, reason+"; summary failed: "+err.Error())
			if !conv.Ghost {
				pipe.HSet(ctx, ck, fIndexingStatus, string(IndexingFailed), fIndexingError, err.Error())
			}
			pipe.HSet(ctx, ck, fFlagSummaryError, boolField(true))
			return nil
		})
		return txErr
	}

	if err := l.UpdateSummary(ctx, conv.ID, res); err != nil {
		return err
	}
	detected := summary.DetectFlags(msgs)
	flags := summary.Flags{
		Explicit:  detected.Explicit || res.Flags.Explicit,
		Forbidden: detected.Forbidden || res.Flags.Forbidden,
	}
	if err := l.UpdateFlags(ctx, conv.ID, flags); err != nil {
		return err
	}
	if conv.Ghost {
		return nil
	}
	return l.setIndexing(ctx, conv.ID, IndexingIndexed, "")
}

// SweepReport is the outcome of one idle sweep.
type SweepReport struct {
	Cutoff  time.Time        `json:"cutoff"`
	Scanned int              `json:"scanned"`
	Closed  []string         `json:"closed"`
	Failed  map[string]error `json:"-"`
}

// Err joins the per-conversation failures, or returns nil.
func (r *SweepReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for id, err := range r.Failed {
		errs = append(errs, fmt.Errorf("conversation %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// CloseIfIdle closes every open conversation whose last activity is older
// than now minus the idle window. Per-conversation failures are collected
// in the report and do not stop the sweep.
func (l *Ledger) CloseIfIdle(ctx context.Context, now time.Time) (*SweepReport, error) {
	cutoff := now.Add(-l.idleTimeout)
	ids, err := l.rdb.ZRangeByScore(ctx, l.keys.Active(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(millis(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan idle conversations: %w", err)
	}

	report := &SweepReport{
		Cutoff:  cutoff,
		Scanned: len(ids),
		Closed:  []string{},
		Failed:  make(map[string]error),
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			report.Failed[id] = ctx.Err()
			continue
		}
		closed, err := l.CloseConversation(ctx, id, CloseReasonIdle)
		if err != nil {
			l.log.WarnContext(ctx, "idle close failed", "conversation_id", id, "error", err)
			report.Failed[id] = err
			continue
		}
		if closed {
			report.Closed = append(report.Closed, id)
		}
	}
	return report, nil
}

// ReopenConversation moves a closed conversation back to open.
func (l *Ledger) ReopenConversation(ctx context.Context, id string) error {
	conv, err := l.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == StatusOpen {
		return nil
	}

	now := l.now()
	ck := l.keys.Conversation(id)
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ck, fStatus, string(StatusOpen), fLastTouchedAt, millis(now))
		pipe.HDel(ctx, ck, fClosedAt, fCloseReason)
		pipe.ZRem(ctx, l.keys.Closed(), id)
		pipe.ZAdd(ctx, l.keys.Active(), redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("reopen conversation %s: %w", id, err)
	}
	l.log.InfoContext(ctx, "conversation reopened", "conversation_id", id)
	return nil
}

// DeleteConversation removes a conversation with its message log, request
// and turn records, chunk-id set and token index entries. Queued jobs are
// removed on a best-effort basis.
func (l *Ledger) DeleteConversation(ctx context.Context, id string) error {
	var (
		tokens   *redis.StringSliceCmd
		requests *redis.StringSliceCmd
		turns    *redis.StringSliceCmd
	)
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		tokens = pipe.SMembers(ctx, l.keys.Tokens(id))
		requests = pipe.ZRange(ctx, l.keys.Requests(id), 0, -1)
		turns = pipe.ZRange(ctx, l.keys.Turns(id), 0, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load conversation %s for delete: %w", id, err)
	}
	if err := l.exists(ctx, id); err != nil {
		return err
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			l.keys.Conversation(id),
			l.keys.Messages(id),
			l.keys.Requests(id),
			l.keys.Turns(id),
			l.keys.Chunks(id),
			l.keys.Models(id),
			l.keys.Tokens(id),
		)
		for _, rid := range requests.Val() {
			pipe.Del(ctx, l.keys.Request(rid))
		}
		for _, tid := range turns.Val() {
			pipe.Del(ctx, l.keys.Turn(tid))
		}
		for _, tok := range tokens.Val() {
			pipe.ZRem(ctx, l.keys.TokenConversations(tok), id)
		}
		pipe.ZRem(ctx, l.keys.Active(), id)
		pipe.ZRem(ctx, l.keys.Closed(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}

	if l.dispatcher != nil && l.dispatcher.Enabled() {
		if err := l.dispatcher.RemoveJobs(ctx, id); err != nil {
			l.log.WarnContext(ctx, "remove jobs of deleted conversation", "conversation_id", id, "error", err)
		}
	}
	l.log.InfoContext(ctx, "conversation deleted", "conversation_id", id)
	return nil
}
