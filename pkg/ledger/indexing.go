package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/summary"
)

// RetryIndexing drops any queued jobs of the conversation, enqueues a fresh
// index job and increments the attempt counter. It returns false when the
// dispatcher is disabled.
func (l *Ledger) RetryIndexing(ctx context.Context, id string) (bool, error) {
	if l.dispatcher == nil || !l.dispatcher.Enabled() {
		return false, nil
	}
	if err := l.exists(ctx, id); err != nil {
		return false, err
	}

	if err := l.dispatcher.RemoveJobs(ctx, id); err != nil {
		l.log.WarnContext(ctx, "remove stale jobs before retry", "conversation_id", id, "error", err)
	}
	if err := l.dispatcher.EnqueueIndex(ctx, id); err != nil {
		return false, fmt.Errorf("enqueue index job for %s: %w", id, err)
	}

	ck := l.keys.Conversation(id)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, ck, fIndexingAttempts, 1)
		pipe.HSet(ctx, ck, fIndexingStatus, string(IndexingQueued))
		pipe.HDel(ctx, ck, fIndexingError)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark %s queued: %w", id, err)
	}
	l.log.InfoContext(ctx, "indexing retried", "conversation_id", id)
	return true, nil
}

// CancelIndexing removes queued jobs of the conversation and resets its
// indexing status to none. A job already executing runs to completion.
func (l *Ledger) CancelIndexing(ctx context.Context, id string) error {
	if err := l.exists(ctx, id); err != nil {
		return err
	}
	if l.dispatcher != nil && l.dispatcher.Enabled() {
		if err := l.dispatcher.RemoveJobs(ctx, id); err != nil {
			l.log.WarnContext(ctx, "remove jobs on cancel", "conversation_id", id, "error", err)
		}
	}
	return l.setIndexing(ctx, id, IndexingNone, "")
}

// UpdateIndexingStatus records the indexing status of a conversation. An
// empty errMsg clears any previous error.
func (l *Ledger) UpdateIndexingStatus(ctx context.Context, id string, status IndexingStatus, errMsg string) error {
	if err := l.exists(ctx, id); err != nil {
		return err
	}
	return l.setIndexing(ctx, id, status, errMsg)
}

func (l *Ledger) setIndexing(ctx context.Context, id string, status IndexingStatus, errMsg string) error {
	ck := l.keys.Conversation(id)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ck, fIndexingStatus, string(status))
		if errMsg != "" {
			pipe.HSet(ctx, ck, fIndexingError, errMsg)
		} else {
			pipe.HDel(ctx, ck, fIndexingError)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set indexing status of %s: %w", id, err)
	}
	return nil
}

// UpdateSummary writes the summary fields of a conversation.
func (l *Ledger) UpdateSummary(ctx context.Context, id string, res summary.Result) error {
	if err := l.exists(ctx, id); err != nil {
		return err
	}
	err := l.rdb.HSet(ctx, l.keys.Conversation(id),
		fSummary, res.Summary,
		fTags, encodeList(res.Tags),
		fKeywords, encodeList(res.Keywords),
		fPlaceTags, encodeList(res.Places),
		fFlagSummaryError, boolField(res.Flags.SummaryError),
	).Err()
	if err != nil {
		return fmt.Errorf("update summary of %s: %w", id, err)
	}
	return nil
}

// UpdateFlags writes the explicit and forbidden flags of a conversation.
func (l *Ledger) UpdateFlags(ctx context.Context, id string, flags summary.Flags) error {
	if err := l.exists(ctx, id); err != nil {
		return err
	}
	err := l.rdb.HSet(ctx, l.keys.Conversation(id),
		fFlagExplicit, boolField(flags.Explicit),
		fFlagForbidden, boolField(flags.Forbidden),
	).Err()
	if err != nil {
		return fmt.Errorf("update flags of %s: %w", id, err)
	}
	return nil
}

// ChunkIDs returns the vector index chunk ids last recorded for a conversation.
func (l *Ledger) ChunkIDs(ctx context.Context, id string) ([]string, error) {
	ids, err := l.rdb.SMembers(ctx, l.keys.Chunks(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read chunk ids of %s: %w", id, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetChunkIDs replaces the recorded chunk id set of a conversation.
func (l *Ledger) SetChunkIDs(ctx context.Context, id string, ids []string) error {
	key := l.keys.Chunks(id)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(ids) > 0 {
			members := make([]interface{}, len(ids))
			for i, cid := range ids {
				members[i] = cid
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write chunk ids of %s: %w", id, err)
	}
	return nil
}
