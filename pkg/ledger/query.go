package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRecallLimit caps RecallConversation results when no limit is given.
const DefaultRecallLimit = 10

// GetStatus returns aggregate ledger counters.
func (l *Ledger) GetStatus(ctx context.Context) (*Snapshot, error) {
	var (
		active   *redis.IntCmd
		closed   *redis.IntCmd
		counters *redis.MapStringStringCmd
		latest   *redis.ZSliceCmd
		ids      *redis.StringSliceCmd
	)
	_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		active = pipe.ZCard(ctx, l.keys.Active())
		closed = pipe.ZCard(ctx, l.keys.Closed())
		counters = pipe.HGetAll(ctx, l.keys.Counters())
		latest = pipe.ZRevRangeWithScores(ctx, l.keys.Active(), 0, 0)
		ids = pipe.ZRange(ctx, l.keys.Active(), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger status: %w", err)
	}

	snap := &Snapshot{
		ActiveConversations: active.Val(),
		ClosedConversations: closed.Val(),
		Requests:            parseInt(counters.Val()[cRequests]),
		Turns:               parseInt(counters.Val()[cTurns]),
		Errors:              parseInt(counters.Val()[cErrors]),
	}
	if z := latest.Val(); len(z) > 0 {
		t := time.UnixMilli(int64(z[0].Score)).UTC()
		snap.LastActivityAt = &t
	}

	if len(ids.Val()) > 0 {
		cmds := make([]*redis.StringSliceCmd, 0, len(ids.Val()))
		_, err = l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids.Val() {
				cmds = append(cmds, pipe.SMembers(ctx, l.keys.Tokens(id)))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read active tokens: %w", err)
		}
		distinct := make(map[string]struct{})
		for _, cmd := range cmds {
			for _, tok := range cmd.Val() {
				distinct[tok] = struct{}{}
			}
		}
		snap.ActiveTokens = int64(len(distinct))
	}
	return snap, nil
}

// RecallConversation looks conversations up by id, by token in recency
// order, or by a recency window over open and closed conversations. Place
// and Keyword filter case-insensitively by substring.
func (l *Ledger) RecallConversation(ctx context.Context, q RecallQuery) ([]RecalledConversation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	ids, err := l.recallCandidates(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]RecalledConversation, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		conv, err := l.GetConversation(ctx, id)
		if errors.Is(err, ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matchesAny(conv.PlaceTags, q.Place) || !matchesAny(conv.Keywords, q.Keyword) {
			continue
		}

		rc := RecalledConversation{Conversation: *conv}
		if q.IncludeMessages {
			rc.Messages, err = l.GetMessages(ctx, id, q.MessageLimit, false)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

func (l *Ledger) recallCandidates(ctx context.Context, q RecallQuery) ([]string, error) {
	lo := "-inf"
	if !q.Since.IsZero() {
		lo = strconv.FormatInt(millis(q.Since), 10)
	}
	window := &redis.ZRangeBy{Min: lo, Max: "+inf"}

	switch {
	case q.ConversationID != "":
		return []string{q.ConversationID}, nil

	case q.Token != "":
		ids, err := l.rdb.ZRevRangeByScore(ctx, l.keys.TokenConversations(q.Token), window).Result()
		if err != nil {
			return nil, fmt.Errorf("recall by token: %w", err)
		}
		return ids, nil

	default:
		var active, closed *redis.ZSliceCmd
		_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			active = pipe.ZRevRangeByScoreWithScores(ctx, l.keys.Active(), window)
			closed = pipe.ZRevRangeByScoreWithScores(ctx, l.keys.Closed(), window)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("recall by recency: %w", err)
		}
		merged := append(active.Val(), closed.Val()...)
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
		ids := make([]string, 0, len(merged))
		for _, z := range merged {
			if s, ok := z.Member.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, nil
	}
}

func matchesAny(values []string, needle string) bool {
	if needle == "" {
		return true
	}
	needle = strings.ToLower(needle)
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
