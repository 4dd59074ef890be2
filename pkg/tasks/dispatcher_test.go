package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/queue"
)

func TestDispatcher_EnqueueCloseOrder(t *testing.T) {
	q := newRecordingQueue(t, 3)
	d := NewDispatcher(q, logger.Nop())
	ctx := context.Background()

	require.True(t, d.Enabled())
	require.NoError(t, d.EnqueueClose(ctx, "c-1", false))
	assert.Equal(t, []string{"summary", "flag", "index"}, q.enqueued())

	job, err := q.Job(ctx, "index-c-1")
	require.NoError(t, err)
	var p Payload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "c-1", p.ConversationID)
}

func TestDispatcher_GhostSkipsIndex(t *testing.T) {
	q := newRecordingQueue(t, 3)
	d := NewDispatcher(q, logger.Nop())

	require.NoError(t, d.EnqueueClose(context.Background(), "c-1", true))
	assert.Equal(t, []string{"summary", "flag"}, q.enqueued())

	_, err := q.Job(context.Background(), "index-c-1")
	assert.True(t, queue.IsJobNotFoundError(err))
}

func TestDispatcher_DuplicateIsQueued(t *testing.T) {
	q := newRecordingQueue(t, 3)
	d := NewDispatcher(q, logger.Nop())
	ctx := context.Background()

	require.NoError(t, d.EnqueueClose(ctx, "c-1", false))
	require.NoError(t, d.EnqueueClose(ctx, "c-1", false))
	require.NoError(t, d.EnqueueIndex(ctx, "c-1"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth.Waiting)
	assert.Equal(t, int64(4), q.Stats().Duplicate)
}

func TestDispatcher_ReplacesFailedJob(t *testing.T) {
	q := newRecordingQueue(t, 1)
	d := NewDispatcher(q, logger.Nop())
	ctx := context.Background()

	var calls atomic.Int32
	q.SetHandler(func(context.Context, *queue.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("vector store down")
		}
		return nil
	})
	q.Run()

	require.NoError(t, d.EnqueueIndex(ctx, "c-1"))
	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.EnqueueIndex(ctx, "c-1"))
	require.Eventually(t, func() bool { return q.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Removed)
}

func TestDispatcher_RemoveJobs(t *testing.T) {
	q := newRecordingQueue(t, 3)
	d := NewDispatcher(q, logger.Nop())
	ctx := context.Background()

	require.NoError(t, d.EnqueueIndex(ctx, "c-1"))
	require.NoError(t, d.RemoveJobs(ctx, "c-1"))
	require.NoError(t, d.RemoveJobs(ctx, "c-1"), "missing jobs are not an error")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth.Waiting)
}

func TestDispatcher_Disabled(t *testing.T) {
	d := NewDispatcher(nil, logger.Nop())
	assert.False(t, d.Enabled())
	assert.ErrorIs(t, d.EnqueueClose(context.Background(), "c-1", false), ledger.ErrDispatcherDisabled)
	assert.ErrorIs(t, d.EnqueueIndex(context.Background(), "c-1"), ledger.ErrDispatcherDisabled)
	assert.NoError(t, d.RemoveJobs(context.Background(), "c-1"))

	var nilDispatcher *Dispatcher
	assert.False(t, nilDispatcher.Enabled())
}

func TestDispatcher_ClosedQueue(t *testing.T) {
	q := newRecordingQueue(t, 3)
	require.NoError(t, q.Close(context.Background()))
	d := NewDispatcher(q, logger.Nop())

	err := d.EnqueueClose(context.Background(), "c-1", false)
	assert.True(t, queue.IsQueueClosedError(err))
	assert.Equal(t, []string{"summary"}, q.enqueued(), "first failure aborts")
}
