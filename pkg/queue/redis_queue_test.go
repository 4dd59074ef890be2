package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T, cfg *Config) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(client, cfg)
	require.NoError(t, err)
	closeQueue(t, q)
	return q, mr, client
}

func TestNewRedisQueue_Validation(t *testing.T) {
	_, err := NewRedisQueue(nil, testConfig("r"))
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	cfg := testConfig("")
	_, err = NewRedisQueue(client, cfg)
	assert.Error(t, err)
}

func TestRedisQueue_EnqueueStoresJob(t *testing.T) {
	cfg := testConfig("tasks")
	cfg.KeyPrefix = "test:queue:"
	q, mr, _ := newRedisQueue(t, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "summary", map[string]string{"conversationId": "c-1"}, "summary-c-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.True(t, mr.Exists("test:queue:tasks:job:summary-c-1"))

	waiting, err := mr.List("test:queue:tasks:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{"summary-c-1"}, waiting)

	_, err = q.Enqueue(ctx, "summary", nil, "summary-c-1")
	assert.True(t, IsDuplicateJobError(err))

	stored, err := q.Job(ctx, "summary-c-1")
	require.NoError(t, err)
	assert.Equal(t, "summary", stored.Kind)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, string(stored.Payload))
}

func TestRedisQueue_ProcessesJobs(t *testing.T) {
	q, mr, _ := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	var handled atomic.Int32
	q.SetHandler(func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	})
	q.Run()

	for _, id := range []string{"index-c-1", "index-c-2", "index-c-3", "index-c-4"} {
		_, err := q.Enqueue(ctx, "index", nil, id)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.Stats().Completed == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(4), handled.Load())
	assert.False(t, mr.Exists(q.jobKey("index-c-1")))

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{}, d)
}

func TestRedisQueue_RetriesThenRetainsFailed(t *testing.T) {
	q, mr, _ := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	var calls atomic.Int32
	q.SetHandler(func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("llm unavailable")
	})
	q.Run()

	_, err := q.Enqueue(ctx, "summary", nil, "summary-c-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	job, err := q.Job(ctx, "summary-c-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "llm unavailable", job.LastError)

	members, err := mr.ZMembers(q.failedKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary-c-1"}, members)

	require.NoError(t, q.Remove(ctx, "summary-c-1"))
	assert.False(t, mr.Exists(q.failedKey))
	assert.True(t, IsJobNotFoundError(q.Remove(ctx, "summary-c-1")))
}

func TestRedisQueue_Promote(t *testing.T) {
	q, mr, client := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()
	now := time.Now()

	client.ZAdd(ctx, q.delayedKey,
		redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "due"},
		redis.Z{Score: float64(now.Add(time.Hour).UnixMilli()), Member: "later"},
	)

	moved, err := q.promote(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	waiting, err := mr.List(q.waitingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, waiting)

	delayed, err := mr.ZMembers(q.delayedKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, delayed)
}

func TestRedisQueue_RemovedJobIsSkipped(t *testing.T) {
	q, _, client := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	var handled atomic.Int32
	q.SetHandler(func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	})

	_, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	// Simulate a pop racing with Remove: the id stays in the list but the body is gone.
	require.NoError(t, client.Del(ctx, q.jobKey("index-c-1")).Err())

	q.process(ctx, "index-c-1")
	assert.Equal(t, int32(0), handled.Load())
}

func TestRedisQueue_RemovedWhileRunningIsNotResurrected(t *testing.T) {
	q, mr, _ := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	q.SetHandler(func(ctx context.Context, job *Job) error {
		require.NoError(t, q.Remove(ctx, job.ID))
		return errors.New("fails after removal")
	})

	_, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	_, err = q.dequeue(ctx)
	require.NoError(t, err)

	q.process(ctx, "index-c-1")
	assert.False(t, mr.Exists(q.jobKey("index-c-1")))
	assert.False(t, mr.Exists(q.delayedKey))
}

func TestRedisQueue_ReenqueuedWhileRunningRunsAgain(t *testing.T) {
	q, mr, _ := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int32
	q.SetHandler(func(context.Context, *Job) error {
		if runs.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})
	q.Run()

	first, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	assert.True(t, mr.Exists(q.leasesKey))

	require.NoError(t, q.Remove(ctx, "index-c-1"))
	second, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	close(release)

	require.Eventually(t, func() bool {
		return runs.Load() == 2 && !mr.Exists(q.jobKey("index-c-1"))
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !mr.Exists(q.processingKey) && !mr.Exists(q.leasesKey)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisQueue_StaleRunLeavesNewJobAlone(t *testing.T) {
	q, mr, _ := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	var replacement *Job
	q.SetHandler(func(ctx context.Context, job *Job) error {
		require.NoError(t, q.Remove(ctx, job.ID))
		var err error
		replacement, err = q.Enqueue(ctx, "index", nil, job.ID)
		require.NoError(t, err)
		return errors.New("embedding backend down")
	})

	_, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	id, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "index-c-1", id)

	q.process(ctx, id)

	job, err := q.Job(ctx, "index-c-1")
	require.NoError(t, err)
	assert.Equal(t, replacement.Token, job.Token)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.LastError)
	assert.False(t, mr.Exists(q.delayedKey))
	assert.False(t, mr.Exists(q.processingKey))

	waiting, err := mr.List(q.waitingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"index-c-1"}, waiting)
}

func TestRedisQueue_ReapsExpiredLease(t *testing.T) {
	cfg := testConfig("tasks")
	cfg.LeaseTimeout = time.Minute
	q, mr, _ := newRedisQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	// A worker popped the job and stopped before running it.
	id, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "index-c-1", id)

	now := time.Now()
	moved, err := q.reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	deadline, err := mr.ZScore(q.leasesKey, "index-c-1")
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), deadline)

	moved, err = q.reap(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	waiting, err := mr.List(q.waitingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"index-c-1"}, waiting)
	assert.False(t, mr.Exists(q.processingKey))
	assert.False(t, mr.Exists(q.leasesKey))
}

func TestRedisQueue_ReapDropsRemovedJobs(t *testing.T) {
	cfg := testConfig("tasks")
	cfg.LeaseTimeout = time.Minute
	q, mr, _ := newRedisQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "index", nil, "index-c-1")
	require.NoError(t, err)
	_, err = q.dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, "index-c-1"))

	now := time.Now()
	_, err = q.reap(ctx, now)
	require.NoError(t, err)
	moved, err := q.reap(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.False(t, mr.Exists(q.waitingKey))
	assert.False(t, mr.Exists(q.processingKey))
}

func TestRedisQueue_RunReclaimsAbandonedJobs(t *testing.T) {
	q, _, client := newRedisQueue(t, testConfig("tasks"))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "summary", nil, "summary-c-1")
	require.NoError(t, err)
	_, err = q.dequeue(ctx)
	require.NoError(t, err)
	// Lease left behind by a worker that died mid-run.
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, q.leasesKey, redis.Z{Score: expired, Member: "summary-c-1"}).Err())

	var handled atomic.Int32
	q.SetHandler(func(context.Context, *Job) error {
		handled.Add(1)
		return nil
	})
	q.Run()

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRedisQueue_Close(t *testing.T) {
	q, _, _ := newRedisQueue(t, testConfig("tasks"))
	q.SetHandler(func(context.Context, *Job) error { return nil })
	q.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	_, err := q.Enqueue(context.Background(), "index", nil, "index-c-1")
	assert.True(t, IsQueueClosedError(err))
}
