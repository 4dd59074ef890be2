package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis. Job bodies are stored under
// per-job keys created with SETNX, which enforces id uniqueness; the waiting
// list holds ids, delayed retries sit in a sorted set scored by due time and
// failed jobs are retained in a second sorted set.
//
// Workers move ids from waiting to a processing list and hold a lease on
// each running job. Every enqueue stamps the body with a fresh token and a
// run only settles a body carrying its own token, so a job removed and
// enqueued again while running is left to its new run. Ids whose lease
// expired go back to waiting.
type RedisQueue struct {
	core
	client redis.Cmdable

	keyPrefix     string
	waitingKey    string
	processingKey string
	leasesKey     string
	delayedKey    string
	failedKey     string
}

// NewRedisQueue creates a Redis-backed Queue.
func NewRedisQueue(client redis.Cmdable, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 2 * time.Second
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = time.Second
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 5 * time.Minute
	}

	prefix := config.KeyPrefix + config.Name
	q := &RedisQueue{
		client:        client,
		keyPrefix:     prefix,
		waitingKey:    prefix + ":waiting",
		processingKey: prefix + ":processing",
		leasesKey:     prefix + ":leases",
		delayedKey:    prefix + ":delayed",
		failedKey:     prefix + ":failed",
	}
	q.core.init(config)
	return q, nil
}

func (q *RedisQueue) jobKey(id string) string {
	return q.keyPrefix + ":job:" + id
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any, jobID string) (*Job, error) {
	if q.closed.Load() {
		return nil, &QueueClosedError{Queue: q.config.Name}
	}
	if jobID == "" {
		return nil, fmt.Errorf("job id cannot be empty")
	}

	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	job := &Job{
		ID:          jobID,
		Token:       uuid.NewString(),
		Kind:        kind,
		Payload:     body,
		State:       StateWaiting,
		MaxAttempts: q.config.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	added, err := q.client.SetNX(ctx, q.jobKey(jobID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store job %s: %w", jobID, err)
	}
	if !added {
		q.duplicate.Add(1)
		return nil, &DuplicateJobError{Queue: q.config.Name, JobID: jobID}
	}

	if err := q.client.LPush(ctx, q.waitingKey, jobID).Err(); err != nil {
		_ = q.client.Del(context.Background(), q.jobKey(jobID)).Err()
		return nil, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	q.enqueued.Add(1)
	return job, nil
}

// Remove implements Queue.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	var del *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, q.jobKey(jobID))
		pipe.LRem(ctx, q.waitingKey, 0, jobID)
		pipe.ZRem(ctx, q.delayedKey, jobID)
		pipe.ZRem(ctx, q.failedKey, jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	if del.Val() == 0 {
		return &JobNotFoundError{Queue: q.config.Name, JobID: jobID}
	}
	q.removed.Add(1)
	return nil
}

// Job implements Queue.
func (q *RedisQueue) Job(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &JobNotFoundError{Queue: q.config.Name, JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	var waiting, delayed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.waitingKey)
		delayed = pipe.ZCard(ctx, q.delayedKey)
		failed = pipe.ZCard(ctx, q.failedKey)
		return nil
	})
	if err != nil {
		return Depth{}, err
	}
	d := Depth{Waiting: waiting.Val(), Delayed: delayed.Val(), Failed: failed.Val()}
	q.metrics.SetQueueDepth(q.config.Name, string(StateWaiting), float64(d.Waiting))
	q.metrics.SetQueueDepth(q.config.Name, string(StateDelayed), float64(d.Delayed))
	q.metrics.SetQueueDepth(q.config.Name, string(StateFailed), float64(d.Failed))
	return d, nil
}

// claimScript records a lease on a popped job and returns its body. A job
// removed after the pop leaves the processing list and yields nil.
var claimScript = redis.NewScript(`
local body = redis.call('GET', KEYS[1])
if not body then
  redis.call('LREM', KEYS[3], 1, ARGV[1])
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return body
`)

// saveScript rewrites a job body only while it still carries the run's token.
var saveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, job = pcall(cjson.decode, cur)
if not ok or job['token'] ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// finishScript drops the run from the processing list and, if the body still
// carries the run's token, deletes it (done) or stores it and schedules it in
// the delayed (delay) or failed (fail) set.
var finishScript = redis.NewScript(`
redis.call('LREM', KEYS[2], 1, ARGV[1])
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, job = pcall(cjson.decode, cur)
if not ok or job['token'] ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[3], ARGV[1])
if ARGV[3] == 'done' then
  redis.call('DEL', KEYS[1])
elseif ARGV[3] == 'delay' then
  redis.call('SET', KEYS[1], ARGV[4])
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
else
  redis.call('SET', KEYS[1], ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])
end
return 1
`)

// reapScript gives every unleased processing entry a lease, then returns ids
// with an expired lease to waiting. Ids whose body is gone are dropped.
var reapScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if not redis.call('ZSCORE', KEYS[2], id) then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
  end
end
local moved = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local n = redis.call('LREM', KEYS[1], 1, id)
  if n > 0 and redis.call('EXISTS', ARGV[3] .. id) == 1 then
    redis.call('LPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)

// Run reclaims jobs abandoned by stopped workers, then starts the worker
// pool and the delayed-job promoter.
func (q *RedisQueue) Run() {
	if n, err := q.reap(context.Background(), time.Now()); err != nil {
		q.log.Warn("reclaim abandoned jobs", "error", err)
	} else if n > 0 {
		q.log.Info("reclaimed abandoned jobs", "count", n)
	}

	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.promoter()
}

// Close implements Queue.
func (q *RedisQueue) Close(ctx context.Context) error {
	return q.shutdown(ctx)
}

func (q *RedisQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.closeCh:
			return
		default:
		}

		ctx := context.Background()
		id, err := q.dequeue(ctx)
		if err != nil {
			q.log.Warn("dequeue failed", "error", err)
			select {
			case <-q.closeCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if id == "" {
			continue
		}
		if !q.wait() {
			// Closed while rate limited; put the job back for another consumer.
			_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey, 1, id)
				pipe.ZRem(ctx, q.leasesKey, id)
				pipe.RPush(ctx, q.waitingKey, id)
				return nil
			})
			return
		}
		q.process(ctx, id)
	}
}

// dequeue moves the oldest waiting id onto the processing list.
func (q *RedisQueue) dequeue(ctx context.Context) (string, error) {
	id, err := q.client.BLMove(ctx, q.waitingKey, q.processingKey, "RIGHT", "LEFT", q.config.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *RedisQueue) process(ctx context.Context, id string) {
	job, err := q.claim(ctx, id)
	if IsJobNotFoundError(err) {
		// Removed after being popped.
		return
	}
	if err != nil {
		q.log.Error("claim job failed", "job_id", id, "error", err)
		q.release(ctx, id)
		return
	}

	job.Attempts++
	job.State = StateActive
	job.UpdatedAt = time.Now().UTC()
	if !q.save(ctx, job) {
		// Removed, or removed and enqueued again, since the claim.
		q.release(ctx, id)
		return
	}

	stopLease := q.holdLease(id)
	q.running.Add(1)
	start := time.Now()
	runErr := q.execute(ctx, job)
	q.running.Add(-1)
	stopLease()

	next, delay := q.settle(job, runErr, time.Since(start))
	if !q.finish(ctx, job, next, delay) {
		q.log.Debug("job replaced while running, outcome discarded", "job_id", id)
	}
	q.notify(job, next, runErr, delay)
}

func (q *RedisQueue) claim(ctx context.Context, id string) (*Job, error) {
	deadline := time.Now().Add(q.config.LeaseTimeout).UnixMilli()
	body, err := claimScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.leasesKey, q.processingKey}, id, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return nil, &JobNotFoundError{Queue: q.config.Name, JobID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// release drops a popped id that will not run.
func (q *RedisQueue) release(ctx context.Context, id string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, id)
		pipe.ZRem(ctx, q.leasesKey, id)
		return nil
	})
	if err != nil {
		q.log.Error("release job", "job_id", id, "error", err)
	}
}

// save rewrites the job body. It returns false if the job was removed or
// replaced by a newer enqueue in the meantime.
func (q *RedisQueue) save(ctx context.Context, job *Job) bool {
	data, err := json.Marshal(job)
	if err != nil {
		q.log.Error("marshal job", "job_id", job.ID, "error", err)
		return false
	}
	n, err := saveScript.Run(ctx, q.client, []string{q.jobKey(job.ID)}, job.Token, data).Int()
	if err != nil {
		q.log.Error("save job", "job_id", job.ID, "error", err)
		return false
	}
	return n == 1
}

// finish applies the outcome of a run. It returns false when the body no
// longer belongs to this run.
func (q *RedisQueue) finish(ctx context.Context, job *Job, next State, delay time.Duration) bool {
	mode, score := "done", int64(0)
	switch next {
	case StateDelayed:
		mode, score = "delay", time.Now().Add(delay).UnixMilli()
	case StateFailed:
		mode, score = "fail", job.UpdatedAt.UnixMilli()
	}
	data, err := json.Marshal(job)
	if err != nil {
		q.log.Error("marshal job", "job_id", job.ID, "error", err)
		return false
	}
	n, err := finishScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.processingKey, q.leasesKey, q.delayedKey, q.failedKey},
		job.ID, job.Token, mode, data, score).Int()
	if err != nil {
		q.log.Error("settle job", "job_id", job.ID, "state", string(next), "error", err)
		return false
	}
	return n == 1
}

// holdLease renews the lease of a running job until stop is called.
func (q *RedisQueue) holdLease(id string) (stop func()) {
	interval := q.config.LeaseTimeout / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(q.config.LeaseTimeout).UnixMilli()
				err := q.client.ZAddXX(context.Background(), q.leasesKey, redis.Z{Score: float64(deadline), Member: id}).Err()
				if err != nil {
					q.log.Warn("renew job lease", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (q *RedisQueue) promoter() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.closeCh:
			return
		case now := <-ticker.C:
			if _, err := q.promote(context.Background(), now); err != nil {
				q.log.Warn("promote delayed jobs", "error", err)
			}
			if _, err := q.reap(context.Background(), now); err != nil {
				q.log.Warn("reclaim expired leases", "error", err)
			}
		}
	}
}

// promote moves delayed jobs due at or before now back to waiting.
func (q *RedisQueue) promote(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		n, err := q.client.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			// Promoted by another consumer.
			continue
		}
		if err := q.client.LPush(ctx, q.waitingKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// reap returns processing ids whose lease expired before now to waiting.
// Entries found without a lease get one starting at now.
func (q *RedisQueue) reap(ctx context.Context, now time.Time) (int, error) {
	return reapScript.Run(ctx, q.client,
		[]string{q.processingKey, q.leasesKey, q.waitingKey},
		now.UnixMilli(), now.Add(q.config.LeaseTimeout).UnixMilli(), q.keyPrefix+":job:").Int()
}

var _ Queue = (*RedisQueue)(nil)
