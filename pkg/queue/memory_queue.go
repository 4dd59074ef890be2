package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in process memory. Ids flow through a
// buffered channel; job bodies live in a map so that Remove can cancel a
// job that is still waiting or delayed.
type MemoryQueue struct {
	core

	mu     sync.Mutex
	jobs   map[string]*Job
	timers map[string]*time.Timer
	idCh   chan string
}

// NewMemoryQueue creates an in-memory Queue.
func NewMemoryQueue(config *Config) (*MemoryQueue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Capacity <= 0 {
		config.Capacity = 1024
	}
	q := &MemoryQueue{
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		idCh:   make(chan string, config.Capacity),
	}
	q.core.init(config)
	return q, nil
}

// Enqueue implements Queue. It blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload any, jobID string) (*Job, error) {
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

	q.mu.Lock()
	if _, ok := q.jobs[jobID]; ok {
		q.mu.Unlock()
		q.duplicate.Add(1)
		return nil, &DuplicateJobError{Queue: q.config.Name, JobID: jobID}
	}
	q.jobs[jobID] = job
	q.mu.Unlock()

	select {
	case q.idCh <- jobID:
		q.enqueued.Add(1)
		return job.clone(), nil
	case <-ctx.Done():
		q.forget(jobID)
		return nil, ctx.Err()
	case <-q.closeCh:
		q.forget(jobID)
		return nil, &QueueClosedError{Queue: q.config.Name}
	}
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[jobID]; !ok {
		return &JobNotFoundError{Queue: q.config.Name, JobID: jobID}
	}
	delete(q.jobs, jobID)
	if t, ok := q.timers[jobID]; ok {
		t.Stop()
		delete(q.timers, jobID)
	}
	q.removed.Add(1)
	return nil
}

// Job implements Queue.
func (q *MemoryQueue) Job(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, &JobNotFoundError{Queue: q.config.Name, JobID: jobID}
	}
	return job.clone(), nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(context.Context) (Depth, error) {
	q.mu.Lock()
	var d Depth
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			d.Waiting++
		case StateDelayed:
			d.Delayed++
		case StateFailed:
			d.Failed++
		}
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.config.Name, string(StateWaiting), float64(d.Waiting))
	q.metrics.SetQueueDepth(q.config.Name, string(StateDelayed), float64(d.Delayed))
	q.metrics.SetQueueDepth(q.config.Name, string(StateFailed), float64(d.Failed))
	return d, nil
}

// Run starts the workers.
func (q *MemoryQueue) Run() {
	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Close implements Queue. Pending retry timers are stopped.
func (q *MemoryQueue) Close(ctx context.Context) error {
	err := q.shutdown(ctx)
	q.mu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	return err
}

func (q *MemoryQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.closeCh:
			return
		case id := <-q.idCh:
			if !q.wait() {
				return
			}
			q.process(id)
		}
	}
}

func (q *MemoryQueue) process(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateWaiting {
		q.mu.Unlock()
		return
	}
	job.Attempts++
	job.State = StateActive
	job.UpdatedAt = time.Now().UTC()
	run := job.clone()
	q.mu.Unlock()

	q.running.Add(1)
	start := time.Now()
	runErr := q.execute(context.Background(), run)
	q.running.Add(-1)

	next, delay := q.settle(run, runErr, time.Since(start))

	q.mu.Lock()
	// A job removed, or removed and re-enqueued, while running is left alone.
	if cur, ok := q.jobs[id]; ok && cur == job {
		switch next {
		case "":
			delete(q.jobs, id)
		case StateDelayed:
			q.jobs[id] = run
			q.timers[id] = time.AfterFunc(delay, func() { q.promote(id) })
		case StateFailed:
			q.jobs[id] = run
		}
	}
	q.mu.Unlock()

	q.notify(run, next, runErr, delay)
}

// promote returns a delayed job to the waiting state.
func (q *MemoryQueue) promote(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	job, ok := q.jobs[id]
	if !ok || job.State != StateDelayed || q.closed.Load() {
		q.mu.Unlock()
		return
	}
	job.State = StateWaiting
	job.UpdatedAt = time.Now().UTC()
	q.mu.Unlock()

	select {
	case q.idCh <- id:
	case <-q.closeCh:
	}
}

func (q *MemoryQueue) forget(id string) {
	q.mu.Lock()
	delete(q.jobs, id)
	q.mu.Unlock()
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

var _ Queue = (*MemoryQueue)(nil)
