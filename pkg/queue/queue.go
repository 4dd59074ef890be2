// Package queue provides the background job queue used by the task pipeline.
//
// A Queue accepts jobs under caller-chosen ids and rejects a second job with
// an id that is still queued, running or retained as failed. Workers pull
// jobs, retry failures with exponential backoff and retain jobs that
// exhausted their attempts for inspection.
//
// Basic usage:
//
//	q, err := queue.NewRedisQueue(client, queue.DefaultConfig("conversation-tasks"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	q.SetHandler(func(ctx context.Context, job *queue.Job) error {
//	    return process(ctx, job)
//	})
//	q.Run()
//	defer q.Close(context.Background())
//
//	_, err = q.Enqueue(ctx, "index", payload, "index-conv-1")
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateDelayed State = "delayed"
	StateFailed  State = "failed"
)

// Event names a job lifecycle notification.
type Event string

const (
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventRetrying  Event = "retrying"
)

// Job is a unit of work stored in a queue.
type Job struct {
	ID          string          `json:"id"`
	Token       string          `json:"token"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

// Handler processes a job. A returned error schedules a retry until the
// job runs out of attempts.
type Handler func(ctx context.Context, job *Job) error

// EventHandler observes job lifecycle events. err is the handler error for
// failed and retrying events.
type EventHandler func(event Event, job *Job, err error)

// Stats are process-local counters of a queue.
type Stats struct {
	Name      string `json:"name"`
	Enqueued  int64  `json:"enqueued"`
	Duplicate int64  `json:"duplicate"`
	Running   int32  `json:"running"`
	Completed int64  `json:"completed"`
	Retried   int64  `json:"retried"`
	Failed    int64  `json:"failed"`
	Removed   int64  `json:"removed"`
}

// Depth is the number of jobs per state held by the queue backend.
type Depth struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Queue is an abstract job queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue stores a job of kind with payload under jobID. It returns a
	// *DuplicateJobError while a job with that id exists.
	Enqueue(ctx context.Context, kind string, payload any, jobID string) (*Job, error)

	// Remove deletes a job that has not started. It returns a
	// *JobNotFoundError when no job has that id. A running job finishes.
	Remove(ctx context.Context, jobID string) error

	// Job returns a job by id.
	Job(ctx context.Context, jobID string) (*Job, error)

	// On registers an event handler.
	On(event Event, fn EventHandler)

	// SetHandler sets the function invoked for each job.
	SetHandler(h Handler)

	// Run starts the workers.
	Run()

	// Stats returns process-local counters.
	Stats() Stats

	// Depth returns per-state job counts.
	Depth(ctx context.Context) (Depth, error)

	// Close stops the workers and waits for running jobs.
	Close(ctx context.Context) error
}

// MetricsRecorder receives queue instrumentation.
type MetricsRecorder interface {
	RecordJob(queue, kind, outcome string, duration time.Duration)
	SetQueueDepth(queue, state string, depth float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordJob(string, string, string, time.Duration) {}
func (nopMetrics) SetQueueDepth(string, string, float64)           {}

// Config holds queue configuration.
type Config struct {
	// Name is the queue name.
	Name string

	// KeyPrefix is the Redis key prefix.
	KeyPrefix string

	// Concurrency is the number of worker goroutines.
	Concurrency int

	// RateLimit caps job starts per second (0 = unlimited).
	RateLimit float64

	// MaxAttempts is the number of executions before a job is failed.
	MaxAttempts int

	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// BlockTimeout is the BLMOVE timeout for consuming jobs.
	BlockTimeout time.Duration

	// LeaseTimeout is how long a popped job may go without a lease renewal
	// before it is handed to another worker.
	LeaseTimeout time.Duration

	// PromoteInterval is how often due retries move back to waiting.
	PromoteInterval time.Duration

	// Capacity bounds the in-memory queue buffer.
	Capacity int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		KeyPrefix:       "bernard:queue:",
		Concurrency:     4,
		MaxAttempts:     3,
		BackoffInitial:  2 * time.Second,
		BackoffMax:      time.Minute,
		BlockTimeout:    2 * time.Second,
		LeaseTimeout:    5 * time.Minute,
		PromoteInterval: time.Second,
		Capacity:        1024,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.BackoffMax > 0 && c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff max %s is below backoff initial %s", c.BackoffMax, c.BackoffInitial)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return b, nil
	}
}
