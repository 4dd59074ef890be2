package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/bernard/ledger/pkg/logger"
)

// core holds the state shared by queue implementations: handler, events,
// counters, rate limiting and the retry policy.
type core struct {
	config  *Config
	log     logger.Logger
	metrics MetricsRecorder
	limiter *rate.Limiter

	handlerMu sync.RWMutex
	handler   Handler

	eventsMu sync.RWMutex
	events   map[Event][]EventHandler

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued  atomic.Int64
	duplicate atomic.Int64
	running   atomic.Int32
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	removed   atomic.Int64
}

func (c *core) init(config *Config) {
	c.config = config
	c.log = logger.Global().With("component", "queue", "queue", config.Name)
	c.metrics = nopMetrics{}
	c.events = make(map[Event][]EventHandler)
	c.closeCh = make(chan struct{})
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
}

// Name returns the queue name.
func (c *core) Name() string {
	return c.config.Name
}

// SetHandler sets the job handler.
func (c *core) SetHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// SetLogger sets the logger.
func (c *core) SetLogger(l logger.Logger) {
	if l != nil {
		c.log = l.With("component", "queue", "queue", c.config.Name)
	}
}

// SetMetrics sets the metrics recorder.
func (c *core) SetMetrics(m MetricsRecorder) {
	if m != nil {
		c.metrics = m
	}
}

// On registers an event handler.
func (c *core) On(event Event, fn EventHandler) {
	c.eventsMu.Lock()
	c.events[event] = append(c.events[event], fn)
	c.eventsMu.Unlock()
}

// Stats returns process-local counters.
func (c *core) Stats() Stats {
	return Stats{
		Name:      c.config.Name,
		Enqueued:  c.enqueued.Load(),
		Duplicate: c.duplicate.Load(),
		Running:   c.running.Load(),
		Completed: c.completed.Load(),
		Retried:   c.retried.Load(),
		Failed:    c.failed.Load(),
		Removed:   c.removed.Load(),
	}
}

// IsClosed returns true if the queue is closed.
func (c *core) IsClosed() bool {
	return c.closed.Load()
}

func (c *core) emit(event Event, job *Job, err error) {
	c.eventsMu.RLock()
	handlers := append([]EventHandler(nil), c.events[event]...)
	c.eventsMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("event handler panic", "event", string(event), "job_id", job.ID, "panic", r)
				}
			}()
			fn(event, job, err)
		}()
	}
}

// wait blocks until the rate limiter admits a job or the queue closes.
func (c *core) wait() bool {
	if c.limiter == nil {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return c.limiter.Wait(ctx) == nil
}

// execute runs the handler for job, converting panics to errors.
func (c *core) execute(ctx context.Context, job *Job) (err error) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		return fmt.Errorf("no handler registered for queue %s", c.config.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("job handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}

// retryDelay is the backoff before execution attempt+1, where attempt is
// the number of executions so far.
func (c *core) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.config.BackoffMax,
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// settle records the outcome of an execution and returns the job's next
// state: removed on success, delayed while attempts remain, otherwise failed.
func (c *core) settle(job *Job, runErr error, took time.Duration) (next State, delay time.Duration) {
	job.UpdatedAt = time.Now().UTC()
	if runErr == nil {
		c.completed.Add(1)
		c.metrics.RecordJob(c.config.Name, job.Kind, "completed", took)
		return "", 0
	}

	job.LastError = runErr.Error()
	if job.Attempts < job.MaxAttempts {
		c.retried.Add(1)
		c.metrics.RecordJob(c.config.Name, job.Kind, "retrying", took)
		job.State = StateDelayed
		return StateDelayed, c.retryDelay(job.Attempts)
	}

	c.failed.Add(1)
	c.metrics.RecordJob(c.config.Name, job.Kind, "failed", took)
	job.State = StateFailed
	return StateFailed, 0
}

func (c *core) notify(job *Job, next State, runErr error, delay time.Duration) {
	switch next {
	case "":
		c.log.Debug("job completed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		c.emit(EventCompleted, job, nil)
	case StateDelayed:
		c.log.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "delay", delay, "error", runErr)
		c.emit(EventRetrying, job, runErr)
	case StateFailed:
		c.log.Error("job failed permanently", "job_id", job.ID, "kind", job.Kind,
			"attempts", job.Attempts, "error", runErr)
		c.emit(EventFailed, job, runErr)
	}
}

func (c *core) shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
