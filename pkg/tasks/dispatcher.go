package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
	"github.com/bernard/ledger/pkg/queue"
)

// Dispatcher enqueues conversation jobs on a queue. A nil queue disables it.
type Dispatcher struct {
	q   queue.Queue
	log logger.Logger
}

// NewDispatcher creates a Dispatcher on q.
func NewDispatcher(q queue.Queue, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		q:   q,
		log: logger.OrGlobal(log).With("component", "dispatcher"),
	}
}

// Enabled implements ledger.Dispatcher.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.q != nil
}

// EnqueueClose implements ledger.Dispatcher. Jobs are enqueued summary
// first, then flag, then index unless ghost is set. The first failure
// aborts the remaining enqueues.
func (d *Dispatcher) EnqueueClose(ctx context.Context, conversationID string, ghost bool) error {
	if !d.Enabled() {
		return ledger.ErrDispatcherDisabled
	}
	for _, kind := range Kinds {
		if kind == KindIndex && ghost {
			continue
		}
		if err := d.enqueue(ctx, kind, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueIndex implements ledger.Dispatcher.
func (d *Dispatcher) EnqueueIndex(ctx context.Context, conversationID string) error {
	if !d.Enabled() {
		return ledger.ErrDispatcherDisabled
	}
	return d.enqueue(ctx, KindIndex, conversationID)
}

// enqueue adds one job. A job already waiting, delayed or running under the
// same id counts as enqueued; a retained failed job is replaced.
func (d *Dispatcher) enqueue(ctx context.Context, kind Kind, conversationID string) error {
	id := JobID(kind, conversationID)
	payload := Payload{ConversationID: conversationID}

	_, err := d.q.Enqueue(ctx, string(kind), payload, id)
	if err == nil {
		d.log.DebugContext(ctx, "job enqueued", "job_id", id, "kind", string(kind))
		return nil
	}
	if !queue.IsDuplicateJobError(err) {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}

	job, jerr := d.q.Job(ctx, id)
	if queue.IsJobNotFoundError(jerr) {
		// Finished between the two calls.
		_, err = d.q.Enqueue(ctx, string(kind), payload, id)
		if err != nil && !queue.IsDuplicateJobError(err) {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		return nil
	}
	if jerr != nil {
		return fmt.Errorf("inspect %s: %w", id, jerr)
	}
	if job.State != queue.StateFailed {
		d.log.DebugContext(ctx, "job already queued", "job_id", id, "state", string(job.State))
		return nil
	}

	if err := d.q.Remove(ctx, id); err != nil && !queue.IsJobNotFoundError(err) {
		return fmt.Errorf("remove failed job %s: %w", id, err)
	}
	if _, err := d.q.Enqueue(ctx, string(kind), payload, id); err != nil && !queue.IsDuplicateJobError(err) {
		return fmt.Errorf("re-enqueue %s: %w", id, err)
	}
	d.log.InfoContext(ctx, "failed job replaced", "job_id", id)
	return nil
}

// RemoveJobs implements ledger.Dispatcher.
func (d *Dispatcher) RemoveJobs(ctx context.Context, conversationID string) error {
	if !d.Enabled() {
		return nil
	}
	var errs []error
	for _, kind := range Kinds {
		id := JobID(kind, conversationID)
		if err := d.q.Remove(ctx, id); err != nil && !queue.IsJobNotFoundError(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

var _ ledger.Dispatcher = (*Dispatcher)(nil)
