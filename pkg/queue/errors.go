package queue

import (
	"errors"
	"fmt"
)

// DuplicateJobError is returned when a job id is already present.
type DuplicateJobError struct {
	Queue string
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already exists in queue %s", e.JobID, e.Queue)
}

// JobNotFoundError is returned when a job id is unknown.
type JobNotFoundError struct {
	Queue string
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %s not found in queue %s", e.JobID, e.Queue)
}

// QueueClosedError is returned when enqueueing to a closed queue.
type QueueClosedError struct {
	Queue string
}

func (e *QueueClosedError) Error() string {
	return fmt.Sprintf("queue %s is closed", e.Queue)
}

// IsDuplicateJobError returns true if err is or wraps a DuplicateJobError.
func IsDuplicateJobError(err error) bool {
	var target *DuplicateJobError
	return errors.As(err, &target)
}

// IsJobNotFoundError returns true if err is or wraps a JobNotFoundError.
func IsJobNotFoundError(err error) bool {
	var target *JobNotFoundError
	return errors.As(err, &target)
}

// IsQueueClosedError returns true if err is or wraps a QueueClosedError.
func IsQueueClosedError(err error) bool {
	var target *QueueClosedError
	return errors.As(err, &target)
}
