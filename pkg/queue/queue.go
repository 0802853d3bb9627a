// Package queue buffers execution jobs between the request surface and the
// worker pool. Retry is bounded by construction: a job carries its attempt
// count, and a nack past the limit is refused rather than requeued, so no
// requeue loop can exist.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when the bounded queue rejects an enqueue.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Job is one unit of work: drive an execution through commit.
type Job struct {
	JobID       string
	ExecutionID string
	// Attempt is 1 on first claim and increments on each retry.
	Attempt    int
	EnqueuedAt time.Time
}

// Queue is a bounded in-memory job queue.
type Queue struct {
	jobs       chan *Job
	maxRetries int
	done       chan struct{}
}

// New creates a queue holding at most depth jobs, allowing maxRetries
// (0 or 1) re-deliveries per job.
func New(depth, maxRetries int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 1 {
		maxRetries = 1
	}
	return &Queue{
		jobs:       make(chan *Job, depth),
		maxRetries: maxRetries,
		done:       make(chan struct{}),
	}
}

// Enqueue adds a job for the execution. A full queue is backpressure, not a
// wait: the caller gets ErrQueueFull synchronously.
func (q *Queue) Enqueue(executionID string) (string, error) {
	job := &Job{
		JobID:       uuid.New().String(),
		ExecutionID: executionID,
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
	select {
	case <-q.done:
		return "", ErrQueueClosed
	case q.jobs <- job:
		return job.JobID, nil
	default:
		return "", ErrQueueFull
	}
}

// Claim blocks until a job is available or the context ends.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	case job := <-q.jobs:
		return job, nil
	}
}

// Ack marks the job done. Nothing to do for the in-memory queue; the job
// was removed at claim time.
func (q *Queue) Ack(*Job) {}

// Nack returns the job for one more delivery if its attempt budget allows.
// It reports whether the job was requeued; false means the caller must
// drive the execution to a terminal state itself.
func (q *Queue) Nack(job *Job) bool {
	if job.Attempt > q.maxRetries {
		return false
	}
	retry := &Job{
		JobID:       job.JobID,
		ExecutionID: job.ExecutionID,
		Attempt:     job.Attempt + 1,
		EnqueuedAt:  job.EnqueuedAt,
	}
	select {
	case <-q.done:
		return false
	case q.jobs <- retry:
		return true
	default:
		// Queue full: refusing to block here keeps nack non-blocking;
		// the job terminates instead of waiting for capacity.
		return false
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Close stops the queue. Pending jobs are dropped; callers observe
// ErrQueueClosed.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
