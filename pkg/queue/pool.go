package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Handler drives one claimed job. A nil return acks the job; an error
// nacks it, and once the retry budget is spent ExhaustedFunc runs.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedFunc finalizes a job whose retries are spent.
type ExhaustedFunc func(ctx context.Context, job *Job, err error)

// Pool is a fixed set of workers pulling from one queue.
type Pool struct {
	queue     *Queue
	handler   Handler
	exhausted ExhaustedFunc
	workers   int
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool of workers over q.
func NewPool(q *Queue, workers int, handler Handler, exhausted ExhaustedFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:     q,
		handler:   handler,
		exhausted: exhausted,
		workers:   workers,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Start launches the workers. They run until Stop or parent context
// cancellation.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			return
		}

		if handleErr := p.handler(ctx, job); handleErr != nil {
			if p.queue.Nack(job) {
				logger.Debug("job requeued",
					"job_id", job.JobID,
					"execution_id", job.ExecutionID,
					"attempt", job.Attempt,
					"error", handleErr)
				continue
			}
			logger.Warn("job retries exhausted",
				"job_id", job.JobID,
				"execution_id", job.ExecutionID,
				"attempt", job.Attempt,
				"error", handleErr)
			if p.exhausted != nil {
				p.exhausted(ctx, job, handleErr)
			}
			p.queue.Ack(job)
			continue
		}
		p.queue.Ack(job)
	}
}

// Stop cancels the workers and waits for them to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
