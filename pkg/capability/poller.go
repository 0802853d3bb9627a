package capability

import (
	"context"
	"time"

	"github.com/cortexops/writegate/pkg/contracts"
)

// JobStatus is one observation of a long-running remote job.
type JobStatus int

const (
	// JobPending means the remote job has not reached a terminal state.
	JobPending JobStatus = iota
	// JobDone means the job finished and Output is valid.
	JobDone
	// JobFailed means the job terminally failed and Err is valid.
	JobFailed
)

// Observation is the typed result of one poll.
type Observation struct {
	Status JobStatus
	Output map[string]any
	Err    error
}

// PollFunc checks the remote job once. Errors from the transport are
// returned as-is and count as a failed observation; a job that is simply
// not done yet reports JobPending.
type PollFunc func(ctx context.Context) (Observation, error)

// PollConfig bounds a polling loop. Both limits apply; whichever trips
// first ends the loop with a timeout.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

// Poll drives a remote job to a terminal observation. It is an explicit
// state machine over a cancellable timer: every wakeup polls once and either
// returns a terminal result, or counts the attempt and rearms. Exceeding
// MaxAttempts or Deadline returns a TIMEOUT error; context cancellation
// propagates the context error.
func Poll(ctx context.Context, cfg PollConfig, poll PollFunc) (map[string]any, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}

	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	timer := time.NewTimer(0) // first poll immediately
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, contracts.NewError(contracts.CodeTimeout, "remote job polling exceeded deadline")
			}
			return nil, ctx.Err()
		case <-timer.C:
		}

		obs, err := poll(ctx)
		if err != nil {
			return nil, contracts.NewError(contracts.CodeExecutorFailure, "poll remote job: %v", err)
		}

		switch obs.Status {
		case JobDone:
			return obs.Output, nil
		case JobFailed:
			if obs.Err != nil {
				return nil, contracts.NewError(contracts.CodeExecutorFailure, "remote job failed: %v", obs.Err)
			}
			return nil, contracts.NewError(contracts.CodeExecutorFailure, "remote job failed")
		}

		if attempt >= cfg.MaxAttempts {
			return nil, contracts.NewError(contracts.CodeTimeout, "remote job still pending after %d attempts", attempt)
		}
		timer.Reset(cfg.Interval)
	}
}
