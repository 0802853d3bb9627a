// Package orchestrator coordinates the gateway, queue and worker pool. It
// owns no policy: every decision about a command is the gateway's. Its one
// promise is that an accepted command ends in a terminal state or stays
// observably BLOCKED; nothing is silently dropped.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/gateway"
	"github.com/cortexops/writegate/pkg/queue"
)

// Options configures dispatch behavior.
type Options struct {
	// DispatchSync commits allowed commands inline with SubmitExecution
	// instead of through the worker pool.
	DispatchSync bool
	Workers      int
}

// Orchestrator is the top-level coordinator exposed to the request surface.
type Orchestrator struct {
	gw     *gateway.Gateway
	queue  *queue.Queue
	pool   *queue.Pool
	opts   Options
	logger *slog.Logger
}

// New builds an orchestrator over the shared gateway and queue.
func New(gw *gateway.Gateway, q *queue.Queue, opts Options, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		gw:     gw,
		queue:  q,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
	}
	o.pool = queue.NewPool(q, opts.Workers, o.handleJob, o.finalizeJob, logger)
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.pool.Start(ctx)
}

// Stop drains the workers and closes the queue.
func (o *Orchestrator) Stop() {
	o.pool.Stop()
	o.queue.Close()
}

// SubmitExecution runs a command through the gate. The returned record is
// BLOCKED (await a decision), FAILED (rejected), or on the dispatch path
// (queued, or already terminal when DispatchSync is set).
func (o *Orchestrator) SubmitExecution(ctx context.Context, cmd *contracts.Command, credential string) (*contracts.ExecutionRecord, error) {
	rec, err := o.gw.RequestWrite(ctx, cmd, credential)
	if err != nil {
		return rec, err
	}
	if rec.State != contracts.StateReceived {
		// BLOCKED awaits an operator; terminal states are already final.
		return rec, nil
	}

	if o.opts.DispatchSync {
		return o.commitSync(ctx, cmd.ExecutionID)
	}
	return rec, o.enqueue(ctx, cmd.ExecutionID)
}

// DecideApproval forwards the operator decision and, on approval, hands the
// execution to the workers.
func (o *Orchestrator) DecideApproval(ctx context.Context, approvalID string, outcome contracts.DecisionOutcome, decidedBy string) (*contracts.ExecutionRecord, error) {
	rec, err := o.gw.DecideApproval(ctx, approvalID, outcome, decidedBy)
	if err != nil {
		return nil, err
	}
	if rec.State != contracts.StateApproved {
		return rec, nil
	}

	if o.opts.DispatchSync {
		return o.commitSync(ctx, rec.ExecutionID)
	}
	return rec, o.enqueue(ctx, rec.ExecutionID)
}

// commitSync drives a synchronous commit to a settled record. A failed
// attempt that leaves the record DISPATCHED still has retry budget, and with
// no worker pool behind the sync path nothing else would ever spend it; the
// loop terminates because every such attempt increments the gateway's
// attempt count until it turns terminal.
func (o *Orchestrator) commitSync(ctx context.Context, executionID string) (*contracts.ExecutionRecord, error) {
	for {
		rec, err := o.gw.CommitWrite(ctx, executionID)
		if err == nil || rec == nil || rec.State != contracts.StateDispatched {
			return rec, err
		}
		o.logger.Warn("retrying failed sync commit",
			"execution_id", executionID, "error", err)
	}
}

// GetStatus returns the current execution record.
func (o *Orchestrator) GetStatus(executionID string) (*contracts.ExecutionRecord, error) {
	return o.gw.GetExecution(executionID)
}

// PendingApprovals lists approvals awaiting a decision.
func (o *Orchestrator) PendingApprovals() ([]*contracts.Approval, error) {
	return o.gw.PendingApprovals()
}

func (o *Orchestrator) enqueue(ctx context.Context, executionID string) error {
	if _, err := o.queue.Enqueue(executionID); err != nil {
		// The record must not dangle in a non-terminal state when the
		// queue refuses it.
		if _, failErr := o.gw.FailExecution(ctx, executionID,
			contracts.NewError(contracts.CodeExecutorFailure, "queue rejected execution: %v", err)); failErr != nil {
			o.logger.Error("failed to finalize unqueued execution",
				"execution_id", executionID, "error", failErr)
		}
		return err
	}
	return nil
}

// handleJob drives one claimed job. Terminal records ack regardless of the
// commit error: a terminal FAILED is a finished job, not a retryable one.
func (o *Orchestrator) handleJob(ctx context.Context, job *queue.Job) error {
	rec, err := o.gw.CommitWrite(ctx, job.ExecutionID)
	if rec != nil && rec.State.Terminal() {
		return nil
	}
	return err
}

// finalizeJob runs when a job's retry budget is spent with the execution
// still non-terminal.
func (o *Orchestrator) finalizeJob(ctx context.Context, job *queue.Job, cause error) {
	if _, err := o.gw.FailExecution(ctx, job.ExecutionID, cause); err != nil {
		o.logger.Error("failed to finalize exhausted job",
			"job_id", job.JobID, "execution_id", job.ExecutionID, "error", err)
	}
}
