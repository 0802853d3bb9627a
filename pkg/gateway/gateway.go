// Package gateway is the governance gate every write passes through. It
// owns policy evaluation, approval issuance and consumption, commit
// dispatch, and audit emission. All mutation of shared state funnels
// through here, serialized per execution id; unrelated executions never
// contend on a common lock.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cortexops/writegate/pkg/approval"
	"github.com/cortexops/writegate/pkg/audit"
	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/idempotency"
	"github.com/cortexops/writegate/pkg/initiator"
	"github.com/cortexops/writegate/pkg/observability"
	"github.com/cortexops/writegate/pkg/policy"
	"github.com/cortexops/writegate/pkg/router"
)

// ReasonApprovalRejected is the failure reason for operator rejections.
const ReasonApprovalRejected = "approval_rejected"

// entry tracks one execution. Its mutex serializes every state change for
// that execution id.
type entry struct {
	mu      sync.Mutex
	record  *contracts.ExecutionRecord
	command *contracts.Command
	verdict policy.Verdict
}

// Gateway enforces the write pipeline.
type Gateway struct {
	engine     *policy.Engine
	resolver   *initiator.Resolver
	flags      policy.Flags
	approvals  approval.Store
	trail      audit.Trail
	index      idempotency.Index
	router     *router.Router
	maxRetries int
	logger     *slog.Logger
	tracer     trace.Tracer

	mu         sync.RWMutex
	executions map[string]*entry
	byApproval map[string]string // approval_id → execution_id
	clock      func() time.Time
}

// New wires the gateway. The approval store, audit trail and idempotency
// index must be the single shared instances for the process.
func New(engine *policy.Engine, resolver *initiator.Resolver, flags policy.Flags,
	approvals approval.Store, trail audit.Trail, index idempotency.Index,
	rt *router.Router, maxRetries int, logger *slog.Logger) *Gateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 1 {
		maxRetries = 1
	}
	return &Gateway{
		engine:     engine,
		resolver:   resolver,
		flags:      flags,
		approvals:  approvals,
		trail:      trail,
		index:      index,
		router:     rt,
		maxRetries: maxRetries,
		logger:     logger.With("component", "gateway"),
		tracer:     observability.Tracer(),
		executions: make(map[string]*entry),
		byApproval: make(map[string]string),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// RequestWrite validates and policy-evaluates a command. It returns the
// execution record in state BLOCKED (approval created), RECEIVED (allowed,
// awaiting dispatch) or FAILED (rejected). Malformed commands never enter
// the state machine.
func (g *Gateway) RequestWrite(ctx context.Context, cmd *contracts.Command, credential string) (*contracts.ExecutionRecord, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.request_write")
	defer span.End()

	if err := g.engine.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("execution.id", cmd.ExecutionID),
		attribute.String("command.kind", cmd.Kind),
	)

	e, created := g.entryFor(cmd)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !created {
		// Duplicate submission. Terminal executions replay their stored
		// outcome; in-flight ones report current state unchanged.
		if e.record.State.Terminal() {
			g.append(cmd.ExecutionID, contracts.AuditIdempotentReplay, e.record)
		}
		return cloneRecord(e.record), nil
	}

	g.append(cmd.ExecutionID, contracts.AuditReceived, cmd)

	ictx := g.resolver.Resolve(cmd.Initiator, credential)
	decision := g.engine.Evaluate(ictx, cmd, g.flags)
	g.append(cmd.ExecutionID, contracts.AuditPolicyEval, map[string]any{
		"verdict": string(decision.Verdict),
		"reason":  decision.Reason,
		"tier":    string(ictx.Tier),
	})
	e.verdict = decision.Verdict

	switch decision.Verdict {
	case policy.VerdictRejected:
		g.failLocked(e, contracts.CodePolicyDenied, decision.Reason, contracts.AuditRejected)
		return cloneRecord(e.record), contracts.NewError(contracts.CodePolicyDenied, "%s", decision.Reason)

	case policy.VerdictBlocked:
		a, err := g.approvals.Create(cmd.ExecutionID)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.byApproval[a.ApprovalID] = cmd.ExecutionID
		g.mu.Unlock()

		e.record.ApprovalID = a.ApprovalID
		g.transitionLocked(e, contracts.StateBlocked)
		g.append(cmd.ExecutionID, contracts.AuditApprovalRequired, a)
		return cloneRecord(e.record), nil

	default: // allowed
		return cloneRecord(e.record), nil
	}
}

// CommitWrite performs (or replays) the side effect for an execution. It
// requires an APPROVED record or one that policy allowed outright; the
// idempotency index is consulted before the router so a committed outcome
// is returned unchanged and the capability is never invoked twice.
func (g *Gateway) CommitWrite(ctx context.Context, executionID string) (*contracts.ExecutionRecord, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.commit_write",
		trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer span.End()

	e, err := g.lookup(executionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.State.Terminal() {
		g.append(executionID, contracts.AuditIdempotentReplay, e.record)
		return cloneRecord(e.record), nil
	}

	outcome, ok, idxErr := g.index.Get(executionID)
	if idxErr == nil && ok {
		// Committed by another instance sharing the index: adopt the
		// stored outcome instead of re-invoking the capability.
		g.adoptOutcomeLocked(e, outcome)
		g.append(executionID, contracts.AuditIdempotentReplay, e.record)
		return cloneRecord(e.record), nil
	}

	switch {
	case e.record.State == contracts.StateApproved:
	case e.record.State == contracts.StateReceived && e.verdict == policy.VerdictAllowed:
	case e.record.State == contracts.StateDispatched: // retry attempt
	default:
		return cloneRecord(e.record), contracts.NewError(contracts.CodeApprovalConflict,
			"execution %s not committable in state %s", executionID, e.record.State)
	}

	g.transitionLocked(e, contracts.StateDispatched)
	e.record.AttemptCount++

	var result *contracts.Result
	var execErr error
	if idxErr != nil {
		// An unreadable index means a committed outcome could exist
		// elsewhere; invoking the capability anyway would risk a double
		// apply. The attempt is spent and the retry re-checks the index.
		g.logger.Error("idempotency index read failed",
			"execution_id", executionID, "error", idxErr)
		execErr = contracts.NewError(contracts.CodeExecutorFailure,
			"idempotency index unavailable: %v", idxErr)
	} else {
		result, execErr = g.router.Execute(ctx, e.command)
	}
	if execErr != nil {
		final := e.record.AttemptCount > g.maxRetries
		code := contracts.CodeOf(execErr)
		e.record.Failure = &contracts.Failure{Code: code, Reason: execErr.Error()}
		if final {
			g.failLocked(e, code, execErr.Error(), contracts.AuditFailed)
		} else {
			g.append(executionID, contracts.AuditFailed, map[string]any{
				"code":    string(code),
				"reason":  execErr.Error(),
				"attempt": e.record.AttemptCount,
				"final":   false,
			})
			e.record.UpdatedAt = g.clock().UTC()
		}
		return cloneRecord(e.record), execErr
	}

	e.record.Result = result
	e.record.Failure = nil
	g.transitionLocked(e, contracts.StateCompleted)
	g.putOutcome(e)
	g.append(executionID, contracts.AuditApplied, result)
	return cloneRecord(e.record), nil
}

// DecideApproval applies an operator decision. Exactly one of two
// concurrent decisions succeeds; the loser observes APPROVAL_CONFLICT.
func (g *Gateway) DecideApproval(ctx context.Context, approvalID string, outcome contracts.DecisionOutcome, decidedBy string) (*contracts.ExecutionRecord, error) {
	_, span := g.tracer.Start(ctx, "gateway.decide_approval",
		trace.WithAttributes(attribute.String("approval.id", approvalID)))
	defer span.End()

	a, err := g.approvals.Decide(approvalID, outcome, decidedBy)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			return nil, contracts.NewError(contracts.CodeNotFound, "approval %s not found", approvalID)
		case errors.Is(err, approval.ErrConflict):
			return nil, contracts.NewError(contracts.CodeApprovalConflict, "approval %s already decided", approvalID)
		default:
			return nil, err
		}
	}

	e, err := g.lookup(a.ExecutionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if a.Status == contracts.ApprovalRejected {
		g.failLocked(e, contracts.CodePolicyDenied, ReasonApprovalRejected, contracts.AuditRejected)
		return cloneRecord(e.record), nil
	}

	g.transitionLocked(e, contracts.StateApproved)
	return cloneRecord(e.record), nil
}

// FailExecution forces an execution to terminal FAILED. The queue uses it
// when a job's retry budget is spent without the gateway having reached a
// terminal state itself.
func (g *Gateway) FailExecution(ctx context.Context, executionID string, cause error) (*contracts.ExecutionRecord, error) {
	e, err := g.lookup(executionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.State.Terminal() {
		return cloneRecord(e.record), nil
	}
	code := contracts.CodeOf(cause)
	g.failLocked(e, code, cause.Error(), contracts.AuditFailed)
	return cloneRecord(e.record), nil
}

// GetExecution returns the current record for an execution id.
func (g *Gateway) GetExecution(executionID string) (*contracts.ExecutionRecord, error) {
	e, err := g.lookup(executionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRecord(e.record), nil
}

// PendingApprovals lists all approvals awaiting a decision.
func (g *Gateway) PendingApprovals() ([]*contracts.Approval, error) {
	return g.approvals.ListPending()
}

// Verdict reports the policy verdict recorded for an execution.
func (g *Gateway) Verdict(executionID string) (policy.Verdict, error) {
	e, err := g.lookup(executionID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verdict, nil
}

// --- internals ---

func (g *Gateway) entryFor(cmd *contracts.Command) (*entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.executions[cmd.ExecutionID]; ok {
		return existing, false
	}
	now := g.clock().UTC()
	e := &entry{
		record: &contracts.ExecutionRecord{
			ExecutionID: cmd.ExecutionID,
			State:       contracts.StateReceived,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		command: cmd,
	}
	g.executions[cmd.ExecutionID] = e
	return e, true
}

func (g *Gateway) lookup(executionID string) (*entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.executions[executionID]
	if !ok {
		return nil, contracts.NewError(contracts.CodeNotFound, "execution %s not found", executionID)
	}
	return e, nil
}

// transitionLocked advances the record. Same-state transitions are no-ops;
// anything else must be legal under the one-directional state machine.
func (g *Gateway) transitionLocked(e *entry, to contracts.ExecutionState) {
	if e.record.State == to {
		return
	}
	if !contracts.CanTransition(e.record.State, to) {
		// A broken transition is a programming error in the pipeline, not
		// recoverable caller input.
		g.logger.Error("illegal state transition",
			"execution_id", e.record.ExecutionID,
			"from", e.record.State,
			"to", to)
		return
	}
	e.record.State = to
	e.record.UpdatedAt = g.clock().UTC()
}

func (g *Gateway) failLocked(e *entry, code contracts.ErrorCode, reason string, eventType contracts.AuditEventType) {
	e.record.Failure = &contracts.Failure{Code: code, Reason: reason}
	g.transitionLocked(e, contracts.StateFailed)
	g.putOutcome(e)
	g.append(e.record.ExecutionID, eventType, map[string]any{
		"code":   string(code),
		"reason": reason,
		"final":  true,
	})
}

func (g *Gateway) putOutcome(e *entry) {
	outcome := &idempotency.Outcome{
		ExecutionID: e.record.ExecutionID,
		State:       e.record.State,
		Result:      e.record.Result,
		Failure:     e.record.Failure,
	}
	if err := g.index.Put(e.record.ExecutionID, outcome); err != nil {
		g.logger.Error("idempotency index write failed",
			"execution_id", e.record.ExecutionID, "error", err)
	}
}

func (g *Gateway) adoptOutcomeLocked(e *entry, outcome *idempotency.Outcome) {
	e.record.Result = outcome.Result
	e.record.Failure = outcome.Failure
	if !e.record.State.Terminal() {
		if e.record.State != contracts.StateDispatched && outcome.State == contracts.StateCompleted {
			g.transitionLocked(e, contracts.StateDispatched)
		}
		g.transitionLocked(e, outcome.State)
	}
}

func (g *Gateway) append(executionID string, eventType contracts.AuditEventType, payload any) {
	if _, err := g.trail.Append(executionID, eventType, payload); err != nil {
		g.logger.Error("audit append failed",
			"execution_id", executionID, "event_type", eventType, "error", err)
	}
}

func cloneRecord(r *contracts.ExecutionRecord) *contracts.ExecutionRecord {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	return &cp
}
