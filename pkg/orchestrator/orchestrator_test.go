package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexops/writegate/pkg/approval"
	"github.com/cortexops/writegate/pkg/audit"
	"github.com/cortexops/writegate/pkg/capability"
	"github.com/cortexops/writegate/pkg/config"
	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/gateway"
	"github.com/cortexops/writegate/pkg/idempotency"
	"github.com/cortexops/writegate/pkg/initiator"
	"github.com/cortexops/writegate/pkg/policy"
	"github.com/cortexops/writegate/pkg/queue"
	"github.com/cortexops/writegate/pkg/router"
)

func newOrchestrator(t *testing.T, sync bool, invoked *atomic.Int64) *Orchestrator {
	t.Helper()

	engine, err := policy.NewEngine(config.PolicyProfile{
		DeniedKinds:   []string{"payments.transfer"},
		ApprovalKinds: []string{"notion.create_page"},
	})
	require.NoError(t, err)

	registry := capability.NewRegistry()
	handler := capability.Func(func(ctx context.Context, cmd *contracts.Command) (map[string]any, error) {
		invoked.Add(1)
		return map[string]any{"ok": true}, nil
	})
	registry.Register("notion.create_page", handler)
	registry.Register("docs.read", handler)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := router.New([]config.AgentProfile{
		{AgentID: "a1", Capabilities: []string{"notion.create_page", "docs.read"}},
	}, registry, logger)

	gw := gateway.New(engine, initiator.NewResolver(nil, nil), policy.Flags{},
		approval.NewMemoryStore(), audit.NewMemoryTrail(), idempotency.NewMemoryIndex(),
		rt, 1, logger)

	q := queue.New(16, 1)
	orch := New(gw, q, Options{DispatchSync: sync, Workers: 2}, logger)
	if !sync {
		ctx, cancel := context.WithCancel(context.Background())
		orch.Start(ctx)
		t.Cleanup(func() {
			cancel()
			orch.Stop()
		})
	}
	return orch
}

func submitCommand(executionID, kind string) *contracts.Command {
	return &contracts.Command{
		CommandID:   "c-" + executionID,
		ExecutionID: executionID,
		Kind:        kind,
		Initiator:   "svc",
		Parameters:  map[string]any{"title": "t"},
	}
}

func TestSubmit_AllowedSync(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, true, &invoked)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, rec.State)
	assert.EqualValues(t, 1, invoked.Load())
}

func TestSubmit_AllowedAsync(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, false, &invoked)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateReceived, rec.State)

	require.Eventually(t, func() bool {
		rec, err := orch.GetStatus("e1")
		return err == nil && rec.State == contracts.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, invoked.Load())
}

func TestSubmit_BlockedThenApproved(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, false, &invoked)
	ctx := context.Background()

	rec, err := orch.SubmitExecution(ctx, submitCommand("e1", "notion.create_page"), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateBlocked, rec.State)
	assert.Zero(t, invoked.Load())

	pending, err := orch.PendingApprovals()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = orch.DecideApproval(ctx, pending[0].ApprovalID, contracts.OutcomeApprove, "op-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := orch.GetStatus("e1")
		return err == nil && rec.State == contracts.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, invoked.Load())
}

func TestSubmit_BlockedThenRejected(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, true, &invoked)
	ctx := context.Background()

	rec, err := orch.SubmitExecution(ctx, submitCommand("e1", "notion.create_page"), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateBlocked, rec.State)

	rec, err = orch.DecideApproval(ctx, rec.ApprovalID, contracts.OutcomeReject, "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, gateway.ReasonApprovalRejected, rec.Failure.Reason)
	assert.Zero(t, invoked.Load())
}

func TestSubmit_Denied(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, true, &invoked)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "payments.transfer"), "")
	require.Error(t, err)
	assert.Equal(t, contracts.CodePolicyDenied, contracts.CodeOf(err))
	require.NotNil(t, rec)
	assert.Equal(t, contracts.StateFailed, rec.State)
	assert.Zero(t, invoked.Load())
}

// A full queue must not leave an approved execution dangling non-terminal.
func TestSubmit_QueueFullFinalizes(t *testing.T) {
	var invoked atomic.Int64
	orch := newOrchestrator(t, false, &invoked)
	// Replace the running pool setup with a saturated queue: stop workers
	// first so nothing drains it.
	orch.Stop()

	q := queue.New(1, 0)
	orch.queue = q
	_, err := q.Enqueue("occupant")
	require.NoError(t, err)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.Error(t, err)
	require.NotNil(t, rec)

	rec, err = orch.GetStatus("e1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, contracts.CodeExecutorFailure, rec.Failure.Code)
}

// flakyOrchestrator wires sync dispatch over a capability that fails its
// first failures invocations, with agentIDs controlling how many agents can
// fail over for the retry.
func flakyOrchestrator(t *testing.T, failures int, agentIDs []string, invoked *atomic.Int64) *Orchestrator {
	t.Helper()

	engine, err := policy.NewEngine(config.PolicyProfile{
		ApprovalKinds: []string{"notion.create_page"},
	})
	require.NoError(t, err)

	registry := capability.NewRegistry()
	handler := capability.Func(func(ctx context.Context, cmd *contracts.Command) (map[string]any, error) {
		if invoked.Add(1) <= int64(failures) {
			return nil, errors.New("transient capability failure")
		}
		return map[string]any{"ok": true}, nil
	})
	registry.Register("docs.read", handler)
	registry.Register("notion.create_page", handler)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profiles := make([]config.AgentProfile, len(agentIDs))
	for i, id := range agentIDs {
		profiles[i] = config.AgentProfile{AgentID: id, Capabilities: []string{"docs.read", "notion.create_page"}}
	}
	rt := router.New(profiles, registry, logger)

	gw := gateway.New(engine, initiator.NewResolver(nil, nil), policy.Flags{},
		approval.NewMemoryStore(), audit.NewMemoryTrail(), idempotency.NewMemoryIndex(),
		rt, 1, logger)
	return New(gw, queue.New(16, 1), Options{DispatchSync: true}, logger)
}

// A transient failure on the sync path must not strand the record in
// DISPATCHED: the remaining attempt runs inline and recovers via the
// second agent.
func TestSubmit_SyncTransientFailureRecovers(t *testing.T) {
	var invoked atomic.Int64
	orch := flakyOrchestrator(t, 1, []string{"a1", "a2"}, &invoked)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, rec.State)
	assert.EqualValues(t, 2, invoked.Load())
}

func TestSubmit_SyncFailureSettlesTerminal(t *testing.T) {
	var invoked atomic.Int64
	orch := flakyOrchestrator(t, 10, []string{"a1"}, &invoked)

	rec, err := orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.State.Terminal(), "sync dispatch must settle, got %s", rec.State)

	status, err := orch.GetStatus("e1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, status.State)

	// A resubmit replays the terminal outcome instead of reviving the record.
	rec, err = orch.SubmitExecution(context.Background(), submitCommand("e1", "docs.read"), "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, rec.State)
}

func TestDecideApproval_SyncTransientFailureRecovers(t *testing.T) {
	var invoked atomic.Int64
	orch := flakyOrchestrator(t, 1, []string{"a1", "a2"}, &invoked)
	ctx := context.Background()

	rec, err := orch.SubmitExecution(ctx, submitCommand("e1", "notion.create_page"), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateBlocked, rec.State)

	rec, err = orch.DecideApproval(ctx, rec.ApprovalID, contracts.OutcomeApprove, "op-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, rec.State)
	assert.EqualValues(t, 2, invoked.Load())
}
