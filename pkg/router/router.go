// Package router selects and invokes capability providers. Selection is
// deterministic over a static registry; execution applies load slots, rate
// limits, health tracking and failure isolation per agent, so one failing
// provider never drags down the rest of the fleet.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/cortexops/writegate/pkg/capability"
	"github.com/cortexops/writegate/pkg/config"
	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/observability"
)

const defaultMaxLoad = 4

// agentState pairs the public descriptor with its limiter.
type agentState struct {
	desc    *contracts.AgentDescriptor
	limiter *rate.Limiter // nil when unthrottled
}

// Router routes commands to agents.
type Router struct {
	mu       sync.Mutex
	agents   []*agentState // stable registry order
	byID     map[string]*agentState
	registry *capability.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New builds a router over the static agent registry from the governance
// profile. Registry order is preserved; it is the selection tiebreaker.
func New(profiles []config.AgentProfile, registry *capability.Registry, logger *slog.Logger) *Router {
	r := &Router{
		byID:     make(map[string]*agentState, len(profiles)),
		registry: registry,
		logger:   logger.With("component", "router"),
		tracer:   observability.Tracer(),
	}
	for _, p := range profiles {
		maxLoad := p.MaxLoad
		if maxLoad <= 0 {
			maxLoad = defaultMaxLoad
		}
		st := &agentState{
			desc: &contracts.AgentDescriptor{
				AgentID:      p.AgentID,
				Capabilities: append([]string(nil), p.Capabilities...),
				Health:       contracts.AgentHealthy,
				MaxLoad:      maxLoad,
				RatePerSec:   p.RatePerSec,
			},
		}
		if p.RatePerSec > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(p.RatePerSec), 1)
		}
		r.agents = append(r.agents, st)
		r.byID[p.AgentID] = st
	}
	return r
}

// Select returns the first eligible agent for kind in registry order, or
// nil when none qualifies. Eligible means: capability match, not isolated,
// healthy, below its load limit, and not rate limited right now.
func (r *Router) Select(kind string) *contracts.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.selectLocked(kind)
	if st == nil {
		return nil
	}
	return snapshot(st.desc)
}

func (r *Router) selectLocked(kind string) *agentState {
	for _, st := range r.agents {
		d := st.desc
		if !d.CanServe(kind) || d.Isolated || d.Health != contracts.AgentHealthy {
			continue
		}
		if d.Load >= d.MaxLoad {
			continue
		}
		if st.limiter != nil && st.limiter.Tokens() < 1 {
			continue
		}
		return st
	}
	return nil
}

// Execute routes the command to an agent and invokes its capability.
// A load slot is reserved before invocation and released on every exit
// path. Failure isolates the agent until Rehabilitate.
func (r *Router) Execute(ctx context.Context, cmd *contracts.Command) (*contracts.Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.execute",
		trace.WithAttributes(
			attribute.String("command.kind", cmd.Kind),
			attribute.String("execution.id", cmd.ExecutionID),
		))
	defer span.End()

	handler, err := r.registry.Resolve(cmd.Kind)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeNoAvailableAgent, "no capability registered for kind %s", cmd.Kind)
	}

	r.mu.Lock()
	st := r.selectLocked(cmd.Kind)
	if st == nil {
		r.mu.Unlock()
		return nil, contracts.NewError(contracts.CodeNoAvailableAgent, "no eligible agent for kind %s", cmd.Kind)
	}
	st.desc.Load++
	if st.limiter != nil {
		st.limiter.Allow() // consume the token the selection saw
	}
	agentID := st.desc.AgentID
	r.mu.Unlock()

	span.SetAttributes(attribute.String("agent.id", agentID))
	defer r.release(st)

	output, err := handler.Invoke(ctx, cmd)
	if err != nil {
		r.recordFailure(st, cmd, err)
		if _, ok := contracts.AsError(err); ok {
			return nil, err
		}
		return nil, contracts.NewError(contracts.CodeExecutorFailure, "agent %s: %v", agentID, err)
	}

	r.recordSuccess(st)
	return &contracts.Result{
		ExecutionID: cmd.ExecutionID,
		AgentID:     agentID,
		Output:      output,
		CompletedAt: time.Now().UTC(),
	}, nil
}

func (r *Router) release(st *agentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.desc.Load > 0 {
		st.desc.Load--
	}
}

func (r *Router) recordSuccess(st *agentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.desc.Health = contracts.AgentHealthy
	st.desc.Successes++
}

// recordFailure isolates the agent: it stays out of selection until an
// operator rehabilitates it.
func (r *Router) recordFailure(st *agentState, cmd *contracts.Command, err error) {
	r.mu.Lock()
	st.desc.Health = contracts.AgentUnhealthy
	st.desc.Isolated = true
	st.desc.Failures++
	agentID := st.desc.AgentID
	r.mu.Unlock()

	r.logger.Warn("agent isolated after execution failure",
		"agent_id", agentID,
		"kind", cmd.Kind,
		"execution_id", cmd.ExecutionID,
		"error", err)
}

// Rehabilitate returns an isolated agent to rotation.
func (r *Router) Rehabilitate(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byID[agentID]
	if !ok {
		return false
	}
	st.desc.Isolated = false
	st.desc.Health = contracts.AgentHealthy
	r.logger.Info("agent rehabilitated", "agent_id", agentID)
	return true
}

// Agents returns a snapshot of every descriptor in registry order.
func (r *Router) Agents() []*contracts.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*contracts.AgentDescriptor, len(r.agents))
	for i, st := range r.agents {
		out[i] = snapshot(st.desc)
	}
	return out
}

func snapshot(d *contracts.AgentDescriptor) *contracts.AgentDescriptor {
	cp := *d
	cp.Capabilities = append([]string(nil), d.Capabilities...)
	return &cp
}
