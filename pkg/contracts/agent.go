package contracts

// AgentHealth is the router's view of an agent's fitness.
type AgentHealth string

const (
	AgentHealthy   AgentHealth = "HEALTHY"
	AgentUnhealthy AgentHealth = "UNHEALTHY"
)

// AgentDescriptor describes one capability provider in the static registry.
// The registry is fixed at startup; only routing outcomes mutate health,
// isolation and load counters.
type AgentDescriptor struct {
	AgentID string `json:"agent_id"`

	// Capabilities lists the command kinds this agent can execute.
	Capabilities []string `json:"capabilities"`

	Health AgentHealth `json:"health"`

	// Isolated excludes the agent from selection until an operator
	// explicitly rehabilitates it.
	Isolated bool `json:"isolated"`

	// Load is the number of in-flight executions on this agent.
	Load int `json:"load"`

	// MaxLoad bounds concurrent executions; 0 means a default applies.
	MaxLoad int `json:"max_load,omitempty"`

	// RatePerSec throttles dispatches to the agent; 0 disables throttling.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// CanServe reports whether the descriptor lists the given command kind.
func (d *AgentDescriptor) CanServe(kind string) bool {
	for _, c := range d.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}
