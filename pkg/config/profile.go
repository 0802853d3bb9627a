package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the governance profile loaded at startup: the policy rules the
// gateway evaluates and the static agent registry the router selects from.
// The registry is fixed for the life of the process; only routing outcomes
// mutate agent state afterwards.
type Profile struct {
	Policy PolicyProfile  `yaml:"policy" json:"policy"`
	Agents []AgentProfile `yaml:"agents" json:"agents"`
}

// PolicyProfile configures the policy decision function.
type PolicyProfile struct {
	// DeniedKinds are blanket-restricted capability kinds. Blanket
	// restrictions never apply to privileged initiators; those are
	// governed solely by PrivilegedDeniedKinds.
	DeniedKinds []string `yaml:"denied_kinds,omitempty" json:"denied_kinds,omitempty"`

	// PrivilegedDeniedKinds are the privilege-scoped restrictions checked
	// for privileged initiators.
	PrivilegedDeniedKinds []string `yaml:"privileged_denied_kinds,omitempty" json:"privileged_denied_kinds,omitempty"`

	// ApprovalKinds require an explicit approval decision before commit.
	ApprovalKinds []string `yaml:"approval_kinds,omitempty" json:"approval_kinds,omitempty"`

	// PrivilegedInitiators maps initiator identities to the privileged
	// tier without a credential.
	PrivilegedInitiators []string `yaml:"privileged_initiators,omitempty" json:"privileged_initiators,omitempty"`

	// Guards are optional CEL expressions evaluated per capability kind;
	// a guard returning false denies the command.
	Guards map[string]string `yaml:"guards,omitempty" json:"guards,omitempty"`

	// Schemas maps capability kinds to JSON schema documents used to
	// validate command parameters.
	Schemas map[string]string `yaml:"schemas,omitempty" json:"schemas,omitempty"`
}

// AgentProfile declares one capability provider in the static registry.
type AgentProfile struct {
	AgentID      string   `yaml:"agent_id" json:"agent_id"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	MaxLoad      int      `yaml:"max_load,omitempty" json:"max_load,omitempty"`
	RatePerSec   float64  `yaml:"rate_per_sec,omitempty" json:"rate_per_sec,omitempty"`
}

// LoadProfile reads and parses a governance profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	for i, a := range profile.Agents {
		if a.AgentID == "" {
			return nil, fmt.Errorf("profile %q: agent %d missing agent_id", path, i)
		}
		if len(a.Capabilities) == 0 {
			return nil, fmt.Errorf("profile %q: agent %s declares no capabilities", path, a.AgentID)
		}
	}
	return &profile, nil
}
