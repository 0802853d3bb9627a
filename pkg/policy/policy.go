// Package policy implements the pure decision function of the write
// mediator: (InitiatorContext, Command, Flags) -> Decision. The engine holds
// only immutable, startup-compiled state so that Evaluate is deterministic
// and unit-testable.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cortexops/writegate/pkg/config"
	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/initiator"
)

// Verdict is the outcome class of one policy evaluation.
type Verdict string

const (
	VerdictAllowed  Verdict = "ALLOWED"
	VerdictBlocked  Verdict = "BLOCKED"
	VerdictRejected Verdict = "REJECTED"
)

// Decision is the result of evaluating one command.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Flags are the process-wide switches policy consults.
type Flags struct {
	// SafeMode requires approval for every non-read-only command.
	SafeMode bool
}

// Engine evaluates commands against the governance profile. All rule state
// is compiled at construction and never mutated.
type Engine struct {
	deniedKinds     map[string]bool
	privDeniedKinds map[string]bool
	approvalKinds   map[string]bool
	guards          map[string]cel.Program
	schemas         map[string]*jsonschema.Schema
}

// NewEngine compiles the profile's policy rules. Guard expressions and
// parameter schemas that fail to compile are startup errors, not per-request
// errors.
func NewEngine(profile config.PolicyProfile) (*Engine, error) {
	e := &Engine{
		deniedKinds:     toSet(profile.DeniedKinds),
		privDeniedKinds: toSet(profile.PrivilegedDeniedKinds),
		approvalKinds:   toSet(profile.ApprovalKinds),
		guards:          make(map[string]cel.Program),
		schemas:         make(map[string]*jsonschema.Schema),
	}

	if len(profile.Guards) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("kind", cel.StringType),
			cel.Variable("initiator", cel.StringType),
			cel.Variable("read_only", cel.BoolType),
			cel.Variable("params", cel.DynType),
		)
		if err != nil {
			return nil, fmt.Errorf("create guard environment: %w", err)
		}
		for kind, expr := range profile.Guards {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("compile guard for %s: %w", kind, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("build guard program for %s: %w", kind, err)
			}
			e.guards[kind] = prg
		}
	}

	for kind, schema := range profile.Schemas {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(kind+".json", strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", kind, err)
		}
		compiled, err := compiler.Compile(kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		e.schemas[kind] = compiled
	}

	return e, nil
}

// ValidateCommand rejects malformed commands before they enter the state
// machine. A command with a registered parameter schema must satisfy it.
func (e *Engine) ValidateCommand(cmd *contracts.Command) error {
	if cmd == nil {
		return contracts.NewError(contracts.CodeInvalidCommand, "nil command")
	}
	if cmd.ExecutionID == "" {
		return contracts.NewError(contracts.CodeInvalidCommand, "missing execution_id")
	}
	if cmd.Kind == "" {
		return contracts.NewError(contracts.CodeInvalidCommand, "missing kind")
	}
	if cmd.Initiator == "" {
		return contracts.NewError(contracts.CodeInvalidCommand, "missing initiator")
	}

	if schema, ok := e.schemas[cmd.Kind]; ok {
		params := map[string]any{}
		if cmd.Parameters != nil {
			params = cmd.Parameters
		}
		if err := schema.Validate(params); err != nil {
			return contracts.NewError(contracts.CodeInvalidCommand, "parameters for %s: %v", cmd.Kind, err)
		}
	}
	return nil
}

// Evaluate applies the canonical check ordering:
//
//  1. privilege tier is already resolved (ictx);
//  2. privileged initiators see only privilege-scoped restrictions and
//     skip blanket restrictions entirely;
//  3. everyone else gets blanket restrictions, then the capability guard,
//     then the approval requirement.
//
// Reordering 2 and 3 once caused a global restriction to deny privileged
// callers it was never meant to cover; the order here is load-bearing.
func (e *Engine) Evaluate(ictx initiator.Context, cmd *contracts.Command, flags Flags) Decision {
	if ictx.Privileged() {
		if e.privDeniedKinds[cmd.Kind] {
			return Decision{Verdict: VerdictRejected, Reason: fmt.Sprintf("capability %s denied for privileged tier", cmd.Kind)}
		}
		return Decision{Verdict: VerdictAllowed}
	}

	if e.deniedKinds[cmd.Kind] {
		return Decision{Verdict: VerdictRejected, Reason: fmt.Sprintf("capability %s denied by policy", cmd.Kind)}
	}

	if prg, ok := e.guards[cmd.Kind]; ok {
		allowed, err := evalGuard(prg, ictx, cmd)
		if err != nil {
			// Fail closed on guard errors.
			return Decision{Verdict: VerdictRejected, Reason: fmt.Sprintf("guard error for %s: %v", cmd.Kind, err)}
		}
		if !allowed {
			return Decision{Verdict: VerdictRejected, Reason: fmt.Sprintf("guard denied %s", cmd.Kind)}
		}
	}

	if cmd.ReadOnly {
		return Decision{Verdict: VerdictAllowed}
	}
	if flags.SafeMode {
		return Decision{Verdict: VerdictBlocked, Reason: "safe mode requires approval"}
	}
	if e.approvalKinds[cmd.Kind] {
		return Decision{Verdict: VerdictBlocked, Reason: fmt.Sprintf("capability %s requires approval", cmd.Kind)}
	}
	return Decision{Verdict: VerdictAllowed}
}

func evalGuard(prg cel.Program, ictx initiator.Context, cmd *contracts.Command) (bool, error) {
	params := map[string]any{}
	if cmd.Parameters != nil {
		params = cmd.Parameters
	}
	out, _, err := prg.Eval(map[string]any{
		"kind":      cmd.Kind,
		"initiator": ictx.Initiator,
		"read_only": cmd.ReadOnly,
		"params":    params,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not evaluate to bool")
	}
	return allowed, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
