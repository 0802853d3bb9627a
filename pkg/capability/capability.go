// Package capability defines the executor-facing contract and the
// kind→handler registry resolved once at startup. Dispatch goes through the
// registry only, so guards added to the routing path cover every capability
// uniformly instead of being repeated at call sites.
package capability

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cortexops/writegate/pkg/contracts"
)

// ErrUnknownKind is returned when no handler is registered for a kind.
var ErrUnknownKind = errors.New("unknown capability kind")

// Capability performs the side effect for one command kind. Implementations
// need no idempotency of their own; the gateway guarantees a single
// invocation per execution id.
type Capability interface {
	Invoke(ctx context.Context, cmd *contracts.Command) (map[string]any, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, cmd *contracts.Command) (map[string]any, error)

func (f Func) Invoke(ctx context.Context, cmd *contracts.Command) (map[string]any, error) {
	return f(ctx, cmd)
}

// Registry maps command kinds to handlers. Registration happens during
// startup wiring; lookups afterwards are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Capability)}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = c
}

// Resolve returns the handler for kind.
func (r *Registry) Resolve(kind string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.handlers[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return c, nil
}

// Kinds returns the registered kinds in stable order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
