package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Invocable is the handler contract for a step. The engine never inspects a
// handler's internals; it assembles the invocation, applies the resilience
// policy around the call, and records the result.
type Invocable interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// NonRetryable is an optional marker for handlers whose calls must never be
// retried (e.g. non-idempotent operations). The resilience policy checks for
// it before scheduling another attempt.
type NonRetryable interface {
	NonRetryable() bool
}

// Invocation is the data provided to a handler at execution time.
type Invocation struct {
	ChainID  string
	StepID   string
	Target   string
	Endpoint string         // live endpoint of the step's bound service, "" if none
	Params   map[string]any // chain-global params overlaid with the step's own, step keys winning
	Deps     map[string]any // results of the step's declared dependencies
	State    StateView      // read-only view of all succeeded step results
}

// Result is the outcome of a handler invocation.
type Result struct {
	Output    any  `json:"output,omitempty"`
	Simulated bool `json:"simulated,omitempty"`
}

// InvocableInfo is a summary of a registered handler for listing.
type InvocableInfo struct {
	Name string `json:"name"`
}

// Registry is a thread-safe lookup of registered handlers by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Invocable
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Invocable)}
}

// Register adds a handler to the registry. Returns error on duplicate name.
func (r *Registry) Register(h Invocable) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Invocable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// Has reports whether a handler is registered under the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []InvocableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]InvocableInfo, 0, len(r.handlers))
	for name := range r.handlers {
		infos = append(infos, InvocableInfo{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
