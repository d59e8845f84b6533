package expressions

import (
	"encoding/json"

	"github.com/tessaro/chainkit/pkg/schema"
)

// GuardScope assembles the variable environment a step guard evaluates in.
// Guards see four top-level namespaces:
//   - deps:   map of dependency step ID -> output
//   - params: chain-level parameters
//   - state:  snapshot of the chain's shared state
//   - chain:  chain metadata (id, name, target, mode)
//
// Everything is deep-copied on Build so a guard expression can never observe
// mutation from concurrently finishing siblings.
type GuardScope struct {
	deps   map[string]any
	params map[string]any
	state  map[string]any
	chain  map[string]any
}

// NewGuardScope creates a scope for the given chain definition.
func NewGuardScope(def *schema.ChainDefinition) *GuardScope {
	gs := &GuardScope{
		deps:   make(map[string]any),
		params: make(map[string]any),
	}
	if def != nil {
		gs.params = decodeParams(def.Params)
		gs.chain = map[string]any{
			"id":     def.ID,
			"name":   def.Name,
			"target": def.Target,
			"mode":   string(def.Mode),
		}
	}
	return gs
}

// WithDeps sets the dependency outputs visible to the guard.
func (gs *GuardScope) WithDeps(deps map[string]any) *GuardScope {
	gs.deps = deps
	return gs
}

// WithState sets the shared state snapshot visible to the guard.
func (gs *GuardScope) WithState(state map[string]any) *GuardScope {
	gs.state = state
	return gs
}

// Build returns the evaluation environment. All values are deep-copied.
func (gs *GuardScope) Build() map[string]any {
	return map[string]any{
		"deps":   deepCopyMap(gs.deps),
		"params": deepCopyMap(gs.params),
		"state":  deepCopyMap(gs.state),
		"chain":  deepCopyMap(gs.chain),
	}
}

func decodeParams(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	return deepCopyMap(raw)
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; primitives are value
// types and pass through.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
