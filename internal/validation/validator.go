package validation

import "github.com/tessaro/chainkit/pkg/schema"

// Validator checks chain definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.ChainDefinition) error
	ValidateParams(params map[string]any, paramsSchema []byte) error
}

// HandlerLookup reports whether a handler name is registered. The invocable
// registry satisfies it; nil skips handler existence checks.
type HandlerLookup interface {
	Has(name string) bool
}
