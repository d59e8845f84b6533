package expressions

import "context"

// Engine evaluates expressions against chain execution data.
// Three implementations: Expr (step guards), CEL (safety policies),
// GoJQ (output projections).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
