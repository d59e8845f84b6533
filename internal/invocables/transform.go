package invocables

import (
	"context"

	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/internal/expressions"
	"github.com/tessaro/chainkit/pkg/schema"
)

// Transform implements the "transform" handler: evaluate a jq expression over
// the step's inputs and return the result. Useful for reshaping upstream
// outputs into the form a later step expects without a dedicated handler.
//
// Params:
//
//	expression — jq expression (required)
//
// The expression runs against {"params": ..., "deps": ..., "state": ...} so it
// can reference literal params, dependency outputs, and shared chain state.
type Transform struct {
	jq *expressions.GoJQEngine
}

// NewTransform creates a transform handler with its own compiled-expression
// cache.
func NewTransform() *Transform {
	return &Transform{jq: expressions.NewGoJQEngine()}
}

func (t *Transform) Name() string { return "transform" }

func (t *Transform) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	expression := stringParam(inv.Params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: missing 'expression' param")
	}

	state := map[string]any{}
	if inv.State != nil {
		for _, key := range inv.State.Keys() {
			if val, ok := inv.State.Get(key); ok {
				state[key] = val
			}
		}
	}

	data := map[string]any{
		"params": inv.Params,
		"deps":   inv.Deps,
		"state":  state,
	}

	val, err := t.jq.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	return &engine.Result{Output: map[string]any{"result": val}}, nil
}
