package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/tessaro/chainkit/pkg/schema"
)

// GoJQEngine evaluates jq expressions for step output projection: a step's
// output_map uses jq to extract the values later steps and the shared state
// actually need, instead of forwarding whole payloads.
// Thread-safe: compiled *Code objects are cached and reused.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new jq projection engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// against the data. jq can produce multiple outputs: a single output is
// returned directly, multiple outputs are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}

	results, err := drain(code.RunWithContext(ctx, normalizeForJQ(data)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"jq evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// drain collects every output the query produced, stopping at the first
// error value.
func drain(iter gojq.Iter) ([]any, error) {
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, err
		}
		results = append(results, val)
	}
}

// Project applies an output_map to a step output: each entry maps a key to a
// jq expression evaluated against {"output": output}. Returns the projected
// key/value pairs.
func (e *GoJQEngine) Project(ctx context.Context, outputMap map[string]string, output any) (map[string]any, error) {
	if len(outputMap) == 0 {
		return nil, nil
	}

	data := map[string]any{"output": output}
	projected := make(map[string]any, len(outputMap))
	for key, expression := range outputMap {
		val, err := e.Evaluate(ctx, expression, data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"output_map key %q: %s", key, err.Error()).WithCause(err)
		}
		projected[key] = val
	}
	return projected, nil
}

// compiled returns the cached compiled code for the expression, compiling
// on first use.
func (e *GoJQEngine) compiled(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	code, err := compileJQ(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// A concurrent caller may have compiled the same expression; keep the
	// first one so cached *Code pointers stay stable.
	if prior, ok := e.cache[expression]; ok {
		code = prior
	} else {
		e.cache[expression] = code
	}
	e.mu.Unlock()
	return code, nil
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	// Empty env loader blocks $ENV and env from reading the real process
	// environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// normalizeForJQ converts Go native numbers to float64, matching jq's number
// handling, and recurses into maps and slices.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeForJQ(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeForJQ(inner)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
