package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/tessaro/chainkit/pkg/schema"
)

// PolicyVariables are the top-level variables exposed to safety policy
// expressions:
//   - target:    string — the target host/identifier being operated on
//   - operation: string — the step operation name
//   - step:      map(string, dyn) — step metadata (id, handler, tags, service)
//   - chain:     map(string, dyn) — chain metadata (id, name, mode)
var PolicyVariables = []string{"target", "operation", "step", "chain"}

// CELEngine evaluates safety policy expressions with Google's Common
// Expression Language. Policies decide whether a step may touch its target;
// a sandboxed environment keeps them side-effect free.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env       *cel.Env
	variables []string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine exposing the given variable names, all
// typed dyn. With no names it exposes PolicyVariables.
func NewCELEngine(variables ...string) (*CELEngine, error) {
	if len(variables) == 0 {
		variables = PolicyVariables
	}

	opts := make([]cel.EnvOption, 0, len(variables))
	for _, name := range variables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:       env,
		variables: variables,
		cache:     make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data. Keys must match the declared variables;
// missing ones default to empty maps so policies never hit nil-ref errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty policy expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(e.buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"policy evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates a policy expression expecting a boolean verdict.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	verdict, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"policy %q returned %T, expected bool", expression, out)
	}
	return verdict, nil
}

// getOrCompile returns the cached program for the expression, compiling on
// first use.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"policy program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	// Keep the first compiled program if another goroutine beat us to it.
	if prior, ok := e.cache[expression]; ok {
		prg = prior
	} else {
		e.cache[expression] = prg
	}
	e.mu.Unlock()
	return prg, nil
}

// buildActivation fills missing declared variables with empty maps so a
// policy referencing an absent key fails its check instead of erroring.
func (e *CELEngine) buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(e.variables))
	for _, key := range e.variables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
