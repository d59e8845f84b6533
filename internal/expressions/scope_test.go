package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

func TestGuardScopeBuild(t *testing.T) {
	def := &schema.ChainDefinition{
		ID:     "chain-1",
		Name:   "recon sweep",
		Target: "web01.lab.internal",
		Mode:   schema.ModeParallel,
		Params: map[string]any{"depth": 2},
	}

	env := NewGuardScope(def).
		WithDeps(map[string]any{"scan": map[string]any{"ports": []any{80.0}}}).
		WithState(map[string]any{"session_token": "abc"}).
		Build()

	chain, ok := env["chain"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chain-1", chain["id"])
	assert.Equal(t, "web01.lab.internal", chain["target"])
	assert.Equal(t, "parallel", chain["mode"])

	params, ok := env["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, params["depth"])

	deps, ok := env["deps"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, deps, "scan")

	state, ok := env["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", state["session_token"])
}

func TestGuardScopeIsolatesFromMutation(t *testing.T) {
	deps := map[string]any{
		"scan": map[string]any{"ports": []any{80.0}},
	}
	env := NewGuardScope(nil).WithDeps(deps).Build()

	// Mutating the source after Build must not change the environment.
	deps["scan"].(map[string]any)["ports"] = []any{9999.0}

	scan := env["deps"].(map[string]any)["scan"].(map[string]any)
	assert.Equal(t, []any{80.0}, scan["ports"])
}

func TestGuardScopeNilDefinition(t *testing.T) {
	env := NewGuardScope(nil).Build()

	assert.Equal(t, map[string]any{}, env["deps"])
	assert.Equal(t, map[string]any{}, env["params"])
	assert.Equal(t, map[string]any{}, env["state"])
	assert.Equal(t, map[string]any{}, env["chain"])
}

func TestGuardScopeWorksWithExpr(t *testing.T) {
	def := &schema.ChainDefinition{ID: "c1", Name: "n", Target: "t"}
	env := NewGuardScope(def).
		WithDeps(map[string]any{"probe": map[string]any{"alive": true}}).
		Build()

	e := NewExprEngine()
	ok, err := e.EvaluateBool(t.Context(), "deps.probe.alive", env)
	require.NoError(t, err)
	assert.True(t, ok)
}
