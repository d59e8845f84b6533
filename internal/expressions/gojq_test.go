package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

func TestGoJQSingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".output.status", map[string]any{
		"output": map[string]any{"status": "up"},
	})
	require.NoError(t, err)
	assert.Equal(t, "up", out)
}

func TestGoJQMultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".output.ports[]", map[string]any{
		"output": map[string]any{"ports": []any{22, 80, 443}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{22.0, 80.0, 443.0}, out)
}

func TestGoJQNormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	// Go ints from handler outputs behave as jq numbers.
	out, err := e.Evaluate(context.Background(), ".output.count + 1", map[string]any{
		"output": map[string]any{"count": 41},
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQProject(t *testing.T) {
	e := NewGoJQEngine()

	projected, err := e.Project(context.Background(), map[string]string{
		"open_ports": ".output.scan.ports",
		"host":       ".output.scan.host",
	}, map[string]any{
		"scan": map[string]any{
			"host":  "web01",
			"ports": []any{80.0, 443.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "web01", projected["host"])
	assert.Equal(t, []any{80.0, 443.0}, projected["open_ports"])
}

func TestGoJQProjectEmptyMap(t *testing.T) {
	e := NewGoJQEngine()

	projected, err := e.Project(context.Background(), nil, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Nil(t, projected)
}

func TestGoJQParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[invalid", nil)
	require.Error(t, err)
	var chainErr *schema.ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, schema.ErrCodeValidation, chainErr.Code)
}

func TestGoJQEnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out, "environment access is sandboxed")
}

func TestGoJQNoOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".output.missing | select(. != null)", map[string]any{
		"output": map[string]any{},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}
