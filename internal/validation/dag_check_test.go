package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

func chainWithDeps(deps map[string][]string) *schema.ChainDefinition {
	def := &schema.ChainDefinition{Name: "g"}
	for id, d := range deps {
		def.Steps = append(def.Steps, schema.StepDefinition{ID: id, Handler: "delay", DependsOn: d})
	}
	return def
}

func TestDAGAcceptsDiamond(t *testing.T) {
	def := chainWithDeps(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAGDetectsCycle(t *testing.T) {
	def := chainWithDeps(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	result := validateDAG(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAGCycleInOneBranch(t *testing.T) {
	def := chainWithDeps(map[string][]string{
		"root": nil,
		"a":    {"b"},
		"b":    {"a"},
	})
	result := validateDAG(def)
	require.False(t, result.Valid())
}

func TestDAGIgnoresUnknownRefs(t *testing.T) {
	// Unknown refs belong to semantic; DAG must not crash on them.
	def := chainWithDeps(map[string][]string{
		"a": {"ghost"},
	})
	result := validateDAG(def)
	assert.True(t, result.Valid())
}
