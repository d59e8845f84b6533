package secrets

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

func interpolationVault(t *testing.T) *AESVault {
	t.Helper()
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "API_TOKEN", []byte("sk-12345")))
	require.NoError(t, v.Store(ctx, "DB_PASS", []byte("hunter2")))
	return v
}

func TestInterpolateStepParams(t *testing.T) {
	v := interpolationVault(t)

	def := &schema.ChainDefinition{
		Name: "exploit delivery",
		Steps: []schema.StepDefinition{
			{
				ID:      "deliver",
				Handler: "http.probe",
				Params: json.RawMessage(`{
					"url": "https://target/login",
					"headers": {"Authorization": "Bearer ${{secrets.API_TOKEN}}"},
					"body_values": ["${{secrets.DB_PASS}}", "literal"]
				}`),
			},
		},
	}

	require.NoError(t, Interpolate(context.Background(), v, def))

	var params map[string]any
	require.NoError(t, json.Unmarshal(def.Steps[0].Params, &params))
	headers := params["headers"].(map[string]any)
	assert.Equal(t, "Bearer sk-12345", headers["Authorization"])
	values := params["body_values"].([]any)
	assert.Equal(t, "hunter2", values[0])
	assert.Equal(t, "literal", values[1])
}

func TestInterpolateChainParams(t *testing.T) {
	v := interpolationVault(t)

	def := &schema.ChainDefinition{
		Name:   "sweep",
		Params: map[string]any{"token": "${{ secrets.API_TOKEN }}", "depth": 3},
	}

	require.NoError(t, Interpolate(context.Background(), v, def))
	assert.Equal(t, "sk-12345", def.Params["token"])
	assert.Equal(t, 3, def.Params["depth"])
}

func TestInterpolateUnknownKeyFails(t *testing.T) {
	v := interpolationVault(t)

	def := &schema.ChainDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Params: json.RawMessage(`{"key": "${{secrets.MISSING}}"}`)},
		},
	}

	err := Interpolate(context.Background(), v, def)
	require.Error(t, err)
	chainErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeVault, chainErr.Code)
	assert.Equal(t, "s1", chainErr.StepID)
}

func TestInterpolateNilVaultNoop(t *testing.T) {
	def := &schema.ChainDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Params: json.RawMessage(`{"key": "${{secrets.ANY}}"}`)},
		},
	}
	require.NoError(t, Interpolate(context.Background(), nil, def))
	assert.JSONEq(t, `{"key": "${{secrets.ANY}}"}`, string(def.Steps[0].Params))
}

func TestInterpolateLeavesPlainStrings(t *testing.T) {
	v := interpolationVault(t)
	def := &schema.ChainDefinition{
		Steps: []schema.StepDefinition{
			{ID: "s1", Params: json.RawMessage(`{"cmd": "echo $HOME {{not a ref}}"}`)},
		},
	}
	require.NoError(t, Interpolate(context.Background(), v, def))
	assert.JSONEq(t, `{"cmd": "echo $HOME {{not a ref}}"}`, string(def.Steps[0].Params))
}
