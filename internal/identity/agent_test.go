package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

// agentStore implements just the agent slice of store.Store; everything else
// panics through the embedded nil interface.
type agentStore struct {
	store.Store
	agents map[string]*store.Agent
	seen   map[string]int
}

func newAgentStore() *agentStore {
	return &agentStore{
		agents: make(map[string]*store.Agent),
		seen:   make(map[string]int),
	}
}

func (m *agentStore) RegisterAgent(_ context.Context, a *store.Agent) error {
	if _, ok := m.agents[a.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already exists", a.ID)
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *agentStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m *agentStore) UpdateAgentSeen(_ context.Context, id string) error {
	if _, ok := m.agents[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", id)
	}
	m.seen[id]++
	return nil
}

func TestValidateAgentType(t *testing.T) {
	for _, typ := range []AgentType{AgentTypeLLM, AgentTypeSystem, AgentTypeHuman, AgentTypeService} {
		assert.NoError(t, ValidateAgentType(typ), "type %q", typ)
	}
	for _, typ := range []AgentType{"robot", "", "LLM"} {
		err := ValidateAgentType(typ)
		require.Error(t, err, "type %q", typ)
		var chainErr *schema.ChainError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, schema.ErrCodeValidation, chainErr.Code)
	}
}

func TestValidateAgent(t *testing.T) {
	tests := []struct {
		name    string
		agent   store.Agent
		wantErr string
	}{
		{"missing id", store.Agent{Name: "n", Type: "llm"}, "id"},
		{"missing name", store.Agent{ID: "x", Type: "llm"}, "name"},
		{"unknown type", store.Agent{ID: "x", Name: "n", Type: "golem"}, "type"},
		{"valid", store.Agent{ID: "x", Name: "n", Type: "service"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgent(&tt.agent)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnsureRegisteredInsertsUnknownAgent(t *testing.T) {
	s := newAgentStore()

	agent, err := EnsureRegistered(context.Background(), s, "agent-1", "Agent One", AgentTypeLLM, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, "Agent One", agent.Name)
	assert.Equal(t, string(AgentTypeLLM), agent.Type)
}

func TestEnsureRegisteredKeepsExistingRecord(t *testing.T) {
	s := newAgentStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, &store.Agent{
		ID: "agent-1", Name: "Agent One", Type: "system",
	}))

	agent, err := EnsureRegistered(ctx, s, "agent-1", "Imposter", AgentTypeLLM, nil)
	require.NoError(t, err)
	assert.Equal(t, "Agent One", agent.Name, "stored record must win")
	assert.Equal(t, "system", agent.Type)
	assert.Equal(t, 1, s.seen["agent-1"], "revisit bumps last seen")
}

func TestEnsureRegisteredStoresMetadata(t *testing.T) {
	s := newAgentStore()

	meta := json.RawMessage(`{"model":"claude-4"}`)
	agent, err := EnsureRegistered(context.Background(), s, "agent-2", "Bot", AgentTypeLLM, meta)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"claude-4"}`, string(agent.Metadata))
}

func TestEnsureRegisteredRejectsInvalid(t *testing.T) {
	s := newAgentStore()
	ctx := context.Background()

	_, err := EnsureRegistered(ctx, s, "agent-1", "Bot", "robot", nil)
	require.Error(t, err)
	var chainErr *schema.ChainError
	require.True(t, errors.As(err, &chainErr))
	assert.Equal(t, schema.ErrCodeValidation, chainErr.Code)

	_, err = EnsureRegistered(ctx, s, "", "Bot", AgentTypeLLM, nil)
	require.Error(t, err)
	assert.Empty(t, s.agents)
}
