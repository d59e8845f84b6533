// Package identity tracks the caller identities behind runs. Every agent that
// drives the MCP surface is registered once and touched on subsequent calls,
// so audit records and run history can be attributed.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

// AgentType classifies who is driving a run.
type AgentType string

const (
	AgentTypeLLM     AgentType = "llm"
	AgentTypeSystem  AgentType = "system"
	AgentTypeHuman   AgentType = "human"
	AgentTypeService AgentType = "service"
)

var agentTypes = []AgentType{AgentTypeLLM, AgentTypeSystem, AgentTypeHuman, AgentTypeService}

// ValidateAgentType rejects anything outside the known agent types.
func ValidateAgentType(typ AgentType) error {
	for _, known := range agentTypes {
		if typ == known {
			return nil
		}
	}
	names := make([]string, len(agentTypes))
	for i, t := range agentTypes {
		names[i] = string(t)
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"invalid agent type %q: must be one of %s", typ, strings.Join(names, ", "))
}

// ValidateAgent checks the fields a registration must carry.
func ValidateAgent(agent *store.Agent) error {
	switch {
	case agent.ID == "":
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	case agent.Name == "":
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	return ValidateAgentType(AgentType(agent.Type))
}

// EnsureRegistered upserts the caller: a known agent id just gets its
// last_seen_at bumped and the stored record back, an unknown one is
// validated and inserted. The stored record wins over the arguments, so a
// reconnecting agent cannot silently rewrite its own registration.
func EnsureRegistered(ctx context.Context, s store.Store, id, name string, typ AgentType, metadata json.RawMessage) (*store.Agent, error) {
	existing, err := s.GetAgent(ctx, id)
	if err == nil {
		_ = s.UpdateAgentSeen(ctx, id)
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	agent := &store.Agent{ID: id, Name: name, Type: string(typ), Metadata: metadata}
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := s.RegisterAgent(ctx, agent); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

func isNotFound(err error) bool {
	var chainErr *schema.ChainError
	return errors.As(err, &chainErr) && chainErr.Code == schema.ErrCodeNotFound
}
