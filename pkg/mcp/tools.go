package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tessaro/chainkit/internal/identity"
	"github.com/tessaro/chainkit/internal/selector"
	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

// handleRunChain executes a stored or inline chain definition and records the
// outcome.
func (s *ChainServer) handleRunChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if target := req.GetString("target", ""); target != "" {
		def.Target = target
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("chain validation failed: %v", valErr)), nil
		}
	}

	result := s.runner.Execute(ctx, def)

	if s.store != nil {
		if recErr := recordResult(ctx, s.store, def, result); recErr != nil {
			s.logger.Error("failed to record run",
				"run_id", result.ChainID,
				"error", recErr.Error(),
			)
		}
	}

	return marshalResult(result)
}

// handleSaveChain validates and upserts a chain definition.
func (s *ChainServer) handleSaveChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.ChainDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if def.ID == "" {
		def.ID = chainID
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("chain validation failed: %v", valErr)), nil
		}
	}

	doc := &store.ChainDoc{
		ID:         chainID,
		Name:       def.Name,
		Definition: defBytes,
	}
	if saveErr := s.store.SaveChain(ctx, doc); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save chain: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"chain_id": chainID,
		"name":     def.Name,
		"steps":    len(def.Steps),
	})
}

// handleChainStatus returns a recorded run with its step outcomes.
func (s *ChainServer) handleChainStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
	}
	steps, stepErr := s.store.ListStepResults(ctx, runID)
	if stepErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step lookup failed: %v", stepErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleListRuns lists recorded runs with optional filters.
func (s *ChainServer) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if chainID, ok := filter["chain_id"].(string); ok {
		rf.ChainID = chainID
	}
	if target, ok := filter["target"].(string); ok {
		rf.Target = target
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		cs := schema.ChainStatus(status)
		rf.Status = &cs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleProposeSteps ranks a stored chain's steps for a target.
func (s *ChainServer) handleProposeSteps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.selector == nil {
		return mcp.NewToolResultError("no selector strategy configured"), nil
	}

	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}

	doc, docErr := s.store.GetChain(ctx, chainID)
	if docErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chain lookup failed: %v", docErr)), nil
	}
	var def schema.ChainDefinition
	if decErr := json.Unmarshal(doc.Definition, &def); decErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stored chain %q is not decodable: %v", chainID, decErr)), nil
	}

	args := req.GetArguments()
	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, t := range raw {
			if tag, ok := t.(string); ok {
				tags = append(tags, tag)
			}
		}
	}

	proposals, selErr := s.selector.Select(ctx, selector.Request{
		Target:     target,
		Tags:       tags,
		Limit:      extractInt(args, "limit", 0),
		Candidates: def.Steps,
	})
	if selErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("selection failed: %v", selErr)), nil
	}

	return marshalResult(map[string]any{
		"strategy":  s.selector.Name(),
		"proposals": proposals,
	})
}

// handleServiceHealth reports the status of every monitored service.
func (s *ChainServer) handleServiceHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.health == nil {
		return marshalResult(map[string]any{"services": map[string]any{}})
	}
	return marshalResult(map[string]any{"services": s.health.Snapshot()})
}

// --- Internal helpers ---

// resolveDefinition loads a stored definition by chain_id, falling back to the
// inline definition object.
func (s *ChainServer) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.ChainDefinition, error) {
	if chainID := req.GetString("chain_id", ""); chainID != "" {
		doc, err := s.store.GetChain(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("chain lookup failed: %w", err)
		}
		var def schema.ChainDefinition
		if err := json.Unmarshal(doc.Definition, &def); err != nil {
			return nil, fmt.Errorf("stored chain %q is not decodable: %w", chainID, err)
		}
		if def.ID == "" {
			def.ID = doc.ID
		}
		return &def, nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, fmt.Errorf("either chain_id or definition is required")
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	var def schema.ChainDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &def, nil
}

// recordResult persists a finished run through the store's convenience method
// when available, otherwise falls back to the Store interface primitives.
func recordResult(ctx context.Context, s store.Store, def *schema.ChainDefinition, result *schema.ChainResult) error {
	type resultRecorder interface {
		RecordResult(ctx context.Context, def *schema.ChainDefinition, result *schema.ChainResult) error
	}
	if rr, ok := s.(resultRecorder); ok {
		return rr.RecordResult(ctx, def, result)
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:          result.ChainID,
		ChainID:     def.ID,
		Name:        def.Name,
		Target:      def.Target,
		Mode:        string(def.Mode),
		Status:      result.Status,
		Success:     result.Success,
		TotalTimeMs: result.TotalTimeMs,
		FinishedAt:  &now,
		CreatedAt:   now,
	}
	if result.Error != nil {
		if raw, err := json.Marshal(result.Error); err == nil {
			run.Error = raw
		}
	}
	return s.CreateRun(ctx, run)
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for
// notifications and keeps the agent registry current. Callers over the MCP
// surface are LLM agents unless they registered themselves otherwise.
func (s *ChainServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
	if s.store != nil {
		if _, err := identity.EnsureRegistered(ctx, s.store, agentID, agentID, identity.AgentTypeLLM, nil); err != nil {
			s.logger.Warn("failed to register agent", "agent_id", agentID, "error", err)
		}
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
