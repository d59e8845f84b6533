package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tessaro/chainkit/internal/health"
	"github.com/tessaro/chainkit/internal/selector"
	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/internal/validation"
	"github.com/tessaro/chainkit/pkg/schema"
)

// ChainRunner executes a chain definition to completion. Satisfied by the
// engine executor.
type ChainRunner interface {
	Execute(ctx context.Context, def *schema.ChainDefinition) *schema.ChainResult
}

// ChainServerDeps holds the dependencies for creating a ChainServer.
// Health and Selector are optional; their tools report accordingly when
// absent.
type ChainServerDeps struct {
	Runner    ChainRunner
	Store     store.Store
	Validator validation.Validator
	Health    *health.Monitor
	Selector  selector.Selector
	Logger    *slog.Logger
}

// ChainServer wraps an MCP server with chain orchestration tool handlers.
type ChainServer struct {
	runner    ChainRunner
	store     store.Store
	validator validation.Validator
	health    *health.Monitor
	selector  selector.Selector
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewChainServer creates a ChainServer with all tools registered.
func NewChainServer(deps ChainServerDeps) *ChainServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChainServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		health:    deps.Health,
		selector:  deps.Selector,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"chainkit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chainkit orchestrates multi-step task chains with shared state. Use run_chain to execute a stored or inline chain, save_chain to register a definition, chain_status to inspect a finished run, list_runs to browse run history, propose_steps to rank candidate steps for a target, and service_health to check monitored services."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChainServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChainServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent-session registry, for wiring a notifier.
func (s *ChainServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *ChainServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runChainTool(), Handler: s.handleRunChain},
		{Tool: saveChainTool(), Handler: s.handleSaveChain},
		{Tool: chainStatusTool(), Handler: s.handleChainStatus},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: proposeStepsTool(), Handler: s.handleProposeSteps},
		{Tool: serviceHealthTool(), Handler: s.handleServiceHealth},
	}
}

// --- Tool definitions ---

func runChainTool() mcp.Tool {
	return mcp.NewTool("run_chain",
		mcp.WithDescription("Execute a chain: either a stored definition by chain_id or an inline definition object"),
		mcp.WithString("chain_id", mcp.Description("ID of a stored chain definition")),
		mcp.WithObject("definition", mcp.Description("Inline chain definition (ignored when chain_id is set)")),
		mcp.WithString("target", mcp.Description("Override the chain's default target")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent initiating the run")),
	)
}

func saveChainTool() mcp.Tool {
	return mcp.NewTool("save_chain",
		mcp.WithDescription("Validate and register a chain definition for later runs and schedules"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("Stable ID for the definition")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Chain definition object")),
		mcp.WithString("agent_id", mcp.Description("ID of the defining agent")),
	)
}

func chainStatusTool() mcp.Tool {
	return mcp.NewTool("chain_status",
		mcp.WithDescription("Get the recorded outcome of a chain run, including per-step results"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("list_runs",
		mcp.WithDescription("List recorded chain runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (chain_id, status, target, since, limit)")),
	)
}

func proposeStepsTool() mcp.Tool {
	return mcp.NewTool("propose_steps",
		mcp.WithDescription("Rank a stored chain's steps as next-step proposals for a target"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("Stored chain whose steps are the candidates")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target the proposals are scored against")),
		mcp.WithArray("tags", mcp.Description("Required step tags (e.g. recon, access)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of proposals")),
	)
}

func serviceHealthTool() mcp.Tool {
	return mcp.NewTool("service_health",
		mcp.WithDescription("Report the current status of every monitored service"),
	)
}
