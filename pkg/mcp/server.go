package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/logging"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor engine.Executor
	Notifier *EventNotifier // optional; receives the server once built
	Logger   *slog.Logger
	Version  string
}

// Server exposes the ensemble engine as MCP tools.
type Server struct {
	executor  engine.Executor
	notifier  *EventNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor: deps.Executor,
		notifier: deps.Notifier,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"ensemble",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Ensemble runs declarative multi-agent flows. Use ensemble.list to see registered ensembles, ensemble.define to register one, ensemble.run to execute it, and ensemble.resume to approve or reject an execution waiting on a human."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if s.notifier != nil {
		s.notifier.Bind(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("ensemble.run",
		mcp.WithDescription("Execute a registered ensemble"),
		mcp.WithString("ensemble", mcp.Required(), mcp.Description("Name of the ensemble to execute")),
		mcp.WithObject("input", mcp.Description("Execution input, exposed to steps as ${input.*}")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("ensemble.resume",
		mcp.WithDescription("Approve or reject a suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Resume token returned in the suspension info")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to continue the flow, false to reject it")),
		mcp.WithString("actor", mcp.Description("Who made the decision")),
		mcp.WithString("comments", mcp.Description("Free-form decision comments")),
		mcp.WithObject("data", mcp.Description("Extra data exposed to later steps as the approval output")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("ensemble.list",
		mcp.WithDescription("List registered ensembles"),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("ensemble.define",
		mcp.WithDescription("Validate and register an ensemble definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Ensemble definition object")),
	)
}
