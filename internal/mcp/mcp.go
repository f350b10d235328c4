// Package mcp implements the Model Context Protocol server for Kinko.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP resources and tools, so MCP-compatible agents can launch scenario
// batches and read their recommendations.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
)

// Coordinator accepts scenario batches.
type Coordinator interface {
	Submit(ctx context.Context, s orchestrator.Submission) (model.RunScenariosResponse, error)
}

// Store is the read side of the run record store.
type Store interface {
	GetScenarioRun(ctx context.Context, id uuid.UUID) (model.ScenarioRun, error)
	ListScenarioRuns(ctx context.Context, limit int) ([]model.ScenarioRun, error)
	GetScenarioStats(ctx context.Context) (model.ScenarioStats, error)
	RecentOutcomeStats(ctx context.Context, window int) (model.OutcomeStats, error)
}

// Server wraps the MCP server with Kinko's coordinator and store.
type Server struct {
	mcpServer      *mcpserver.MCPServer
	coord          Coordinator
	store          Store
	learningWindow int
	logger         *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
// learningWindow sizes the outcome statistics the tools report.
func New(coord Coordinator, store Store, learningWindow int, logger *slog.Logger, version string) *Server {
	s := &Server{
		coord:          coord,
		store:          store,
		learningWindow: learningWindow,
		logger:         logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kinko",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kinko simulates treasury cash-allocation strategies and returns recommendations.

Call kinko_run_scenarios with one or more modes (conservative, balanced, aggressive, custom).
It returns immediately with a batch_id and one scenario_id per mode; runs finish in the background.
Poll kinko_get_scenario until status is completed or failed, then read recommendation and confidence.`

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
