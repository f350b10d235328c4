package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kinko/internal/admission"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
	"github.com/ashita-ai/kinko/internal/simulation"
	"github.com/ashita-ai/kinko/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func modeNames() []string {
	names := make([]string, len(model.KnownModes))
	for i, m := range model.KnownModes {
		names[i] = string(m)
	}
	return names
}

func (s *Server) registerTools() {
	// kinko_run_scenarios: start a batch.
	s.mcpServer.AddTool(
		mcplib.NewTool("kinko_run_scenarios",
			mcplib.WithDescription("Simulate one or more cash-allocation modes against the current treasury context. Returns a batch_id and one scenario_id per mode; runs complete asynchronously."),
			mcplib.WithArray("modes",
				mcplib.Description("Modes to simulate, each at most once"),
				mcplib.Required(),
				mcplib.Items(map[string]any{"type": "string", "enum": modeNames()}),
			),
			mcplib.WithString("risk_appetite",
				mcplib.Description("Overrides the policy risk profile"),
				mcplib.Enum("low", "medium", "high"),
			),
			mcplib.WithNumber("liquidity_threshold_pct", mcplib.Description("Liquidity buffer to keep, as a percentage (0-100] of total cash. Replaces the outflow-based buffer; policy minimum liquidity still applies")),
			mcplib.WithNumber("investment_horizon_days", mcplib.Description("Days of forecast to consider (1-365)")),
		),
		s.handleRunScenarios,
	)

	// kinko_get_scenario: one run with its recommendation.
	s.mcpServer.AddTool(
		mcplib.NewTool("kinko_get_scenario",
			mcplib.WithDescription("Get a scenario run by ID, including status, metrics, recommendation, and confidence"),
			mcplib.WithString("id", mcplib.Description("Scenario run ID"), mcplib.Required()),
		),
		s.handleGetScenario,
	)

	// kinko_list_scenarios: recent runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("kinko_list_scenarios",
			mcplib.WithDescription("List the most recent scenario runs, newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return (default 20, max 100)")),
		),
		s.handleListScenarios,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kinko_scenario_stats",
			mcplib.WithDescription("Counts of scenario runs by status, average completion time, and recent activity"),
		),
		s.handleScenarioStats,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kinko_outcome_stats",
			mcplib.WithDescription("Execution rate and prediction accuracy over recent recommendation outcomes"),
		),
		s.handleOutcomeStats,
	)
}

func (s *Server) handleRunScenarios(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var req model.RunScenariosRequest
	for _, m := range request.GetStringSlice("modes", nil) {
		req.Modes = append(req.Modes, model.Mode(m))
	}

	var params model.SimulationParameters
	set := false
	if v := request.GetString("risk_appetite", ""); v != "" {
		params.RiskAppetite = &v
		set = true
	}
	if v := request.GetFloat("liquidity_threshold_pct", 0); v != 0 {
		params.LiquidityThresholdPct = &v
		set = true
	}
	if v := request.GetInt("investment_horizon_days", 0); v != 0 {
		params.InvestmentHorizonDays = &v
		set = true
	}
	if set {
		req.Parameters = &params
	}

	if err := model.Validate(req); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.coord.Submit(ctx, orchestrator.Submission{Modes: req.Modes, Parameters: req.Parameters})
	switch {
	case errors.Is(err, admission.ErrAtCapacity):
		return errorResult("too many concurrent scenario batches; retry shortly"), nil
	case errors.Is(err, simulation.ErrUnavailable):
		return errorResult("simulation service unavailable: " + err.Error()), nil
	case errors.Is(err, orchestrator.ErrClosed):
		return errorResult("server is shutting down"), nil
	case err != nil:
		s.logger.Error("mcp: run scenarios failed", "error", err)
		return errorResult("failed to start scenarios"), nil
	}

	return jsonResult(map[string]any{
		"batch_id":     resp.BatchID,
		"scenario_ids": resp.ScenarioIDs,
		"status":       model.RunStatusPending,
	})
}

func (s *Server) handleGetScenario(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid UUID"), nil
	}

	run, err := s.store.GetScenarioRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("scenario %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get scenario: %v", err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleListScenarios(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	runs, err := s.store.ListScenarioRuns(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list scenarios: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"scenarios": runs,
		"total":     len(runs),
	})
}

func (s *Server) handleScenarioStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.store.GetScenarioStats(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleOutcomeStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.store.RecentOutcomeStats(ctx, s.learningWindow)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get outcome stats: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"window": s.learningWindow,
		"stats":  stats,
	})
}
