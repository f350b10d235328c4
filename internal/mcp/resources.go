package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	recentScenariosURI = "kinko://scenarios/recent"
	scenarioStatsURI   = "kinko://scenarios/stats"
	scenarioURIPrefix  = "kinko://scenarios/"
)

func (s *Server) registerResources() {
	// kinko://scenarios/recent: latest runs across all batches.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentScenariosURI,
			"Recent Scenarios",
			mcplib.WithResourceDescription("The most recent scenario runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleScenariosRecent,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			scenarioStatsURI,
			"Scenario Statistics",
			mcplib.WithResourceDescription("Run counts by status, average duration, and recent activity"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleScenarioStatsResource,
	)

	// kinko://scenarios/{id}: one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kinko://scenarios/{id}",
			"Scenario Run",
			mcplib.WithTemplateDescription("A single scenario run with its recommendation and pipeline trace"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleScenarioResource,
	)
}

func (s *Server) handleScenariosRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.store.ListScenarioRuns(ctx, defaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent scenarios: %w", err)
	}
	return jsonContents(recentScenariosURI, runs)
}

func (s *Server) handleScenarioStatsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats, err := s.store.GetScenarioStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: scenario stats: %w", err)
	}
	return jsonContents(scenarioStatsURI, stats)
}

func (s *Server) handleScenarioResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseScenarioURI(uri)
	if err != nil {
		return nil, err
	}

	run, err := s.store.GetScenarioRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: scenario %s: %w", id, err)
	}
	return jsonContents(uri, run)
}

// parseScenarioURI extracts the run ID from kinko://scenarios/{id}.
func parseScenarioURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, scenarioURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid scenario URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid scenario id %q: %w", raw, err)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
