package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/api"
	"github.com/ashita-ai/kinko/internal/admission"
	"github.com/ashita-ai/kinko/internal/learning"
	"github.com/ashita-ai/kinko/internal/mcp"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
	"github.com/ashita-ai/kinko/internal/pipeline"
	"github.com/ashita-ai/kinko/internal/seed"
	"github.com/ashita-ai/kinko/internal/server"
	"github.com/ashita-ai/kinko/internal/simulation"
	"github.com/ashita-ai/kinko/internal/storage"
	"github.com/ashita-ai/kinko/internal/telemetry"
	"github.com/ashita-ai/kinko/internal/testutil"
)

var (
	testSrv *httptest.Server
	testDB  *storage.DB
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	sc, err := seed.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: default seed: %v\n", err)
		return 1
	}
	if _, err := testDB.SeedContext(ctx, sc); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed: %v\n", err)
		return 1
	}

	admit := admission.New(3, time.Minute, time.Minute, logger)
	defer func() { _ = admit.Close() }()

	sim := simulation.NewLocalProvider()
	coord, err := orchestrator.New(orchestrator.Deps{
		Store:      testDB,
		Simulation: sim,
		Admission:  admit,
		Strategy:   pipeline.NewBaseline(nil, logger),
		Adjuster:   learning.NewAdjuster(testDB, 100, logger),
		Recorder:   learning.NewRecorder(testDB, logger),
		Sink:       telemetry.NewAuditSink(testDB),
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: orchestrator: %v\n", err)
		return 1
	}

	srv := server.New(server.ServerConfig{
		Store:               testDB,
		Coordinator:         coord,
		Simulation:          sim,
		Admission:           admit,
		Logger:              logger,
		MCPServer:           mcp.New(coord, testDB, 100, logger, "test").MCPServer(),
		LearningEnabled:     true,
		LearningWindow:      100,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	code := m.Run()

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = coord.Drain(drainCtx)
	return code
}

func postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(testSrv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func readData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return env.Data
}

func getRun(t *testing.T, id uuid.UUID) model.ScenarioRun {
	t.Helper()
	resp, err := http.Get(testSrv.URL + "/scenarios/" + id.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return readData[model.ScenarioRun](t, resp)
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h := readData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Postgres)
	assert.Equal(t, "connected", h.Simulation)
	assert.Equal(t, "baseline", h.Strategy)
	assert.Equal(t, 3, h.MaxRuns)
}

func TestScenarioBatchLifecycle(t *testing.T) {
	resp := postJSON(t, "/scenarios/run", model.RunScenariosRequest{
		Modes: []model.Mode{model.ModeConservative, model.ModeBalanced, model.ModeAggressive},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := readData[model.RunScenariosResponse](t, resp)
	require.Len(t, accepted.ScenarioIDs, 3)

	for _, id := range accepted.ScenarioIDs {
		require.Eventually(t, func() bool {
			return getRun(t, id).Status.Terminal()
		}, 10*time.Second, 50*time.Millisecond)

		run := getRun(t, id)
		require.Equal(t, model.RunStatusCompleted, run.Status, "run %s: %v", id, run.ErrorMessage)
		assert.NoError(t, run.CheckInvariants())
		assert.Equal(t, accepted.BatchID, run.BatchID)
		require.NotNil(t, run.Recommendation)
		assert.NotEmpty(t, *run.Recommendation)
		require.NotNil(t, run.Confidence)
		assert.InDelta(t, 0.5, *run.Confidence, 0.2)
		assert.NotNil(t, run.RawPipelineOutput)

		require.Eventually(t, func() bool {
			events, err := testDB.ListRecommendationEvents(context.Background(), id)
			return err == nil && len(events) == 1
		}, 5*time.Second, 50*time.Millisecond, "one audit event per run")

		if run.OutcomeID != nil {
			exec := postJSON(t, "/outcomes/"+run.OutcomeID.String()+"/execution",
				model.RecordExecutionRequest{ExecutedAmount: decimal.NewFromInt(1000)})
			require.Equal(t, http.StatusOK, exec.StatusCode)
			outcome := readData[model.RecommendationOutcome](t, exec)
			assert.True(t, outcome.WasExecuted)
		}
	}

	resp, err := http.Get(testSrv.URL + "/scenarios/stats")
	require.NoError(t, err)
	stats := readData[model.ScenarioStats](t, resp)
	assert.GreaterOrEqual(t, stats.Completed, 3)
	assert.NotEmpty(t, stats.RecentActivity)
}

func TestRunScenariosRejectsInvalidModes(t *testing.T) {
	resp := postJSON(t, "/scenarios/run", map[string]any{"modes": []string{"reckless"}})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownScenario(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/scenarios/" + uuid.NewString())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "/scenarios/run")
}

func newMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPRunAndGetScenario(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "kinko_run_scenarios",
			Arguments: map[string]any{"modes": []string{"balanced"}},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var started struct {
		ScenarioIDs []uuid.UUID `json:"scenario_ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &started))
	require.Len(t, started.ScenarioIDs, 1)
	id := started.ScenarioIDs[0]

	require.Eventually(t, func() bool {
		return getRun(t, id).Status == model.RunStatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	result, err = c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "kinko_get_scenario",
			Arguments: map[string]any{"id": id.String()},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok = result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"status": "completed"`)
}

func TestMCPListResources(t *testing.T) {
	c := newMCPClient(t)
	defer func() { _ = c.Close() }()

	res, err := c.ListResources(context.Background(), mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	uris := make([]string, 0, len(res.Resources))
	for _, r := range res.Resources {
		uris = append(uris, r.URI)
	}
	assert.ElementsMatch(t, []string{"kinko://scenarios/recent", "kinko://scenarios/stats"}, uris)
}
