package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/storage"
	"github.com/ashita-ai/kinko/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`TRUNCATE scenario_runs, recommendation_outcomes, accounts, forecast_items, policies`)
	require.NoError(t, err)
}

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func sampleMetrics() model.Metrics {
	return model.Metrics{
		IdleCashPct:           43.2,
		LiquidityCoverageDays: 50,
		EstYieldBps:           129,
		ShortfallRiskPct:      5,
		Recommendation:        "Transfer $1,296,000 from Operating to Reserve",
		TransferDetails:       model.Transfer{FromAccount: "Operating", ToAccount: "Reserve", Amount: usd(1_296_000)},
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), os.DirFS("../../migrations")))
}

func TestCreateAndGetScenarioRuns(t *testing.T) {
	ctx := context.Background()
	batchID := uuid.New()

	runs, err := testDB.CreateScenarioRuns(ctx, batchID, []model.Mode{model.ModeConservative, model.ModeBalanced})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	for _, r := range runs {
		got, err := testDB.GetScenarioRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, batchID, got.BatchID)
		assert.Equal(t, model.RunStatusPending, got.Status)
		assert.True(t, r.CreatedAt.Equal(got.CreatedAt), "returned %s, stored %s", r.CreatedAt, got.CreatedAt)
		assert.Nil(t, got.CompletedAt)
		assert.NoError(t, got.CheckInvariants())
	}

	batch, err := testDB.ListBatchRuns(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestGetScenarioRunNotFound(t *testing.T) {
	_, err := testDB.GetScenarioRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteScenarioRun(t *testing.T) {
	ctx := context.Background()
	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeBalanced})
	require.NoError(t, err)
	id := runs[0].ID

	require.NoError(t, testDB.MarkScenarioRunsRunning(ctx, []uuid.UUID{id}))

	trace := model.DebateTrace{
		Conservative: model.Opinion{Agent: "conservative_advocate", Stance: "hold", TransferAmount: usd(600_000), Confidence: 0.82},
		Aggressive:   model.Opinion{Agent: "aggressive_advocate", Stance: "move", TransferAmount: usd(1_100_000), Confidence: 0.85},
		Synthesis:    "split the difference",
	}
	require.NoError(t, testDB.CompleteScenarioRun(ctx, model.RunCompletion{
		ID:               id,
		Metrics:          sampleMetrics(),
		Recommendation:   "Transfer $850,000",
		Trace:            trace,
		Confidence:       0.8,
		ConfidenceReason: "within normal range",
	}))

	got, err := testDB.GetScenarioRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 129, got.Metrics.EstYieldBps)
	require.NotNil(t, got.Recommendation)
	assert.Equal(t, "Transfer $850,000", *got.Recommendation)
	require.NotNil(t, got.CompletedAt)
	dt, ok := got.RawPipelineOutput.(model.DebateTrace)
	require.True(t, ok)
	assert.Equal(t, trace.Synthesis, dt.Synthesis)
	assert.Equal(t, trace.Conservative.Stance, dt.Conservative.Stance)
	assert.True(t, trace.Conservative.TransferAmount.Equal(dt.Conservative.TransferAmount))
	assert.True(t, trace.Aggressive.TransferAmount.Equal(dt.Aggressive.TransferAmount))
	assert.True(t, got.Metrics.TransferDetails.Amount.Equal(usd(1_296_000)))
	assert.False(t, got.CompletedAt.Before(got.CreatedAt), "completed_at %s precedes created_at %s", got.CompletedAt, got.CreatedAt)
	assert.NoError(t, got.CheckInvariants())
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeAggressive})
	require.NoError(t, err)
	id := runs[0].ID

	// Pending runs cannot be completed directly.
	err = testDB.CompleteScenarioRun(ctx, model.RunCompletion{ID: id, Metrics: sampleMetrics(), Recommendation: "x"})
	assert.ErrorIs(t, err, storage.ErrNotOpen)

	require.NoError(t, testDB.MarkScenarioRunsRunning(ctx, []uuid.UUID{id}))
	require.NoError(t, testDB.FailScenarioRun(ctx, id, "no simulation result"))

	err = testDB.CompleteScenarioRun(ctx, model.RunCompletion{ID: id, Metrics: sampleMetrics(), Recommendation: "x"})
	assert.ErrorIs(t, err, storage.ErrNotOpen)
	assert.ErrorIs(t, testDB.FailScenarioRun(ctx, id, "again"), storage.ErrNotOpen)

	got, err := testDB.GetScenarioRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no simulation result", *got.ErrorMessage)
	assert.Nil(t, got.Metrics)
}

func TestFailOpenScenarioRunsSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeConservative, model.ModeBalanced, model.ModeAggressive})
	require.NoError(t, err)
	ids := []uuid.UUID{runs[0].ID, runs[1].ID, runs[2].ID}

	require.NoError(t, testDB.MarkScenarioRunsRunning(ctx, ids))
	require.NoError(t, testDB.CompleteScenarioRun(ctx, model.RunCompletion{
		ID: ids[0], Metrics: sampleMetrics(), Recommendation: "hold", Confidence: 0.5,
	}))

	n, err := testDB.FailOpenScenarioRuns(ctx, ids, "persistence failure")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := testDB.GetScenarioRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, first.Status)
}

func TestMarkRunningRejectsNonPending(t *testing.T) {
	ctx := context.Background()
	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeBalanced})
	require.NoError(t, err)
	ids := []uuid.UUID{runs[0].ID}

	require.NoError(t, testDB.MarkScenarioRunsRunning(ctx, ids))
	assert.ErrorIs(t, testDB.MarkScenarioRunsRunning(ctx, ids), storage.ErrNotOpen)
}

func TestScenarioStatsAndReconcile(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeConservative, model.ModeBalanced, model.ModeAggressive})
	require.NoError(t, err)
	require.NoError(t, testDB.MarkScenarioRunsRunning(ctx, []uuid.UUID{runs[0].ID, runs[1].ID}))
	require.NoError(t, testDB.CompleteScenarioRun(ctx, model.RunCompletion{
		ID: runs[0].ID, Metrics: sampleMetrics(), Recommendation: "hold", Confidence: 0.5,
	}))

	stats, err := testDB.GetScenarioStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.GreaterOrEqual(t, stats.AvgDurationSeconds, 0.0)
	assert.Len(t, stats.RecentActivity, 3)

	n, err := testDB.ReconcileOrphanedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err = testDB.GetScenarioStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Pending+stats.Running)

	list, err := testDB.ListScenarioRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOutcomeLifecycleAndStats(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	runs, err := testDB.CreateScenarioRuns(ctx, uuid.New(), []model.Mode{model.ModeBalanced})
	require.NoError(t, err)
	runID := runs[0].ID

	var ids []uuid.UUID
	for i := range 12 {
		o, err := testDB.CreateOutcome(ctx, model.RecommendationOutcome{
			ScenarioRunID:          &runID,
			RecommendedAmount:      usd(1_000_000),
			FromAccount:            "Operating",
			ToAccount:              "Reserve",
			Confidence:             0.8,
			PredictedYieldBps:      100,
			PredictedShortfallRisk: 5,
			CreatedAt:              time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	require.NoError(t, testDB.LinkOutcome(ctx, runID, ids[0]))

	run, err := testDB.GetScenarioRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run.OutcomeID)
	assert.Equal(t, ids[0], *run.OutcomeID)

	executed, err := testDB.RecordExecution(ctx, ids[0], decimal.RequireFromString("950000.004"), nil)
	require.NoError(t, err)
	assert.True(t, executed.WasExecuted)
	require.NotNil(t, executed.ExecutedAmount)
	assert.Equal(t, "950000.00", executed.ExecutedAmount.StringFixed(2))

	for _, id := range ids {
		_, err := testDB.RecordFollowUp(ctx, id, 110, 4)
		require.NoError(t, err)
	}

	stats, err := testDB.RecentOutcomeStats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.SampleCount)
	assert.Equal(t, 1, stats.ExecutedCount)
	assert.InDelta(t, 1.0/12.0, stats.ExecutionRate, 1e-9)
	assert.Equal(t, 12, stats.FollowUpCount)
	require.NotNil(t, stats.MeanYieldErrorBps)
	assert.InDelta(t, 10.0, *stats.MeanYieldErrorBps, 1e-9)
	require.NotNil(t, stats.AvgConfidenceExecuted)
	assert.InDelta(t, 0.8, *stats.AvgConfidenceExecuted, 1e-9)

	windowed, err := testDB.RecentOutcomeStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, windowed.SampleCount)
}

func TestOutcomeNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.GetOutcome(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.RecordExecution(ctx, uuid.New(), usd(1), nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.RecordFollowUp(ctx, uuid.New(), 1, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecentOutcomeStatsEmpty(t *testing.T) {
	truncate(t)
	stats, err := testDB.RecentOutcomeStats(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.SampleCount)
	assert.Nil(t, stats.MeanYieldErrorBps)
}

func TestSeedAndLoadContext(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	_, err := testDB.LoadSimulationContext(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sc := model.SimulationContext{
		Accounts: []model.Account{
			{Name: "Operating", Bank: "First", Balance: usd(2_000_000), AccountType: model.AccountChecking},
			{Name: "Reserve", Bank: "First", Balance: usd(1_000_000), AccountType: model.AccountMoneyMarket},
		},
		Forecast: []model.ForecastItem{
			{Date: "2026-01-02", Inflow: usd(10_000), Outflow: usd(50_000)},
			{Date: "2026-01-01", Inflow: decimal.Zero, Outflow: usd(20_000)},
		},
		Policy: model.Policy{Name: "default", MinLiquidity: usd(500_000), InvestAbove: usd(1_000_000), RiskProfile: "medium"},
	}

	seeded, err := testDB.SeedContext(ctx, sc)
	require.NoError(t, err)
	assert.True(t, seeded)

	again, err := testDB.SeedContext(ctx, sc)
	require.NoError(t, err)
	assert.False(t, again)

	loaded, err := testDB.LoadSimulationContext(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Accounts, 2)
	assert.Equal(t, "USD", loaded.Accounts[0].Currency)
	assert.True(t, usd(3_000_000).Equal(loaded.TotalCash()), "total cash %s", loaded.TotalCash())
	require.Len(t, loaded.Forecast, 2)
	assert.Equal(t, "2026-01-01", loaded.Forecast[0].Date)
	assert.Equal(t, "default", loaded.Policy.Name)
}

func TestRecommendationEventsAppendOnly(t *testing.T) {
	ctx := context.Background()
	e := model.RecommendationEvent{
		ScenarioID:     uuid.New(),
		BatchID:        uuid.New(),
		Mode:           model.ModeBalanced,
		Strategy:       "baseline",
		Status:         model.RunStatusCompleted,
		Confidence:     0.8,
		BaseConfidence: 0.75,
		TransferAmount: usd(1_296_000),
		Duration:       1500 * time.Millisecond,
	}
	require.NoError(t, testDB.InsertRecommendationEvent(ctx, e))

	events, err := testDB.ListRecommendationEvents(ctx, e.ScenarioID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.True(t, e.TransferAmount.Equal(got.TransferAmount), "transfer amount %s", got.TransferAmount)
	got.TransferAmount = e.TransferAmount
	assert.Equal(t, e, got)

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM recommendation_events WHERE scenario_id = $1`, e.ScenarioID)
	assert.Error(t, err)
}

func TestMoneyColumnsAreExact(t *testing.T) {
	truncate(t)
	ctx := context.Background()

	sc := model.SimulationContext{
		Accounts: []model.Account{
			{Name: "Operating", Bank: "First", Balance: decimal.RequireFromString("0.10"), AccountType: model.AccountChecking},
			{Name: "Reserve", Bank: "First", Balance: decimal.RequireFromString("0.20"), AccountType: model.AccountMoneyMarket},
		},
		Policy: model.Policy{Name: "default", MinLiquidity: usd(1), InvestAbove: usd(2), RiskProfile: "low"},
	}
	_, err := testDB.SeedContext(ctx, sc)
	require.NoError(t, err)

	loaded, err := testDB.LoadSimulationContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.30", loaded.TotalCash().StringFixed(2))
	assert.True(t, decimal.RequireFromString("0.3").Equal(loaded.TotalCash()))
}
