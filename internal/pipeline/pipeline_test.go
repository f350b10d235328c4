package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/testutil"
)

// scriptedGenerator answers by matching the start of the prompt.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
	prompts map[string]string
}

func (g *scriptedGenerator) Generate(_ context.Context, _, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for prefix, reply := range g.replies {
		if strings.HasPrefix(prompt, prefix) {
			g.calls = append(g.calls, prefix)
			if g.prompts == nil {
				g.prompts = make(map[string]string)
			}
			g.prompts[prefix] = prompt
			return reply, nil
		}
	}
	g.calls = append(g.calls, "unscripted")
	return "", errors.New("unscripted prompt")
}

const (
	promptBaseline     = "You just completed"
	promptConservative = "You are a safety-first"
	promptAggressive   = "You are a yield-focused"
	promptMediator     = "You are the treasury committee chair"
	promptHistory      = "Review the track record"
	promptSelector     = "Choose the best"
	promptWriter       = "Write the final"
)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(usd(want)), "want %d, got %s", want, got)
}

func testInput(mode model.Mode) Input {
	return Input{
		Mode: mode,
		Context: model.SimulationContext{
			Accounts: []model.Account{
				{ID: uuid.New(), Name: "Operating", Balance: usd(4_000_000), AccountType: model.AccountChecking},
				{ID: uuid.New(), Name: "Yield Plus", Balance: usd(1_000_000), AccountType: model.AccountHighYield},
			},
			Policy: model.Policy{MinLiquidity: usd(1_000_000), InvestAbove: usd(500_000), RiskProfile: "medium"},
		},
		Results: map[model.Mode]model.Metrics{
			model.ModeConservative: {IdleCashPct: 39, LiquidityCoverageDays: 50, EstYieldBps: 156, ShortfallRiskPct: 2,
				Recommendation:  "Transfer $1,560,000 from Operating to Yield Plus",
				TransferDetails: model.Transfer{FromAccount: "Operating", ToAccount: "Yield Plus", Amount: usd(1_560_000)}},
			model.ModeBalanced: {IdleCashPct: 43.2, LiquidityCoverageDays: 50, EstYieldBps: 129, ShortfallRiskPct: 5,
				Recommendation:  "Transfer $1,296,000 from Operating to Yield Plus",
				TransferDetails: model.Transfer{FromAccount: "Operating", ToAccount: "Yield Plus", Amount: usd(1_296_000)}},
			model.ModeAggressive: {IdleCashPct: 46, LiquidityCoverageDays: 50, EstYieldBps: 92, ShortfallRiskPct: 15,
				Recommendation:  "Transfer $920,000 from Operating to Yield Plus",
				TransferDetails: model.Transfer{FromAccount: "Operating", ToAccount: "Yield Plus", Amount: usd(920_000)}},
		},
	}
}

func TestSectionsHandlesMarkdownAndMultiline(t *testing.T) {
	text := "Here is my analysis.\n**RECOMMENDATION:** Move $500k\nto yield.\n- REASONING: idle cash is high\n**CONFIDENCE**: 0.9"
	s := sections(text)
	assert.Equal(t, "Move $500k\nto yield.", s[labelRecommendation])
	assert.Equal(t, "idle cash is high", s[labelReasoning])
	assert.Equal(t, "0.9", s[labelConfidence])
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"$1,100,000", "1100000.00", true},
		{"600000 (six hundred thousand)", "600000.00", true},
		{"approximately $850,000.50", "850000.50", true},
		{"$600k", "600000.00", true},
		{"$1.1M", "1100000.00", true},
		{"2.5 million into yield", "2500000.00", true},
		{"$1.25B", "1250000000.00", true},
		{"600,000 by Monday", "600000.00", true},
		{"$0.125", "0.13", true},
		{"none", "", false},
		{"-5", "", false},
		{"-2k", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAmount(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(model.CentPlaces))
		})
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.82", 0.82},
		{"82%", 0.82},
		{"about 65 % sure", 0.65},
		{"1.7", 1.0},
		{"150%", 1.0},
		{"-0.2", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseConfidence(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := parseConfidence("high")
	assert.ErrorIs(t, err, ErrParse)
}

func TestDecodeAnalysisRequiresRecommendation(t *testing.T) {
	_, err := decodeAnalysis("REASONING: something\nCONFIDENCE: 0.8")
	assert.ErrorIs(t, err, ErrParse)

	a, err := decodeAnalysis("RECOMMENDATION: hold")
	require.NoError(t, err)
	assert.Equal(t, defaultReasoning, a.Reasoning)
	assert.InDelta(t, defaultConfidence, a.Confidence, 1e-9)
}

func TestPrimaryMode(t *testing.T) {
	assert.Equal(t, model.ModeBalanced, PrimaryMode([]model.Mode{model.ModeConservative, model.ModeBalanced}))
	assert.Equal(t, model.ModeAggressive, PrimaryMode([]model.Mode{model.ModeAggressive, model.ModeCustom}))
	assert.Equal(t, model.Mode(""), PrimaryMode(nil))
}

func TestBaselineUsesGeneratorOutput(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptBaseline: "RECOMMENDATION: Move $1.3M to Yield Plus\nREASONING: Idle cash exceeds policy.\nRISK_ASSESSMENT: LOW - ample coverage\nCONFIDENCE: 0.88",
	}}
	res, err := NewBaseline(gen, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	assert.Equal(t, "Move $1.3M to Yield Plus", res.Recommendation)
	assert.InDelta(t, 0.88, res.Confidence, 1e-9)
	assert.False(t, res.Degraded)
	trace, ok := res.Trace.(model.RationaleTrace)
	require.True(t, ok)
	assert.Equal(t, res.Rationale, trace.Text)
	assert.Contains(t, trace.Text, "Idle cash exceeds policy.")
	assertAmount(t, 1_296_000, res.Transfer.Amount)
}

func TestBaselineFallsBackWhenGeneratorFails(t *testing.T) {
	res, err := NewBaseline(generator.NoopGenerator{}, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeConservative))
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.InDelta(t, baselineFallbackConfidence, res.Confidence, 1e-9)
	assert.Equal(t, "conservative mode implies 39.00% idle cash, 50.0 days coverage: Transfer $1,560,000 from Operating to Yield Plus", res.Recommendation)
	assert.NotEmpty(t, res.Trace.(model.RationaleTrace).Text)
}

func TestBaselineRejectsMissingMetrics(t *testing.T) {
	in := testInput(model.ModeCustom)
	_, err := NewBaseline(generator.NoopGenerator{}, testutil.TestLogger()).Run(context.Background(), in)
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestDebateRecordsBothOpinionsAndSynthesis(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptConservative: "STANCE: Keep a thick buffer\nTRANSFER_AMOUNT: $600,000\nCONFIDENCE: 0.82\nREASONING: Payroll risk.",
		promptAggressive:   "STANCE: Idle cash is wasted\nTRANSFER_AMOUNT: $1,100,000\nCONFIDENCE: 0.85\nREASONING: Coverage is 50 days.",
		promptMediator:     "SYNTHESIS: Both agree cash is idle; they differ on size.\nRECOMMENDATION: Transfer $850,000 from Operating to Yield Plus\nFINAL_AMOUNT: $850,000\nCONFIDENCE: 0.8\nREASONING: Splits the difference.",
	}}
	res, err := NewDebate(gen, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	trace, ok := res.Trace.(model.DebateTrace)
	require.True(t, ok)
	assert.Equal(t, agentConservative, trace.Conservative.Agent)
	assert.InDelta(t, 0.82, trace.Conservative.Confidence, 1e-9)
	assertAmount(t, 600_000, trace.Conservative.TransferAmount)
	assert.Equal(t, agentAggressive, trace.Aggressive.Agent)
	assert.InDelta(t, 0.85, trace.Aggressive.Confidence, 1e-9)
	assertAmount(t, 1_100_000, trace.Aggressive.TransferAmount)
	assert.Equal(t, "Both agree cash is idle; they differ on size.", trace.Synthesis)

	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assertAmount(t, 850_000, res.Transfer.Amount)
	assert.Equal(t, "Operating", res.Transfer.FromAccount)
	assert.Equal(t, "Yield Plus", res.Transfer.ToAccount)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{promptConservative, promptAggressive, promptMediator}, gen.calls, "stages run in order")
}

func TestDebateQuotesSafetyAdvocateVerbatim(t *testing.T) {
	consReply := "STANCE: Keep a thick buffer\nTRANSFER_AMOUNT: $600,000\nCONFIDENCE: 0.82\nREASONING: Payroll risk.\nAlso: the March tax payment is not in the forecast."
	gen := &scriptedGenerator{replies: map[string]string{
		promptConservative: consReply,
		promptAggressive:   "STANCE: Idle cash is wasted\nTRANSFER_AMOUNT: $1.1M\nCONFIDENCE: 85%\nREASONING: Coverage is 50 days.",
		promptMediator:     "SYNTHESIS: Split.\nRECOMMENDATION: Transfer $850k\nFINAL_AMOUNT: $850k\nCONFIDENCE: 0.8\nREASONING: Middle ground.",
	}}
	res, err := NewDebate(gen, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	assert.Contains(t, gen.prompts[promptAggressive], consReply)
	trace := res.Trace.(model.DebateTrace)
	assertAmount(t, 1_100_000, trace.Aggressive.TransferAmount)
	assert.InDelta(t, 0.85, trace.Aggressive.Confidence, 1e-9)
	assertAmount(t, 850_000, res.Transfer.Amount)
}

func TestDebateQuotesUndecodableSafetyResponse(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptConservative: "I think we should be careful with payroll next week.",
		promptAggressive:   "Move it all.",
	}}
	res, err := NewDebate(gen, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	assert.Contains(t, gen.prompts[promptAggressive], "I think we should be careful with payroll next week.")
	assert.True(t, res.Trace.(model.DebateTrace).Conservative.Placeholder)
	assert.True(t, res.Degraded)
}

func TestDebateCompletesWithMalformedOutputAtEveryStage(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptConservative: "I think we should be careful.",
		promptAggressive:   "STANCE: invest\nTRANSFER_AMOUNT: lots",
		promptMediator:     "No idea.",
	}}
	res, err := NewDebate(gen, testutil.TestLogger()).Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	trace := res.Trace.(model.DebateTrace)
	for _, op := range []model.Opinion{trace.Conservative, trace.Aggressive} {
		assert.True(t, op.Placeholder)
		assert.Equal(t, placeholderStance, op.Stance)
		assert.InDelta(t, placeholderConfidence, op.Confidence, 1e-9)
		assert.True(t, op.TransferAmount.IsZero())
	}
	assert.Equal(t, mediatorFallback, trace.Synthesis)
	assert.Equal(t, "Transfer $1,296,000 from Operating to Yield Plus", res.Recommendation)
	assert.InDelta(t, mediatorConfidence, res.Confidence, 1e-9)
	assertAmount(t, 1_296_000, res.Transfer.Amount)
	assert.True(t, res.Degraded)
}

func TestDebateFallsBackToPrimaryMetricsForMissingSides(t *testing.T) {
	in := testInput(model.ModeBalanced)
	delete(in.Results, model.ModeConservative)
	delete(in.Results, model.ModeAggressive)

	res, err := NewDebate(generator.NoopGenerator{}, testutil.TestLogger()).Run(context.Background(), in)
	require.NoError(t, err)
	assert.IsType(t, model.DebateTrace{}, res.Trace)
}

type fakeStats struct {
	stats model.OutcomeStats
	err   error
}

func (f fakeStats) RecentOutcomeStats(context.Context, int) (model.OutcomeStats, error) {
	return f.stats, f.err
}

type failingMarket struct{}

func (failingMarket) Snapshot(context.Context) (model.MarketSnapshot, error) {
	return model.MarketSnapshot{}, errors.New("feed down")
}

func newTestWorkflow(gen generator.Generator, d Deps) *Workflow {
	d.Generator = gen
	d.Logger = testutil.TestLogger()
	w := NewWorkflow(d)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n int
	w.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return w
}

func TestWorkflowRecordsFourOrderedSteps(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptHistory:  "LESSONS: Executed recommendations were well calibrated.",
		promptSelector: "CHOSEN_MODE: aggressive\nCONFIDENCE: 0.77\nREASONING: Rates are high.",
		promptWriter:   "RECOMMENDATION: Transfer $920,000 from Operating to Yield Plus\nREASONING: Aggressive fits.\nCONFIDENCE: 0.83",
	}}
	mean := 12.0
	w := newTestWorkflow(gen, Deps{Stats: fakeStats{stats: model.OutcomeStats{SampleCount: 20, FollowUpCount: 5, MeanYieldErrorBps: &mean}}})

	res, err := w.Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	trace, ok := res.Trace.(model.WorkflowTrace)
	require.True(t, ok)
	require.Len(t, trace.Steps, 4)
	wantAgents := []string{AgentMarketAnalyst, AgentOutcomeAnalyst, AgentStrategySelector, AgentRecommendationWriter}
	wantActions := []string{ActionFetchMarketContext, ActionAnalyzeHistory, ActionSelectMode, ActionFinalRecommendation}
	for i, s := range trace.Steps {
		assert.Equal(t, wantAgents[i], s.Agent)
		assert.Equal(t, wantActions[i], s.Action)
		assert.False(t, s.Timestamp.IsZero())
		if i > 0 {
			assert.True(t, s.Timestamp.After(trace.Steps[i-1].Timestamp))
		}
	}
	assert.Equal(t, 20, trace.Steps[1].Output["sample_count"])
	assert.Equal(t, "aggressive", trace.Steps[2].Output["chosen_mode"])

	assert.InDelta(t, 0.83, res.Confidence, 1e-9)
	assertAmount(t, 920_000, res.Transfer.Amount)
	assert.Equal(t, 92, res.PredictedYieldBps)
	assert.False(t, res.Degraded)
}

func TestWorkflowAlwaysHasFourStepsWhenEveryStageFails(t *testing.T) {
	w := newTestWorkflow(generator.NoopGenerator{}, Deps{Market: failingMarket{}, Stats: fakeStats{err: errors.New("db down")}})

	res, err := w.Run(context.Background(), testInput(model.ModeBalanced))
	require.NoError(t, err)

	trace := res.Trace.(model.WorkflowTrace)
	require.Len(t, trace.Steps, 4)
	assert.Equal(t, "static", trace.Steps[0].Output["source"])
	assert.Contains(t, trace.Steps[0].Reasoning, "static default snapshot")
	assert.Equal(t, insufficientHistory, trace.Steps[1].Reasoning)
	assert.Equal(t, "balanced", trace.Steps[2].Output["chosen_mode"])
	assert.InDelta(t, selectorFallbackConfidence, trace.Steps[2].Output["confidence"], 1e-9)

	assert.Equal(t, "Transfer $1,296,000 from Operating to Yield Plus", res.Recommendation)
	assert.InDelta(t, writerFallbackConfidence, res.Confidence, 1e-9)
	assert.True(t, res.Degraded)
}

func TestWorkflowRejectsChosenModeWithoutMetrics(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		promptHistory:  "LESSONS: none",
		promptSelector: "CHOSEN_MODE: custom\nCONFIDENCE: 0.9\nREASONING: why not",
		promptWriter:   "RECOMMENDATION: Hold.\nCONFIDENCE: 0.6",
	}}
	in := testInput(model.ModeAggressive)
	delete(in.Results, model.ModeBalanced)

	res, err := newTestWorkflow(gen, Deps{}).Run(context.Background(), in)
	require.NoError(t, err)

	trace := res.Trace.(model.WorkflowTrace)
	assert.Equal(t, "aggressive", trace.Steps[2].Output["chosen_mode"], "falls back to the primary when balanced is absent")
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
}

func TestNewSelectsStrategy(t *testing.T) {
	d := Deps{Generator: generator.NoopGenerator{}, Logger: testutil.TestLogger()}
	for _, name := range []string{NameBaseline, NameDebate, NameWorkflow} {
		s, err := New(name, d)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	_, err := New("oracle", d)
	assert.Error(t, err)
}
