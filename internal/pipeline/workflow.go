package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/market"
	"github.com/ashita-ai/kinko/internal/model"
)

// Workflow agents and their actions, in stage order.
const (
	AgentMarketAnalyst        = "market_analyst"
	AgentOutcomeAnalyst       = "outcome_analyst"
	AgentStrategySelector     = "strategy_selector"
	AgentRecommendationWriter = "recommendation_writer"

	ActionFetchMarketContext   = "fetch_market_context"
	ActionAnalyzeHistory       = "analyze_history"
	ActionSelectMode           = "select_mode"
	ActionFinalRecommendation  = "final_recommendation"
	insufficientHistory        = "insufficient data for analysis"
	selectorFallbackConfidence = 0.7
	writerFallbackConfidence   = 0.75
)

// Workflow runs four sequential stages: market context, history lessons,
// mode selection, and the final recommendation.
type Workflow struct {
	gen    generator.Generator
	market market.Provider
	stats  StatsSource
	window int
	logger *slog.Logger
	now    func() time.Time
}

// NewWorkflow creates the four-stage strategy.
func NewWorkflow(d Deps) *Workflow {
	mp := d.Market
	if mp == nil {
		mp = market.StaticProvider{}
	}
	window := d.HistoryWindow
	if window <= 0 {
		window = 100
	}
	return &Workflow{gen: d.Generator, market: mp, stats: d.Stats, window: window, logger: d.Logger, now: time.Now}
}

// Name returns "workflow".
func (*Workflow) Name() string { return NameWorkflow }

// Run always records exactly four steps.
func (w *Workflow) Run(ctx context.Context, in Input) (Result, error) {
	if _, err := in.Metrics(); err != nil {
		return Result{}, err
	}
	var (
		steps    = make([]model.WorkflowStep, 0, 4)
		degraded bool
	)
	step := func(agent, action, reasoning string, output map[string]any) {
		steps = append(steps, model.WorkflowStep{
			Agent: agent, Action: action, Reasoning: reasoning, Output: output, Timestamp: w.now().UTC(),
		})
	}

	// Stage 1: market context, no generation.
	snap, err := w.market.Snapshot(ctx)
	marketReasoning := fmt.Sprintf("Fetched market context from %s.", snap.Source)
	if err != nil {
		w.logger.Warn("pipeline: market context unavailable", "error", err)
		snap = market.DefaultSnapshot()
		snap.AsOf = w.now().UTC()
		marketReasoning = fmt.Sprintf("Market feed unavailable (%v); using static default snapshot.", err)
		degraded = true
	}
	step(AgentMarketAnalyst, ActionFetchMarketContext, marketReasoning, map[string]any{
		"fed_funds_rate":     snap.FedFundsRate,
		"treasury_3m_yield":  snap.Treasury3MYield,
		"money_market_yield": snap.MoneyMarketYield,
		"source":             snap.Source,
	})

	// Stage 2: historical lessons.
	stats := w.history(ctx)
	lessons, err := w.lessons(ctx, stats)
	if err != nil {
		w.logger.Warn("pipeline: workflow stage degraded", "stage", AgentOutcomeAnalyst, "error", err)
		lessons, degraded = insufficientHistory, true
	}
	historyOut := map[string]any{"lessons": lessons, "sample_count": 0}
	if stats != nil {
		historyOut["sample_count"] = stats.SampleCount
	}
	step(AgentOutcomeAnalyst, ActionAnalyzeHistory, lessons, historyOut)

	// Stage 3: mode selection.
	sel, err := w.selectMode(ctx, in, snap, lessons)
	if err != nil {
		w.logger.Warn("pipeline: workflow stage degraded", "stage", AgentStrategySelector, "error", err)
		fallback := model.ModeBalanced
		if _, ok := in.Results[fallback]; !ok {
			fallback = in.Mode
		}
		sel = selection{
			Mode:       fallback,
			Reasoning:  fmt.Sprintf("Selector unavailable (%v); defaulting to %s.", err, fallback),
			Confidence: selectorFallbackConfidence,
		}
		degraded = true
	}
	step(AgentStrategySelector, ActionSelectMode, sel.Reasoning, map[string]any{
		"chosen_mode": string(sel.Mode),
		"confidence":  sel.Confidence,
	})
	chosen := in.Results[sel.Mode]

	// Stage 4: final recommendation from the chosen mode's metrics.
	final, err := w.write(ctx, in.Context, sel, chosen, snap, lessons)
	if err != nil {
		w.logger.Warn("pipeline: workflow stage degraded", "stage", AgentRecommendationWriter, "error", err)
		final = analysis{
			Recommendation: chosen.Recommendation,
			Reasoning:      fmt.Sprintf("Writer unavailable (%v); using the %s simulation's recommendation.", err, sel.Mode),
			Confidence:     writerFallbackConfidence,
		}
		degraded = true
	}
	step(AgentRecommendationWriter, ActionFinalRecommendation, final.Reasoning, map[string]any{
		"recommendation": final.Recommendation,
		"confidence":     final.Confidence,
		"mode":           string(sel.Mode),
	})

	return Result{
		Recommendation:    final.Recommendation,
		Rationale:         final.Reasoning,
		Confidence:        final.Confidence,
		Trace:             model.WorkflowTrace{Steps: steps},
		Transfer:          chosen.TransferDetails,
		PredictedYieldBps: chosen.EstYieldBps,
		PredictedRiskPct:  chosen.ShortfallRiskPct,
		Degraded:          degraded,
	}, nil
}

func (w *Workflow) history(ctx context.Context) *model.OutcomeStats {
	if w.stats == nil {
		return nil
	}
	stats, err := w.stats.RecentOutcomeStats(ctx, w.window)
	if err != nil {
		w.logger.Warn("pipeline: outcome stats unavailable", "error", err)
		return nil
	}
	return &stats
}

func (w *Workflow) lessons(ctx context.Context, stats *model.OutcomeStats) (string, error) {
	text, err := w.gen.Generate(ctx, systemAnalyst, historyPrompt(stats))
	if err != nil {
		return "", err
	}
	return decodeLessons(text)
}

func (w *Workflow) selectMode(ctx context.Context, in Input, snap model.MarketSnapshot, lessons string) (selection, error) {
	text, err := w.gen.Generate(ctx, systemAnalyst, selectorPrompt(in.Context, in.Results, snap, lessons))
	if err != nil {
		return selection{}, err
	}
	return decodeSelection(text, in.Results)
}

func (w *Workflow) write(ctx context.Context, sc model.SimulationContext, sel selection, m model.Metrics, snap model.MarketSnapshot, lessons string) (analysis, error) {
	text, err := w.gen.Generate(ctx, systemAnalyst, finalPrompt(sc, sel.Mode, m, snap, lessons, sel.Reasoning))
	if err != nil {
		return analysis{}, err
	}
	return decodeAnalysis(text)
}
