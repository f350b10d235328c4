package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/model"
)

const baselineFallbackConfidence = 0.5

// Baseline makes one generator call for the run's own mode.
type Baseline struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewBaseline creates the single-stage strategy.
func NewBaseline(gen generator.Generator, logger *slog.Logger) *Baseline {
	if gen == nil {
		gen = generator.NoopGenerator{}
	}
	return &Baseline{gen: gen, logger: logger}
}

// Name returns "baseline".
func (*Baseline) Name() string { return NameBaseline }

// Run asks the generator to analyze the mode's metrics. On any generation or
// decode failure it synthesizes a recommendation from the metrics alone.
func (b *Baseline) Run(ctx context.Context, in Input) (Result, error) {
	m, err := in.Metrics()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Transfer:          m.TransferDetails,
		PredictedYieldBps: m.EstYieldBps,
		PredictedRiskPct:  m.ShortfallRiskPct,
	}

	a, err := b.analyze(ctx, in.Mode, in.Context, m)
	if err != nil {
		b.logger.Warn("pipeline: baseline generation degraded", "mode", in.Mode, "error", err)
		res.Recommendation = fallbackRecommendation(in.Mode, m)
		res.Rationale = fmt.Sprintf("Generated from simulated metrics only: %v", err)
		res.Confidence = baselineFallbackConfidence
		res.Degraded = true
	} else {
		res.Recommendation = a.Recommendation
		res.Rationale = a.Reasoning
		if a.RiskAssessment != "" {
			res.Rationale += "\n\nRisk: " + a.RiskAssessment
		}
		res.Confidence = a.Confidence
	}
	res.Trace = model.RationaleTrace{Text: res.Rationale}
	return res, nil
}

func (b *Baseline) analyze(ctx context.Context, mode model.Mode, sc model.SimulationContext, m model.Metrics) (analysis, error) {
	text, err := b.gen.Generate(ctx, systemAnalyst, baselinePrompt(mode, sc, m))
	if err != nil {
		return analysis{}, err
	}
	return decodeAnalysis(text)
}

func fallbackRecommendation(mode model.Mode, m model.Metrics) string {
	return fmt.Sprintf("%s mode implies %.2f%% idle cash, %.1f days coverage: %s",
		mode, m.IdleCashPct, m.LiquidityCoverageDays, m.Recommendation)
}
