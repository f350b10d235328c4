package pipeline

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/model"
)

const (
	agentConservative = "conservative_advocate"
	agentAggressive   = "aggressive_advocate"

	placeholderStance     = "no clear stance"
	placeholderConfidence = 0.75
	mediatorFallback      = "mediator unavailable: positions recorded without synthesis"
	mediatorConfidence    = 0.75
)

// Debate runs a safety advocate, a yield advocate, and a mediator in
// sequence. Each stage sees the previous stages' output.
type Debate struct {
	gen    generator.Generator
	logger *slog.Logger
}

// NewDebate creates the three-stage strategy.
func NewDebate(gen generator.Generator, logger *slog.Logger) *Debate {
	return &Debate{gen: gen, logger: logger}
}

// Name returns "debate".
func (*Debate) Name() string { return NameDebate }

// Run always returns a trace with both opinions and a synthesis.
func (d *Debate) Run(ctx context.Context, in Input) (Result, error) {
	own, err := in.Metrics()
	if err != nil {
		return Result{}, err
	}
	metricsFor := func(mode model.Mode) model.Metrics {
		if m, ok := in.Results[mode]; ok {
			return m
		}
		return own
	}
	consMetrics := metricsFor(model.ModeConservative)
	aggrMetrics := metricsFor(model.ModeAggressive)
	balMetrics := metricsFor(model.ModeBalanced)

	var degraded bool

	cons, consText, err := d.opinion(ctx, agentConservative, conservativePrompt(in.Context, consMetrics))
	if err != nil {
		d.logger.Warn("pipeline: debate stage degraded", "stage", agentConservative, "error", err)
		cons, degraded = placeholder(agentConservative), true
	}
	if consText == "" {
		consText = renderOpinion(cons)
	}

	aggr, _, err := d.opinion(ctx, agentAggressive, aggressivePrompt(in.Context, aggrMetrics, consText))
	if err != nil {
		d.logger.Warn("pipeline: debate stage degraded", "stage", agentAggressive, "error", err)
		aggr, degraded = placeholder(agentAggressive), true
	}

	med, err := d.mediate(ctx, in.Context, balMetrics, cons, aggr)
	if err != nil {
		d.logger.Warn("pipeline: debate stage degraded", "stage", "mediator", "error", err)
		med = mediation{
			Synthesis:      mediatorFallback,
			Recommendation: balMetrics.Recommendation,
			Reasoning:      mediatorFallback,
			FinalAmount:    balMetrics.TransferDetails.Amount,
			Confidence:     mediatorConfidence,
		}
		degraded = true
	}

	res := Result{
		Recommendation: med.Recommendation,
		Rationale:      med.Reasoning,
		Confidence:     med.Confidence,
		Trace: model.DebateTrace{
			Conservative: cons,
			Aggressive:   aggr,
			Synthesis:    med.Synthesis,
		},
		PredictedYieldBps: scaledYield(balMetrics, med.FinalAmount),
		PredictedRiskPct:  balMetrics.ShortfallRiskPct,
		Degraded:          degraded,
	}
	if med.FinalAmount.IsPositive() {
		from, to := route(in.Context, balMetrics.TransferDetails)
		res.Transfer = model.Transfer{FromAccount: from, ToAccount: to, Amount: med.FinalAmount}
	}
	return res, nil
}

// opinion returns the decoded opinion and the raw response. The raw text is
// returned even when decoding fails, so later stages can still read it.
func (d *Debate) opinion(ctx context.Context, agent, prompt string) (model.Opinion, string, error) {
	text, err := d.gen.Generate(ctx, systemAnalyst, prompt)
	if err != nil {
		return model.Opinion{}, "", err
	}
	op, err := decodeOpinion(agent, text)
	return op, text, err
}

func (d *Debate) mediate(ctx context.Context, sc model.SimulationContext, balanced model.Metrics, cons, aggr model.Opinion) (mediation, error) {
	text, err := d.gen.Generate(ctx, systemAnalyst, mediatorPrompt(sc, balanced, cons, aggr))
	if err != nil {
		return mediation{}, err
	}
	return decodeMediation(text)
}

func placeholder(agent string) model.Opinion {
	return model.Opinion{
		Agent:       agent,
		Stance:      placeholderStance,
		Confidence:  placeholderConfidence,
		Placeholder: true,
	}
}
