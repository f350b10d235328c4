// Package pipeline turns simulation metrics into a recommendation.
//
// A Strategy is one of Baseline, Debate, or Workflow. Every strategy shares
// the same Result contract and never fails because the generator failed:
// each stage decodes the generator output and, on error, takes a documented
// fallback. Run returns an error only for invalid input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/generator"
	"github.com/ashita-ai/kinko/internal/market"
	"github.com/ashita-ai/kinko/internal/model"
)

// ErrNoMetrics is returned when the input lacks metrics for the run's mode.
var ErrNoMetrics = errors.New("pipeline: no metrics for mode")

// Input is everything a strategy needs to produce one run's recommendation.
type Input struct {
	Mode    model.Mode
	Context model.SimulationContext
	// Results holds the metrics of every mode in the batch that simulated.
	Results map[model.Mode]model.Metrics
}

// Metrics returns the metrics for the input's own mode.
func (in Input) Metrics() (model.Metrics, error) {
	m, ok := in.Results[in.Mode]
	if !ok {
		return model.Metrics{}, fmt.Errorf("%w %s", ErrNoMetrics, in.Mode)
	}
	return m, nil
}

// Result is the shared output contract of every strategy.
type Result struct {
	Recommendation string
	Rationale      string
	Confidence     float64
	Trace          model.PipelineTrace
	// Transfer is the transfer the recommendation names; zero Amount means
	// nothing actionable.
	Transfer          model.Transfer
	PredictedYieldBps int
	PredictedRiskPct  float64
	// Degraded is set when any stage took its fallback.
	Degraded bool
}

// Strategy produces a Result for one run.
type Strategy interface {
	Name() string
	Run(ctx context.Context, in Input) (Result, error)
}

// StatsSource provides aggregate outcome statistics to the workflow
// strategy's history stage.
type StatsSource interface {
	RecentOutcomeStats(ctx context.Context, window int) (model.OutcomeStats, error)
}

// Deps are the collaborators strategies may need.
type Deps struct {
	Generator     generator.Generator
	Market        market.Provider
	Stats         StatsSource // nil disables the history lookup
	HistoryWindow int
	Logger        *slog.Logger
}

// Names of the built-in strategies.
const (
	NameBaseline = "baseline"
	NameDebate   = "debate"
	NameWorkflow = "workflow"
)

// New returns the strategy registered under name.
func New(name string, d Deps) (Strategy, error) {
	switch name {
	case NameBaseline:
		return NewBaseline(d.Generator, d.Logger), nil
	case NameDebate:
		return NewDebate(d.Generator, d.Logger), nil
	case NameWorkflow:
		return NewWorkflow(d), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown strategy %q", name)
	}
}

// PrimaryMode picks the mode the multi-stage strategy runs for: balanced if
// requested, otherwise the first requested mode.
func PrimaryMode(modes []model.Mode) model.Mode {
	for _, m := range modes {
		if m == model.ModeBalanced {
			return m
		}
	}
	if len(modes) == 0 {
		return ""
	}
	return modes[0]
}

// route returns the from/to accounts for a transfer. It prefers the
// simulated transfer's accounts and falls back to the checking and
// high-yield account names.
func route(sc model.SimulationContext, simulated model.Transfer) (from, to string) {
	if simulated.FromAccount != "" && simulated.ToAccount != "" {
		return simulated.FromAccount, simulated.ToAccount
	}
	from, to = "Checking", "High-Yield account"
	for _, a := range sc.Accounts {
		switch a.AccountType {
		case model.AccountChecking:
			if from == "Checking" {
				from = a.Name
			}
		case model.AccountHighYield:
			if to == "High-Yield account" {
				to = a.Name
			}
		}
	}
	return from, to
}

// scaledYield estimates the yield of moving amount, scaling the simulated
// yield linearly by the simulated transfer.
func scaledYield(m model.Metrics, amount decimal.Decimal) int {
	if !m.TransferDetails.Amount.IsPositive() {
		return m.EstYieldBps
	}
	return int(decimal.NewFromInt(int64(m.EstYieldBps)).Mul(amount).Div(m.TransferDetails.Amount).IntPart())
}
