// Package learning folds historical recommendation accuracy into confidence
// scores and records new recommendations as outcomes.
//
// Nothing in this package returns an error to the primary recommendation
// path: statistics failures degrade to the base confidence, and recording
// failures are logged and swallowed.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/kinko/internal/model"
)

// Calibration thresholds.
const (
	MinSamples        = 10
	goodErrorBps      = 15.0
	poorErrorBps      = 50.0
	maxBoost          = 0.05
	maxPenalty        = 0.15
	penaltyFloor      = 0.5
	boostDivisor      = 200.0
	penaltyDivisor    = 300.0
	reasonNoFollowUps = "no follow-up measurements yet"
	reasonNormal      = "within normal range"
	reasonStatsError  = "error fetching history"
)

// StatsReader reads aggregate statistics over the most recent outcomes.
type StatsReader interface {
	RecentOutcomeStats(ctx context.Context, window int) (model.OutcomeStats, error)
}

// Adjuster revises confidence using the outcome history.
type Adjuster struct {
	stats  StatsReader
	window int
	logger *slog.Logger
}

// NewAdjuster creates an Adjuster that reads the last window outcomes.
func NewAdjuster(stats StatsReader, window int, logger *slog.Logger) *Adjuster {
	return &Adjuster{stats: stats, window: window, logger: logger}
}

// Adjust returns the revised confidence and a human-readable reason. It
// never fails: a statistics error returns base unchanged.
func (a *Adjuster) Adjust(ctx context.Context, base float64, predictedYieldBps int) (float64, string) {
	stats, err := a.stats.RecentOutcomeStats(ctx, a.window)
	if err != nil {
		a.logger.Warn("learning: outcome stats unavailable",
			"predicted_yield_bps", predictedYieldBps,
			"error", err)
		return clamp(base), reasonStatsError
	}
	return Calibrate(base, stats)
}

// Calibrate applies the calibration policy to one statistics snapshot. It is
// deterministic and always returns a value in [0,1].
func Calibrate(base float64, stats model.OutcomeStats) (float64, string) {
	base = clamp(base)
	if stats.SampleCount < MinSamples {
		return base, fmt.Sprintf("building historical dataset (%d/%d)", stats.SampleCount, MinSamples)
	}
	if stats.MeanYieldErrorBps == nil {
		return base, reasonNoFollowUps
	}
	mean := *stats.MeanYieldErrorBps
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return base, reasonNormal
	}
	switch {
	case mean < goodErrorBps:
		delta := math.Min(maxBoost, (goodErrorBps-mean)/boostDivisor)
		adjusted := math.Min(1.0, base+delta)
		return adjusted, fmt.Sprintf("mean yield error %.1f bps is below %.0f bps: confidence %+.3f", mean, goodErrorBps, adjusted-base)
	case mean > poorErrorBps:
		delta := math.Min(maxPenalty, (mean-poorErrorBps)/penaltyDivisor)
		adjusted := math.Max(penaltyFloor, base-delta)
		if base < penaltyFloor {
			adjusted = base
		}
		return adjusted, fmt.Sprintf("mean yield error %.1f bps exceeds %.0f bps: confidence %+.3f", mean, poorErrorBps, adjusted-base)
	default:
		return base, reasonNormal
	}
}

// clamp bounds v to [0,1]. NaN maps to 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// OutcomeWriter persists outcomes and links them to runs.
type OutcomeWriter interface {
	CreateOutcome(ctx context.Context, o model.RecommendationOutcome) (model.RecommendationOutcome, error)
	LinkOutcome(ctx context.Context, runID, outcomeID uuid.UUID) error
}

// Prediction is what a completed run predicted.
type Prediction struct {
	Transfer          model.Transfer
	Confidence        float64
	PredictedYieldBps int
	PredictedRiskPct  float64
}

// Recorder writes one outcome per actionable recommendation.
type Recorder struct {
	store  OutcomeWriter
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store OutcomeWriter, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record creates the outcome for runID and links it. It returns the outcome
// ID when the outcome was created, even if linking failed. Non-actionable
// predictions and every failure return nil.
func (r *Recorder) Record(ctx context.Context, runID uuid.UUID, p Prediction) *uuid.UUID {
	if !p.Transfer.Actionable() {
		return nil
	}
	o, err := r.store.CreateOutcome(ctx, model.RecommendationOutcome{
		ScenarioRunID:          &runID,
		RecommendedAmount:      p.Transfer.Amount,
		FromAccount:            p.Transfer.FromAccount,
		ToAccount:              p.Transfer.ToAccount,
		Confidence:             p.Confidence,
		PredictedYieldBps:      p.PredictedYieldBps,
		PredictedShortfallRisk: p.PredictedRiskPct,
	})
	if err != nil {
		r.logger.Warn("learning: record outcome failed", "scenario_id", runID, "error", err)
		return nil
	}
	if err := r.store.LinkOutcome(ctx, runID, o.ID); err != nil {
		r.logger.Warn("learning: link outcome failed", "scenario_id", runID, "outcome_id", o.ID, "error", err)
	}
	return &o.ID
}
