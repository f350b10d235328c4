package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecommendationOutcome records one actionable recommendation so later
// execution and follow-up measurements can be compared with the prediction.
type RecommendationOutcome struct {
	ID                     uuid.UUID        `json:"id"`
	ScenarioRunID          *uuid.UUID       `json:"scenario_run_id,omitempty"`
	RecommendedAmount      decimal.Decimal  `json:"recommended_amount"`
	FromAccount            string           `json:"from_account"`
	ToAccount              string           `json:"to_account"`
	Confidence             float64          `json:"confidence"`
	PredictedYieldBps      int              `json:"predicted_yield_bps"`
	PredictedShortfallRisk float64          `json:"predicted_shortfall_risk_pct"`
	WasExecuted            bool             `json:"was_executed"`
	ExecutedAt             *time.Time       `json:"executed_at,omitempty"`
	ExecutedAmount         *decimal.Decimal `json:"executed_amount,omitempty"`
	ActualYieldBps         *int             `json:"actual_yield_bps,omitempty"`
	ActualShortfallRisk    *float64         `json:"actual_shortfall_risk_pct,omitempty"`
	FollowUpAt             *time.Time       `json:"follow_up_at,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// OutcomeStats aggregates the most recent window of outcomes.
// MeanYieldErrorBps is nil when no outcome in the window has a follow-up.
type OutcomeStats struct {
	SampleCount              int      `json:"sample_count"`
	ExecutedCount            int      `json:"executed_count"`
	ExecutionRate            float64  `json:"execution_rate"`
	AvgConfidenceExecuted    *float64 `json:"avg_confidence_executed,omitempty"`
	AvgConfidenceNotExecuted *float64 `json:"avg_confidence_not_executed,omitempty"`
	FollowUpCount            int      `json:"follow_up_count"`
	MeanYieldErrorBps        *float64 `json:"mean_yield_error_bps,omitempty"`
}

// RecommendationEvent is the record handed to the observability sink for
// every recommendation-bearing terminal transition.
type RecommendationEvent struct {
	ScenarioID     uuid.UUID       `json:"scenario_id"`
	BatchID        uuid.UUID       `json:"batch_id"`
	Mode           Mode            `json:"mode"`
	Strategy       string          `json:"strategy"`
	Status         RunStatus       `json:"status"`
	Confidence     float64         `json:"confidence"`
	BaseConfidence float64         `json:"base_confidence"`
	TransferAmount decimal.Decimal `json:"transfer_amount"`
	Degraded       bool            `json:"degraded"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration_ns"`
}
