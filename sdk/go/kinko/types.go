package kinko

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mode names a simulation strategy.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeCustom       Mode = "custom"
)

// RunStatus is the lifecycle state of a scenario run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run will not change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Parameters are optional per-batch tuning knobs. Nil fields use the
// server's per-mode defaults.
type Parameters struct {
	LiquidityThresholdPct   *float64           `json:"liquidity_threshold_pct,omitempty"`
	InvestmentHorizonDays   *int               `json:"investment_horizon_days,omitempty"`
	RiskAppetite            *string            `json:"risk_appetite,omitempty"`
	CustomRiskMultiplier    *float64           `json:"custom_risk_multiplier,omitempty"`
	CustomTransferThreshold *float64           `json:"custom_transfer_threshold,omitempty"`
	FXRates                 map[string]float64 `json:"fx_rates,omitempty"`
}

// RunRequest is the body of POST /scenarios/run.
type RunRequest struct {
	Modes      []Mode      `json:"modes"`
	Parameters *Parameters `json:"parameters,omitempty"`
}

// RunResponse identifies an accepted batch. Scenario IDs are in request order.
type RunResponse struct {
	BatchID     uuid.UUID   `json:"batch_id"`
	ScenarioIDs []uuid.UUID `json:"scenario_ids"`
}

// Transfer is a proposed movement of funds between two accounts.
type Transfer struct {
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
}

// Metrics is the simulated outcome of one mode.
type Metrics struct {
	IdleCashPct           float64  `json:"idle_cash_pct"`
	LiquidityCoverageDays float64  `json:"liquidity_coverage_days"`
	EstYieldBps           int      `json:"est_yield_bps"`
	ShortfallRiskPct      float64  `json:"shortfall_risk_pct"`
	Recommendation        string   `json:"recommendation"`
	TransferDetails       Transfer `json:"transfer_details"`
	SandboxID             *string  `json:"sandbox_id,omitempty"`
}

// ScenarioRun is one mode's execution within a batch.
type ScenarioRun struct {
	ID               uuid.UUID  `json:"id"`
	BatchID          uuid.UUID  `json:"batch_id"`
	Mode             Mode       `json:"mode"`
	Status           RunStatus  `json:"status"`
	Metrics          *Metrics   `json:"metrics,omitempty"`
	Recommendation   *string    `json:"recommendation,omitempty"`
	Confidence       *float64   `json:"confidence,omitempty"`
	ConfidenceReason *string    `json:"confidence_reason,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	OutcomeID        *uuid.UUID `json:"outcome_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	// RawPipelineOutput is the strategy trace, tagged by its "kind" field
	// (rationale, debate, or workflow).
	RawPipelineOutput json.RawMessage `json:"raw_pipeline_output,omitempty"`
}

// ListResponse is a page of the most recent runs.
type ListResponse struct {
	Scenarios []ScenarioRun `json:"scenarios"`
	Total     int           `json:"total"`
	Limit     int           `json:"limit"`
}

// RecentActivity is one row of the stats activity feed.
type RecentActivity struct {
	ID        uuid.UUID `json:"id"`
	Mode      Mode      `json:"mode"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ScenarioStats summarises all scenario runs.
type ScenarioStats struct {
	Total              int              `json:"total"`
	Pending            int              `json:"pending"`
	Running            int              `json:"running"`
	Completed          int              `json:"completed"`
	Failed             int              `json:"failed"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
	RecentActivity     []RecentActivity `json:"recent_activity"`
}

// Outcome is the recorded prediction of an actionable recommendation plus
// whatever execution and follow-up data has been reported for it.
type Outcome struct {
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

// ExecutionRequest reports that a recommended transfer was carried out.
type ExecutionRequest struct {
	ExecutedAmount decimal.Decimal `json:"executed_amount"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

// FollowUpRequest reports the realised yield and shortfall risk.
type FollowUpRequest struct {
	ActualYieldBps      int     `json:"actual_yield_bps"`
	ActualShortfallRisk float64 `json:"actual_shortfall_risk_pct"`
}

// OutcomeStats aggregates the most recent window of outcomes.
type OutcomeStats struct {
	SampleCount              int      `json:"sample_count"`
	ExecutedCount            int      `json:"executed_count"`
	ExecutionRate            float64  `json:"execution_rate"`
	AvgConfidenceExecuted    *float64 `json:"avg_confidence_executed,omitempty"`
	AvgConfidenceNotExecuted *float64 `json:"avg_confidence_not_executed,omitempty"`
	FollowUpCount            int      `json:"follow_up_count"`
	MeanYieldErrorBps        *float64 `json:"mean_yield_error_bps,omitempty"`
}

// OutcomeStatsResponse pairs the stats with the window they cover.
type OutcomeStatsResponse struct {
	Window int          `json:"window"`
	Stats  OutcomeStats `json:"stats"`
}

// Health is the server's health report.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	Simulation string `json:"simulation"`
	Strategy   string `json:"strategy"`
	ActiveRuns int    `json:"active_runs"`
	MaxRuns    int    `json:"max_runs"`
	Learning   bool   `json:"learning"`
	Uptime     int64  `json:"uptime_seconds"`
}

// apiEnvelope is the server's standard success response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ActiveRuns *int `json:"active_runs"`
}
