package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
// ActiveRuns is only populated on admission rejections.
type APIError struct {
	Error      ErrorDetail  `json:"error"`
	ActiveRuns *int         `json:"active_runs,omitempty"`
	Meta       ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// RunScenariosRequest is the request body for POST /scenarios/run.
type RunScenariosRequest struct {
	Modes      []Mode                `json:"modes" validate:"required,min=1,max=4,unique,dive,oneof=conservative balanced aggressive custom"`
	Parameters *SimulationParameters `json:"parameters,omitempty" validate:"omitempty"`
}

// RunScenariosResponse is returned with 202 Accepted.
type RunScenariosResponse struct {
	BatchID     uuid.UUID   `json:"batch_id"`
	ScenarioIDs []uuid.UUID `json:"scenario_ids"`
}

// RecordExecutionRequest is the request body for POST /outcomes/{id}/execution.
type RecordExecutionRequest struct {
	ExecutedAmount decimal.Decimal `json:"executed_amount" validate:"gt=0"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

// RecordFollowUpRequest is the request body for POST /outcomes/{id}/follow-up.
type RecordFollowUpRequest struct {
	ActualYieldBps      int     `json:"actual_yield_bps" validate:"gte=-10000,lte=10000"`
	ActualShortfallRisk float64 `json:"actual_shortfall_risk_pct" validate:"gte=0,lte=100"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
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
