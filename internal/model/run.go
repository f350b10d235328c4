// Package model defines the core domain types for Kinko.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} except where
// a payload is a genuine tagged union (see PipelineTrace).
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a scenario run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Mode names a simulation strategy. The set is closed but extensible:
// adding a mode means adding a constant here and its formula defaults in
// the simulation package.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
	ModeCustom       Mode = "custom"
)

// KnownModes lists every mode the system can simulate, in display order.
var KnownModes = []Mode{ModeConservative, ModeBalanced, ModeAggressive, ModeCustom}

// Valid reports whether m is one of KnownModes.
func (m Mode) Valid() bool {
	for _, k := range KnownModes {
		if m == k {
			return true
		}
	}
	return false
}

// ScenarioRun is one mode's execution within a batch.
//
// Invariants: CompletedAt is set iff Status is terminal. Recommendation and
// Metrics are set only when Status is completed.
type ScenarioRun struct {
	ID                uuid.UUID     `json:"id"`
	BatchID           uuid.UUID     `json:"batch_id"`
	Mode              Mode          `json:"mode"`
	Status            RunStatus     `json:"status"`
	Metrics           *Metrics      `json:"metrics,omitempty"`
	Recommendation    *string       `json:"recommendation,omitempty"`
	RawPipelineOutput PipelineTrace `json:"-"`
	Confidence        *float64      `json:"confidence,omitempty"`
	ConfidenceReason  *string       `json:"confidence_reason,omitempty"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	OutcomeID         *uuid.UUID    `json:"outcome_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// MarshalJSON renders RawPipelineOutput through the trace envelope so the
// variant tag travels with the payload.
func (r ScenarioRun) MarshalJSON() ([]byte, error) {
	type alias ScenarioRun
	out := struct {
		alias
		RawPipelineOutput json.RawMessage `json:"raw_pipeline_output,omitempty"`
	}{alias: alias(r)}
	if r.RawPipelineOutput != nil {
		raw, err := MarshalTrace(r.RawPipelineOutput)
		if err != nil {
			return nil, err
		}
		out.RawPipelineOutput = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *ScenarioRun) UnmarshalJSON(data []byte) error {
	type alias ScenarioRun
	in := struct {
		*alias
		RawPipelineOutput json.RawMessage `json:"raw_pipeline_output,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.RawPipelineOutput) > 0 && string(in.RawPipelineOutput) != "null" {
		t, err := UnmarshalTrace(in.RawPipelineOutput)
		if err != nil {
			return err
		}
		r.RawPipelineOutput = t
	}
	return nil
}

// CheckInvariants returns an error if r violates the lifecycle invariants.
func (r ScenarioRun) CheckInvariants() error {
	if r.Status.Terminal() != (r.CompletedAt != nil) {
		return fmt.Errorf("run %s: completed_at set=%t with status %s", r.ID, r.CompletedAt != nil, r.Status)
	}
	if r.Status == RunStatusCompleted {
		if r.Metrics == nil || r.Recommendation == nil || *r.Recommendation == "" {
			return fmt.Errorf("run %s: completed without metrics or recommendation", r.ID)
		}
	} else if r.Metrics != nil || r.Recommendation != nil {
		return fmt.Errorf("run %s: metrics or recommendation set with status %s", r.ID, r.Status)
	}
	return nil
}

// RunCompletion carries everything written when a run reaches Completed.
type RunCompletion struct {
	ID               uuid.UUID
	Metrics          Metrics
	Recommendation   string
	Trace            PipelineTrace
	Confidence       float64
	ConfidenceReason string
}

// ScenarioStats summarises scenario runs for GET /scenarios/stats.
type ScenarioStats struct {
	Total              int              `json:"total"`
	Pending            int              `json:"pending"`
	Running            int              `json:"running"`
	Completed          int              `json:"completed"`
	Failed             int              `json:"failed"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
	RecentActivity     []RecentActivity `json:"recent_activity"`
}

// RecentActivity is one row of the stats activity feed.
type RecentActivity struct {
	ID        uuid.UUID `json:"id"`
	Mode      Mode      `json:"mode"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
