package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TraceKind tags the PipelineTrace variant.
type TraceKind string

const (
	TraceKindRationale TraceKind = "rationale"
	TraceKindDebate    TraceKind = "debate"
	TraceKindWorkflow  TraceKind = "workflow"
)

// PipelineTrace is the structured record a pipeline strategy leaves behind.
// It is a closed union: RationaleTrace, DebateTrace, or WorkflowTrace.
// Consumers switch on the concrete type (or Kind) rather than assume a shape.
type PipelineTrace interface {
	Kind() TraceKind
	pipelineTrace()
}

// RationaleTrace is the single-stage trace: the rationale text itself.
type RationaleTrace struct {
	Text string `json:"text"`
}

func (RationaleTrace) Kind() TraceKind { return TraceKindRationale }
func (RationaleTrace) pipelineTrace()  {}

// Opinion is one debate participant's position.
type Opinion struct {
	Agent          string          `json:"agent"`
	Stance         string          `json:"stance"`
	Reasoning      string          `json:"reasoning"`
	TransferAmount decimal.Decimal `json:"transfer_amount"`
	Confidence     float64         `json:"confidence"`
	Placeholder    bool            `json:"placeholder,omitempty"`
}

// DebateTrace records the three-party debate.
type DebateTrace struct {
	Conservative Opinion `json:"conservative"`
	Aggressive   Opinion `json:"aggressive"`
	Synthesis    string  `json:"synthesis"`
}

func (DebateTrace) Kind() TraceKind { return TraceKindDebate }
func (DebateTrace) pipelineTrace()  {}

// WorkflowStep is one ordered stage of the workflow pipeline.
type WorkflowStep struct {
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Reasoning string         `json:"reasoning"`
	Output    map[string]any `json:"output"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkflowTrace is the ordered list of workflow steps.
type WorkflowTrace struct {
	Steps []WorkflowStep `json:"steps"`
}

func (WorkflowTrace) Kind() TraceKind { return TraceKindWorkflow }
func (WorkflowTrace) pipelineTrace()  {}

// traceEnvelope is the wire and storage form of a PipelineTrace.
type traceEnvelope struct {
	Kind TraceKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalTrace encodes t with its variant tag.
func MarshalTrace(t PipelineTrace) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s trace: %w", t.Kind(), err)
	}
	return json.Marshal(traceEnvelope{Kind: t.Kind(), Data: data})
}

// UnmarshalTrace decodes an envelope written by MarshalTrace.
func UnmarshalTrace(raw []byte) (PipelineTrace, error) {
	var env traceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("model: decode trace envelope: %w", err)
	}
	var (
		t   PipelineTrace
		err error
	)
	switch env.Kind {
	case TraceKindRationale:
		var v RationaleTrace
		err = json.Unmarshal(env.Data, &v)
		t = v
	case TraceKindDebate:
		var v DebateTrace
		err = json.Unmarshal(env.Data, &v)
		t = v
	case TraceKindWorkflow:
		var v WorkflowTrace
		err = json.Unmarshal(env.Data, &v)
		t = v
	default:
		return nil, fmt.Errorf("model: unknown trace kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decode %s trace: %w", env.Kind, err)
	}
	return t, nil
}
