// Package simulation computes per-mode treasury metrics for a batch.
//
// Two providers are available: HTTPProvider talks to the remote simulation
// service, and LocalProvider evaluates the same formulas in-process.
package simulation

import (
	"context"
	"errors"

	"github.com/ashita-ai/kinko/internal/model"
)

// ErrUnavailable is returned by Healthy when the provider cannot accept work.
var ErrUnavailable = errors.New("simulation: provider unavailable")

// Provider computes metrics for every requested mode in one call.
type Provider interface {
	Healthy(ctx context.Context) error
	SimulateBatch(ctx context.Context, sc model.SimulationContext, modes []model.Mode, params *model.SimulationParameters) (BatchResult, error)
}

// BatchResult holds one entry per mode that produced metrics, and an error
// message per mode that did not. A mode may be absent from both.
type BatchResult struct {
	Results map[model.Mode]model.Metrics
	Errors  map[model.Mode]string
}

// Metrics returns the metrics for mode, if present.
func (b BatchResult) Metrics(mode model.Mode) (model.Metrics, bool) {
	m, ok := b.Results[mode]
	return m, ok
}
