// Package orchestrator drives scenario batches from admission to terminal
// state.
//
// Submit is synchronous: it checks the simulation provider, takes an
// admission slot, and persists one Pending run per mode. Everything after
// that runs in a background goroutine per batch: all runs move to Running
// together, the provider is called once for every mode, the primary mode
// goes through the configured strategy while its siblings go through the
// baseline, and each run is committed before its outcome is recorded. The
// slot is released on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kinko/internal/admission"
	"github.com/ashita-ai/kinko/internal/learning"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/pipeline"
	"github.com/ashita-ai/kinko/internal/simulation"
	"github.com/ashita-ai/kinko/internal/telemetry"
)

// ErrNoSimulationResult marks a run whose mode the provider returned nothing
// for. The run fails without invoking any strategy.
var ErrNoSimulationResult = errors.New("no simulation result")

// ErrClosed is returned by Submit after Drain has started.
var ErrClosed = errors.New("orchestrator: shutting down")

// drainGrace bounds the wait for cancelled batches after a drain timeout.
const drainGrace = 5 * time.Second

// Store is the run record store as seen by the orchestrator.
type Store interface {
	CreateScenarioRuns(ctx context.Context, batchID uuid.UUID, modes []model.Mode) ([]model.ScenarioRun, error)
	MarkScenarioRunsRunning(ctx context.Context, ids []uuid.UUID) error
	CompleteScenarioRun(ctx context.Context, c model.RunCompletion) error
	FailScenarioRun(ctx context.Context, id uuid.UUID, msg string) error
	FailOpenScenarioRuns(ctx context.Context, ids []uuid.UUID, msg string) (int64, error)
	LoadSimulationContext(ctx context.Context) (model.SimulationContext, error)
}

// Adjuster revises a base confidence from outcome history.
type Adjuster interface {
	Adjust(ctx context.Context, base float64, predictedYieldBps int) (float64, string)
}

// Recorder stores a completed run's prediction as an outcome.
type Recorder interface {
	Record(ctx context.Context, runID uuid.UUID, p learning.Prediction) *uuid.UUID
}

// Deps are the Coordinator's collaborators. Adjuster and Recorder are left
// nil when historical learning is disabled.
type Deps struct {
	Store      Store
	Simulation simulation.Provider
	Admission  *admission.Controller
	Strategy   pipeline.Strategy
	Baseline   pipeline.Strategy
	Adjuster   Adjuster
	Recorder   Recorder
	Sink       telemetry.Sink
	Logger     *slog.Logger
	// BatchTimeout bounds each batch. Set it to the admission stale
	// threshold so a reclaimed slot never has live work behind it.
	BatchTimeout time.Duration
}

// Coordinator owns the lifecycle of every run it admits.
type Coordinator struct {
	store        Store
	sim          simulation.Provider
	admit        *admission.Controller
	primary      pipeline.Strategy
	baseline     pipeline.Strategy
	adjuster     Adjuster
	recorder     Recorder
	sink         telemetry.Sink
	logger       *slog.Logger
	tracer       trace.Tracer
	batchTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a Coordinator. Background batches derive their context from
// an internal base context cancelled by Drain on timeout.
func New(d Deps) (*Coordinator, error) {
	if d.Store == nil || d.Simulation == nil || d.Admission == nil || d.Strategy == nil {
		return nil, errors.New("orchestrator: store, simulation, admission, and strategy are required")
	}
	if d.Baseline == nil {
		d.Baseline = pipeline.NewBaseline(nil, d.Logger)
	}
	if d.Sink == nil {
		d.Sink = telemetry.NopSink{}
	}
	if d.BatchTimeout <= 0 {
		d.BatchTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        d.Store,
		sim:          d.Simulation,
		admit:        d.Admission,
		primary:      d.Strategy,
		baseline:     d.Baseline,
		adjuster:     d.Adjuster,
		recorder:     d.Recorder,
		sink:         d.Sink,
		logger:       d.Logger,
		tracer:       telemetry.Tracer("kinko/orchestrator"),
		batchTimeout: d.BatchTimeout,
		baseCtx:      ctx,
		cancel:       cancel,
	}, nil
}

// StrategyName reports the configured primary strategy.
func (c *Coordinator) StrategyName() string { return c.primary.Name() }

// Submission is one validated batch request.
type Submission struct {
	Modes      []model.Mode
	Parameters *model.SimulationParameters
}

// Submit admits a batch and starts it in the background. It returns the
// batch ID and the run IDs in request order.
//
// Errors: simulation.ErrUnavailable when the provider is unhealthy (no slot
// taken, no runs created); admission.ErrAtCapacity when every slot is held
// (no runs created); ErrClosed during shutdown.
func (c *Coordinator) Submit(ctx context.Context, s Submission) (model.RunScenariosResponse, error) {
	if len(s.Modes) == 0 {
		return model.RunScenariosResponse{}, errors.New("orchestrator: at least one mode is required")
	}

	if err := c.sim.Healthy(ctx); err != nil {
		if !errors.Is(err, simulation.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", simulation.ErrUnavailable, err)
		}
		return model.RunScenariosResponse{}, err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return model.RunScenariosResponse{}, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	started := false
	defer func() {
		if !started {
			c.wg.Done()
		}
	}()

	batchID := uuid.New()
	if !c.admit.TryAdmit(batchID) {
		return model.RunScenariosResponse{}, admission.ErrAtCapacity
	}

	runs, err := c.store.CreateScenarioRuns(ctx, batchID, s.Modes)
	if err != nil {
		c.admit.Release(batchID)
		return model.RunScenariosResponse{}, fmt.Errorf("orchestrator: create runs: %w", err)
	}

	ids := make([]uuid.UUID, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}

	c.logger.Info("batch admitted",
		"batch_id", batchID,
		"modes", s.Modes,
		"strategy", c.primary.Name(),
		"occupancy", c.admit.Occupancy())

	started = true
	go c.runBatch(batch{id: batchID, runs: runs, ids: ids, params: s.Parameters})

	return model.RunScenariosResponse{BatchID: batchID, ScenarioIDs: ids}, nil
}

// Drain stops accepting batches and waits for in-flight ones. If ctx expires
// first, in-flight batches are cancelled and given drainGrace to fail their
// runs with the cancellation error.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.logger.Warn("orchestrator: drain timed out, cancelling in-flight batches")
		c.cancel()
		// Cancelled batches still write their terminal state.
		select {
		case <-done:
		case <-time.After(drainGrace):
			c.logger.Error("orchestrator: batches did not stop after cancellation", "grace", drainGrace)
		}
		return fmt.Errorf("orchestrator: drain: %w", ctx.Err())
	}
}

type batch struct {
	id     uuid.UUID
	runs   []model.ScenarioRun
	ids    []uuid.UUID
	params *model.SimulationParameters
}

func (c *Coordinator) runBatch(b batch) {
	defer c.wg.Done()
	defer c.admit.Release(b.id)

	ctx, cancel := context.WithTimeout(c.baseCtx, c.batchTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "orchestrator.batch", trace.WithAttributes(
		attribute.String("batch_id", b.id.String()),
		attribute.Int("runs", len(b.runs)),
		attribute.String("strategy", c.primary.Name()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.failBatch(ctx, span, b, fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	if err := c.execute(ctx, b, start); err != nil {
		c.failBatch(ctx, span, b, err)
		return
	}
	c.logger.Info("batch finished",
		"batch_id", b.id,
		"duration_ms", time.Since(start).Milliseconds())
}

func (c *Coordinator) execute(ctx context.Context, b batch, start time.Time) error {
	if err := c.store.MarkScenarioRunsRunning(ctx, b.ids); err != nil {
		return err
	}

	sc, err := c.store.LoadSimulationContext(ctx)
	if err != nil {
		return fmt.Errorf("load treasury context: %w", err)
	}

	modes := make([]model.Mode, len(b.runs))
	for i, r := range b.runs {
		modes[i] = r.Mode
	}
	result, err := c.sim.SimulateBatch(ctx, sc, modes, b.params)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	primary := model.Mode("")
	if c.primary.Name() != pipeline.NameBaseline {
		primary = pipeline.PrimaryMode(modes)
	}

	var g errgroup.Group
	for _, r := range b.runs {
		strategy := c.baseline
		if r.Mode == primary {
			strategy = c.primary
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic in %s run: %v", r.Mode, p)
				}
			}()
			return c.processRun(ctx, b, r, strategy, sc, result, start)
		})
	}
	return g.Wait()
}

// processRun takes one Running run to a terminal state. Only persistence
// failures are returned; everything else is recorded on the run itself.
func (c *Coordinator) processRun(ctx context.Context, b batch, r model.ScenarioRun, strategy pipeline.Strategy,
	sc model.SimulationContext, result simulation.BatchResult, start time.Time) error {
	ctx, span := c.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("scenario_id", r.ID.String()),
		attribute.String("mode", string(r.Mode)),
		attribute.String("strategy", strategy.Name()),
	))
	defer span.End()

	// Terminal writes outlive the batch deadline so a run is never left open.
	writeCtx := context.WithoutCancel(ctx)
	event := model.RecommendationEvent{
		ScenarioID: r.ID,
		BatchID:    b.id,
		Mode:       r.Mode,
		Strategy:   strategy.Name(),
	}

	if _, ok := result.Metrics(r.Mode); !ok {
		msg := ErrNoSimulationResult.Error()
		if detail := result.Errors[r.Mode]; detail != "" {
			msg += ": " + detail
		}
		return c.fail(writeCtx, span, event, msg, start)
	}

	res, err := strategy.Run(ctx, pipeline.Input{Mode: r.Mode, Context: sc, Results: result.Results})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return c.fail(writeCtx, span, event, fmt.Sprintf("recommendation failed: %v", err), start)
	}

	m := result.Results[r.Mode]
	confidence, reason := res.Confidence, ""
	if c.adjuster != nil && res.Transfer.Actionable() {
		confidence, reason = c.adjuster.Adjust(ctx, res.Confidence, res.PredictedYieldBps)
	}

	if err := c.store.CompleteScenarioRun(writeCtx, model.RunCompletion{
		ID:               r.ID,
		Metrics:          m,
		Recommendation:   res.Recommendation,
		Trace:            res.Trace,
		Confidence:       confidence,
		ConfidenceReason: reason,
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("complete run %s: %w", r.ID, err)
	}

	if c.recorder != nil {
		c.recorder.Record(writeCtx, r.ID, learning.Prediction{
			Transfer:          res.Transfer,
			Confidence:        confidence,
			PredictedYieldBps: res.PredictedYieldBps,
			PredictedRiskPct:  res.PredictedRiskPct,
		})
	}

	event.Status = model.RunStatusCompleted
	event.Confidence = confidence
	event.BaseConfidence = res.Confidence
	event.TransferAmount = res.Transfer.Amount
	event.Degraded = res.Degraded
	event.Duration = time.Since(start)
	c.emit(writeCtx, event)

	c.logger.Debug("run completed",
		"batch_id", b.id,
		"scenario_id", r.ID,
		"mode", r.Mode,
		"strategy", strategy.Name(),
		"confidence", confidence,
		"degraded", res.Degraded)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, span trace.Span, event model.RecommendationEvent, msg string, start time.Time) error {
	span.SetStatus(codes.Error, msg)
	if err := c.store.FailScenarioRun(ctx, event.ScenarioID, msg); err != nil {
		return fmt.Errorf("fail run %s: %w", event.ScenarioID, err)
	}
	c.logger.Warn("run failed",
		"batch_id", event.BatchID,
		"scenario_id", event.ScenarioID,
		"mode", event.Mode,
		"error", msg)

	event.Status = model.RunStatusFailed
	event.Error = msg
	event.Duration = time.Since(start)
	c.emit(ctx, event)
	return nil
}

// failBatch marks every still-open run of b Failed with cause.
func (c *Coordinator) failBatch(ctx context.Context, span trace.Span, b batch, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	n, err := c.store.FailOpenScenarioRuns(context.WithoutCancel(ctx), b.ids, cause.Error())
	if err != nil {
		c.logger.Error("orchestrator: could not fail open runs",
			"batch_id", b.id,
			"cause", cause,
			"error", err)
		return
	}
	c.logger.Error("batch failed",
		"batch_id", b.id,
		"failed_runs", n,
		"error", cause)
}

func (c *Coordinator) emit(ctx context.Context, e model.RecommendationEvent) {
	if err := c.sink.RecordRecommendation(ctx, e); err != nil {
		c.logger.Warn("orchestrator: sink failed",
			"scenario_id", e.ScenarioID,
			"error", err)
	}
}
