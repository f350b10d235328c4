package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kinko/internal/model"
)

// Sink receives one event per recommendation-bearing terminal transition.
// Implementations must not block the caller for long; the orchestrator
// logs and drops any error.
type Sink interface {
	RecordRecommendation(ctx context.Context, e model.RecommendationEvent) error
}

// OTELSink records recommendation events as OpenTelemetry metrics and a
// structured log line.
type OTELSink struct {
	logger     *slog.Logger
	count      metric.Int64Counter
	confidence metric.Float64Histogram
	duration   metric.Float64Histogram
}

// NewOTELSink registers the recommendation instruments on meter.
func NewOTELSink(meter metric.Meter, logger *slog.Logger) (*OTELSink, error) {
	count, err := meter.Int64Counter("kinko.recommendations",
		metric.WithDescription("Recommendations produced, by mode, strategy, and status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: recommendations counter: %w", err)
	}
	confidence, err := meter.Float64Histogram("kinko.recommendation.confidence",
		metric.WithDescription("Final confidence of completed recommendations"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0))
	if err != nil {
		return nil, fmt.Errorf("telemetry: confidence histogram: %w", err)
	}
	duration, err := meter.Float64Histogram("kinko.recommendation.duration",
		metric.WithDescription("Time from batch start to terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	return &OTELSink{logger: logger, count: count, confidence: confidence, duration: duration}, nil
}

// RecordRecommendation implements Sink.
func (s *OTELSink) RecordRecommendation(ctx context.Context, e model.RecommendationEvent) error {
	attrs := metric.WithAttributes(
		attribute.String("mode", string(e.Mode)),
		attribute.String("strategy", e.Strategy),
		attribute.String("status", string(e.Status)),
	)
	s.count.Add(ctx, 1, attrs)
	s.duration.Record(ctx, e.Duration.Seconds(), attrs)
	if e.Status == model.RunStatusCompleted {
		s.confidence.Record(ctx, e.Confidence, attrs)
	}

	s.logger.Info("recommendation recorded",
		"scenario_id", e.ScenarioID,
		"batch_id", e.BatchID,
		"mode", e.Mode,
		"strategy", e.Strategy,
		"status", e.Status,
		"confidence", e.Confidence,
		"base_confidence", e.BaseConfidence,
		"transfer_amount", e.TransferAmount.StringFixed(model.CentPlaces),
		"degraded", e.Degraded,
		"duration_ms", e.Duration.Milliseconds())
	return nil
}

// EventWriter appends recommendation events to durable storage.
type EventWriter interface {
	InsertRecommendationEvent(ctx context.Context, e model.RecommendationEvent) error
}

// AuditSink appends every event to the recommendation audit log.
type AuditSink struct {
	w EventWriter
}

// NewAuditSink creates an AuditSink backed by w.
func NewAuditSink(w EventWriter) *AuditSink {
	return &AuditSink{w: w}
}

// RecordRecommendation implements Sink.
func (s *AuditSink) RecordRecommendation(ctx context.Context, e model.RecommendationEvent) error {
	return s.w.InsertRecommendationEvent(ctx, e)
}

// MultiSink delivers each event to every sink and joins their errors.
type MultiSink []Sink

// RecordRecommendation implements Sink.
func (m MultiSink) RecordRecommendation(ctx context.Context, e model.RecommendationEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordRecommendation(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards events.
type NopSink struct{}

// RecordRecommendation implements Sink.
func (NopSink) RecordRecommendation(context.Context, model.RecommendationEvent) error { return nil }
