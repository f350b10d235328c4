package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/kinko/internal/model"
)

func testEvent(status model.RunStatus) model.RecommendationEvent {
	return model.RecommendationEvent{
		ScenarioID:     uuid.New(),
		BatchID:        uuid.New(),
		Mode:           model.ModeBalanced,
		Strategy:       "baseline",
		Status:         status,
		Confidence:     0.8,
		BaseConfidence: 0.75,
		TransferAmount: decimal.NewFromInt(1_296_000),
		Duration:       2 * time.Second,
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestOTELSinkRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sink, err := NewOTELSink(mp.Meter("test"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.RecordRecommendation(ctx, testEvent(model.RunStatusCompleted)))
	require.NoError(t, sink.RecordRecommendation(ctx, testEvent(model.RunStatusFailed)))

	got := collect(t, reader)

	count, ok := got["kinko.recommendations"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range count.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	assert.Len(t, count.DataPoints, 2, "completed and failed are separate series")

	conf, ok := got["kinko.recommendation.confidence"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, conf.DataPoints, 1)
	assert.Equal(t, uint64(1), conf.DataPoints[0].Count)
}

type fakeWriter struct {
	events []model.RecommendationEvent
	err    error
}

func (f *fakeWriter) InsertRecommendationEvent(_ context.Context, e model.RecommendationEvent) error {
	f.events = append(f.events, e)
	return f.err
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{err: errors.New("down")}
	sink := MultiSink{NewAuditSink(a), NewAuditSink(b), NopSink{}}

	err := sink.RecordRecommendation(context.Background(), testEvent(model.RunStatusCompleted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "kinko"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
