package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kinko/internal/model"
)

// InsertRecommendationEvent appends one event to the recommendation audit log.
func (db *DB) InsertRecommendationEvent(ctx context.Context, e model.RecommendationEvent) error {
	var errMsg *string
	if e.Error != "" {
		errMsg = &e.Error
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO recommendation_events (scenario_id, batch_id, mode, strategy, status, confidence,
		 base_confidence, transfer_amount, degraded, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ScenarioID, e.BatchID, string(e.Mode), e.Strategy, string(e.Status), e.Confidence,
		e.BaseConfidence, e.TransferAmount, e.Degraded, errMsg, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("storage: insert recommendation event: %w", err)
	}
	return nil
}

// ListRecommendationEvents returns the audit events for one scenario run,
// oldest first.
func (db *DB) ListRecommendationEvents(ctx context.Context, scenarioID uuid.UUID) ([]model.RecommendationEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT scenario_id, batch_id, mode, strategy, status, confidence, base_confidence,
		        transfer_amount, degraded, COALESCE(error, ''), duration_ms
		 FROM recommendation_events WHERE scenario_id = $1 ORDER BY id`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("storage: list recommendation events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RecommendationEvent, error) {
		var (
			e  model.RecommendationEvent
			ms int64
		)
		err := row.Scan(&e.ScenarioID, &e.BatchID, &e.Mode, &e.Strategy, &e.Status, &e.Confidence,
			&e.BaseConfidence, &e.TransferAmount, &e.Degraded, &e.Error, &ms)
		e.Duration = time.Duration(ms) * time.Millisecond
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan recommendation events: %w", err)
	}
	return events, nil
}
