package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/model"
)

const outcomeColumns = `id, scenario_run_id, recommended_amount, from_account, to_account, confidence,
	predicted_yield_bps, predicted_shortfall_risk, was_executed, executed_at, executed_amount,
	actual_yield_bps, actual_shortfall_risk, follow_up_at, created_at`

// CreateOutcome inserts a recommendation outcome. ID and CreatedAt are
// assigned when zero.
func (db *DB) CreateOutcome(ctx context.Context, o model.RecommendationOutcome) (model.RecommendationOutcome, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO recommendation_outcomes (id, scenario_run_id, recommended_amount, from_account, to_account,
		 confidence, predicted_yield_bps, predicted_shortfall_risk, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ScenarioRunID, model.Cents(o.RecommendedAmount), o.FromAccount, o.ToAccount,
		o.Confidence, o.PredictedYieldBps, o.PredictedShortfallRisk, o.CreatedAt)
	if err != nil {
		return model.RecommendationOutcome{}, fmt.Errorf("storage: create outcome: %w", err)
	}
	return o, nil
}

// GetOutcome retrieves one outcome by ID.
func (db *DB) GetOutcome(ctx context.Context, id uuid.UUID) (model.RecommendationOutcome, error) {
	o, err := scanOutcome(db.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM recommendation_outcomes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RecommendationOutcome{}, fmt.Errorf("storage: outcome %s: %w", id, ErrNotFound)
		}
		return model.RecommendationOutcome{}, fmt.Errorf("storage: get outcome: %w", err)
	}
	return o, nil
}

// RecordExecution marks an outcome executed. executedAt defaults to now.
func (db *DB) RecordExecution(ctx context.Context, id uuid.UUID, amount decimal.Decimal, executedAt *time.Time) (model.RecommendationOutcome, error) {
	at := time.Now().UTC()
	if executedAt != nil {
		at = executedAt.UTC()
	}
	o, err := scanOutcome(db.pool.QueryRow(ctx,
		`UPDATE recommendation_outcomes SET was_executed = true, executed_amount = $1, executed_at = $2
		 WHERE id = $3 RETURNING `+outcomeColumns, model.Cents(amount), at, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RecommendationOutcome{}, fmt.Errorf("storage: outcome %s: %w", id, ErrNotFound)
		}
		return model.RecommendationOutcome{}, fmt.Errorf("storage: record execution: %w", err)
	}
	return o, nil
}

// RecordFollowUp stores the measured yield and shortfall risk for an outcome.
func (db *DB) RecordFollowUp(ctx context.Context, id uuid.UUID, yieldBps int, shortfallRisk float64) (model.RecommendationOutcome, error) {
	o, err := scanOutcome(db.pool.QueryRow(ctx,
		`UPDATE recommendation_outcomes SET actual_yield_bps = $1, actual_shortfall_risk = $2, follow_up_at = now()
		 WHERE id = $3 RETURNING `+outcomeColumns, yieldBps, shortfallRisk, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RecommendationOutcome{}, fmt.Errorf("storage: outcome %s: %w", id, ErrNotFound)
		}
		return model.RecommendationOutcome{}, fmt.Errorf("storage: record follow-up: %w", err)
	}
	return o, nil
}

// RecentOutcomeStats aggregates the most recent window outcomes. Yield error
// is measured only over outcomes with a follow-up.
func (db *DB) RecentOutcomeStats(ctx context.Context, window int) (model.OutcomeStats, error) {
	var s model.OutcomeStats
	err := db.pool.QueryRow(ctx,
		`WITH recent AS (
			SELECT * FROM recommendation_outcomes ORDER BY created_at DESC, id LIMIT $1
		 )
		 SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE was_executed),
		        AVG(confidence) FILTER (WHERE was_executed),
		        AVG(confidence) FILTER (WHERE NOT was_executed),
		        COUNT(*) FILTER (WHERE actual_yield_bps IS NOT NULL),
		        (AVG(ABS(actual_yield_bps - predicted_yield_bps)) FILTER (WHERE actual_yield_bps IS NOT NULL))::float8
		 FROM recent`, window,
	).Scan(&s.SampleCount, &s.ExecutedCount, &s.AvgConfidenceExecuted, &s.AvgConfidenceNotExecuted,
		&s.FollowUpCount, &s.MeanYieldErrorBps)
	if err != nil {
		return model.OutcomeStats{}, fmt.Errorf("storage: outcome stats: %w", err)
	}
	if s.SampleCount > 0 {
		s.ExecutionRate = float64(s.ExecutedCount) / float64(s.SampleCount)
	}
	return s, nil
}

func scanOutcome(row pgx.Row) (model.RecommendationOutcome, error) {
	var o model.RecommendationOutcome
	err := row.Scan(&o.ID, &o.ScenarioRunID, &o.RecommendedAmount, &o.FromAccount, &o.ToAccount, &o.Confidence,
		&o.PredictedYieldBps, &o.PredictedShortfallRisk, &o.WasExecuted, &o.ExecutedAt, &o.ExecutedAmount,
		&o.ActualYieldBps, &o.ActualShortfallRisk, &o.FollowUpAt, &o.CreatedAt)
	return o, err
}
