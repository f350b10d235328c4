package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kinko/internal/model"
)

const (
	retryAttempts = 3
	retryDelay    = 20 * time.Millisecond
)

const scenarioColumns = `id, batch_id, mode, status, metrics, recommendation, raw_pipeline_output,
	confidence, confidence_reason, error_message, outcome_id, created_at, completed_at`

// CreateScenarioRuns inserts one Pending run per mode, all sharing batchID,
// in a single transaction. created_at and completed_at both come from the
// database clock, so durations never mix clocks.
func (db *DB) CreateScenarioRuns(ctx context.Context, batchID uuid.UUID, modes []model.Mode) ([]model.ScenarioRun, error) {
	runs := make([]model.ScenarioRun, len(modes))
	for i, mode := range modes {
		runs[i] = model.ScenarioRun{
			ID:      uuid.New(),
			BatchID: batchID,
			Mode:    mode,
			Status:  model.RunStatusPending,
		}
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var now time.Time
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
			return err
		}
		now = now.UTC()
		for i := range runs {
			runs[i].CreatedAt = now
		}
		batch := &pgx.Batch{}
		for _, r := range runs {
			batch.Queue(`INSERT INTO scenario_runs (id, batch_id, mode, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
				r.ID, r.BatchID, string(r.Mode), string(r.Status), r.CreatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create scenario runs: %w", err)
	}
	return runs, nil
}

// MarkScenarioRunsRunning moves every listed Pending run to Running in one
// statement, so readers never see a batch half-started.
func (db *DB) MarkScenarioRunsRunning(ctx context.Context, ids []uuid.UUID) error {
	return WithRetry(ctx, retryAttempts, retryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE scenario_runs SET status = 'running' WHERE id = ANY($1) AND status = 'pending'`, ids)
		if err != nil {
			return fmt.Errorf("storage: mark runs running: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return fmt.Errorf("storage: mark runs running: %d of %d pending: %w", tag.RowsAffected(), len(ids), ErrNotOpen)
		}
		return nil
	})
}

// CompleteScenarioRun writes the completion payload for a Running run.
func (db *DB) CompleteScenarioRun(ctx context.Context, c model.RunCompletion) error {
	metrics, err := json.Marshal(c.Metrics)
	if err != nil {
		return fmt.Errorf("storage: marshal metrics: %w", err)
	}
	var trace []byte
	if c.Trace != nil {
		if trace, err = model.MarshalTrace(c.Trace); err != nil {
			return fmt.Errorf("storage: marshal trace: %w", err)
		}
	}

	return WithRetry(ctx, retryAttempts, retryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE scenario_runs
			 SET status = 'completed', metrics = $1, recommendation = $2, raw_pipeline_output = $3,
			     confidence = $4, confidence_reason = $5, completed_at = now()
			 WHERE id = $6 AND status = 'running'`,
			metrics, c.Recommendation, trace, c.Confidence, nullable(c.ConfidenceReason), c.ID)
		if err != nil {
			return fmt.Errorf("storage: complete run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: complete run %s: %w", c.ID, ErrNotOpen)
		}
		return nil
	})
}

// FailScenarioRun marks a Running run Failed with msg.
func (db *DB) FailScenarioRun(ctx context.Context, id uuid.UUID, msg string) error {
	return WithRetry(ctx, retryAttempts, retryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE scenario_runs SET status = 'failed', error_message = $1, completed_at = now()
			 WHERE id = $2 AND status = 'running'`, msg, id)
		if err != nil {
			return fmt.Errorf("storage: fail run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: fail run %s: %w", id, ErrNotOpen)
		}
		return nil
	})
}

// FailOpenScenarioRuns marks every non-terminal run among ids Failed and
// returns how many rows changed. Already-terminal runs are left alone.
func (db *DB) FailOpenScenarioRuns(ctx context.Context, ids []uuid.UUID, msg string) (int64, error) {
	var n int64
	err := WithRetry(ctx, retryAttempts, retryDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE scenario_runs SET status = 'failed', error_message = $1, completed_at = now()
			 WHERE id = ANY($2) AND status IN ('pending', 'running')`, msg, ids)
		if err != nil {
			return fmt.Errorf("storage: fail open runs: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// ReconcileOrphanedRuns fails runs left open by a previous process. Called
// once at startup before any batch is admitted.
func (db *DB) ReconcileOrphanedRuns(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE scenario_runs SET status = 'failed', error_message = 'interrupted by service restart', completed_at = now()
		 WHERE status IN ('pending', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("storage: reconcile orphaned runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LinkOutcome records the outcome created for a run.
func (db *DB) LinkOutcome(ctx context.Context, runID, outcomeID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE scenario_runs SET outcome_id = $1 WHERE id = $2`, outcomeID, runID)
	if err != nil {
		return fmt.Errorf("storage: link outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: link outcome to run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetScenarioRun retrieves one run by ID.
func (db *DB) GetScenarioRun(ctx context.Context, id uuid.UUID) (model.ScenarioRun, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+scenarioColumns+` FROM scenario_runs WHERE id = $1`, id)
	r, err := scanScenarioRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScenarioRun{}, fmt.Errorf("storage: scenario run %s: %w", id, ErrNotFound)
		}
		return model.ScenarioRun{}, fmt.Errorf("storage: get scenario run: %w", err)
	}
	return r, nil
}

// ListScenarioRuns returns the most recent runs, newest first.
func (db *DB) ListScenarioRuns(ctx context.Context, limit int) ([]model.ScenarioRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+scenarioColumns+` FROM scenario_runs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenario runs: %w", err)
	}
	defer rows.Close()

	runs := []model.ScenarioRun{}
	for rows.Next() {
		r, err := scanScenarioRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListBatchRuns returns the runs of one batch in creation order.
func (db *DB) ListBatchRuns(ctx context.Context, batchID uuid.UUID) ([]model.ScenarioRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scenarioColumns+` FROM scenario_runs WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list batch runs: %w", err)
	}
	defer rows.Close()

	runs := []model.ScenarioRun{}
	for rows.Next() {
		r, err := scanScenarioRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetScenarioStats aggregates run counts, mean completion time, and the ten
// most recent runs.
func (db *DB) GetScenarioStats(ctx context.Context) (model.ScenarioStats, error) {
	var s model.ScenarioStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'running'),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at))) FILTER (WHERE status = 'completed'), 0)::float8
		 FROM scenario_runs`,
	).Scan(&s.Total, &s.Pending, &s.Running, &s.Completed, &s.Failed, &s.AvgDurationSeconds)
	if err != nil {
		return model.ScenarioStats{}, fmt.Errorf("storage: scenario stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, mode, status, created_at FROM scenario_runs ORDER BY created_at DESC, id LIMIT 10`)
	if err != nil {
		return model.ScenarioStats{}, fmt.Errorf("storage: recent activity: %w", err)
	}
	defer rows.Close()

	s.RecentActivity = []model.RecentActivity{}
	for rows.Next() {
		var a model.RecentActivity
		if err := rows.Scan(&a.ID, &a.Mode, &a.Status, &a.CreatedAt); err != nil {
			return model.ScenarioStats{}, fmt.Errorf("storage: scan recent activity: %w", err)
		}
		s.RecentActivity = append(s.RecentActivity, a)
	}
	return s, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanScenarioRun(row pgx.Row) (model.ScenarioRun, error) {
	var (
		r              model.ScenarioRun
		metrics, trace []byte
	)
	if err := row.Scan(
		&r.ID, &r.BatchID, &r.Mode, &r.Status, &metrics, &r.Recommendation, &trace,
		&r.Confidence, &r.ConfidenceReason, &r.ErrorMessage, &r.OutcomeID, &r.CreatedAt, &r.CompletedAt,
	); err != nil {
		return model.ScenarioRun{}, err
	}
	if len(metrics) > 0 {
		var m model.Metrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return model.ScenarioRun{}, fmt.Errorf("decode metrics: %w", err)
		}
		r.Metrics = &m
	}
	if len(trace) > 0 {
		t, err := model.UnmarshalTrace(trace)
		if err != nil {
			return model.ScenarioRun{}, err
		}
		r.RawPipelineOutput = t
	}
	return r, nil
}
