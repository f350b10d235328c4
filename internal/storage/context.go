package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kinko/internal/model"
)

const dateLayout = "2006-01-02"

// LoadSimulationContext reads every account, the forecast in date order, and
// the most recently created policy. A missing policy is ErrNotFound.
func (db *DB) LoadSimulationContext(ctx context.Context) (model.SimulationContext, error) {
	var sc model.SimulationContext

	rows, err := db.pool.Query(ctx,
		`SELECT id, name, bank, currency, balance, account_type FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return sc, fmt.Errorf("storage: load accounts: %w", err)
	}
	sc.Accounts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Account, error) {
		var a model.Account
		err := row.Scan(&a.ID, &a.Name, &a.Bank, &a.Currency, &a.Balance, &a.AccountType)
		return a, err
	})
	if err != nil {
		return sc, fmt.Errorf("storage: scan accounts: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT id, date, inflow, outflow, description FROM forecast_items ORDER BY date, id`)
	if err != nil {
		return sc, fmt.Errorf("storage: load forecast: %w", err)
	}
	sc.Forecast, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ForecastItem, error) {
		var (
			f    model.ForecastItem
			date time.Time
		)
		err := row.Scan(&f.ID, &date, &f.Inflow, &f.Outflow, &f.Description)
		f.Date = date.Format(dateLayout)
		return f, err
	})
	if err != nil {
		return sc, fmt.Errorf("storage: scan forecast: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT id, name, min_liquidity, invest_above, risk_profile FROM policies ORDER BY created_at DESC, id LIMIT 1`,
	).Scan(&sc.Policy.ID, &sc.Policy.Name, &sc.Policy.MinLiquidity, &sc.Policy.InvestAbove, &sc.Policy.RiskProfile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sc, fmt.Errorf("storage: treasury policy: %w", ErrNotFound)
		}
		return sc, fmt.Errorf("storage: load policy: %w", err)
	}
	return sc, nil
}

// SeedContext writes sc into the context tables when no account exists yet.
// It reports whether anything was written.
func (db *DB) SeedContext(ctx context.Context, sc model.SimulationContext) (bool, error) {
	seeded := false
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		// Serialize concurrent seeders on the same database.
		if _, err := tx.Exec(ctx, `LOCK TABLE accounts IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts)`).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}

		batch := &pgx.Batch{}
		for _, a := range sc.Accounts {
			id := a.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			currency := a.Currency
			if currency == "" {
				currency = "USD"
			}
			batch.Queue(`INSERT INTO accounts (id, name, bank, currency, balance, account_type) VALUES ($1, $2, $3, $4, $5, $6)`,
				id, a.Name, a.Bank, currency, a.Balance, string(a.AccountType))
		}
		for _, f := range sc.Forecast {
			date, err := time.Parse(dateLayout, f.Date)
			if err != nil {
				return fmt.Errorf("forecast date %q: %w", f.Date, err)
			}
			id := f.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			batch.Queue(`INSERT INTO forecast_items (id, date, inflow, outflow, description) VALUES ($1, $2, $3, $4, $5)`,
				id, date, f.Inflow, f.Outflow, f.Description)
		}
		policyID := sc.Policy.ID
		if policyID == uuid.Nil {
			policyID = uuid.New()
		}
		batch.Queue(`INSERT INTO policies (id, name, min_liquidity, invest_above, risk_profile) VALUES ($1, $2, $3, $4, $5)`,
			policyID, sc.Policy.Name, sc.Policy.MinLiquidity, sc.Policy.InvestAbove, sc.Policy.RiskProfile)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: seed context: %w", err)
	}
	return seeded, nil
}
