package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType classifies a treasury account.
type AccountType string

const (
	AccountChecking    AccountType = "checking"
	AccountSavings     AccountType = "savings"
	AccountHighYield   AccountType = "high_yield"
	AccountMoneyMarket AccountType = "money_market"
	AccountReserve     AccountType = "reserve"
)

// Account is a bank account holding part of the cash position.
type Account struct {
	ID          uuid.UUID       `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Bank        string          `json:"bank" yaml:"bank"`
	Currency    string          `json:"currency" yaml:"currency"`
	Balance     decimal.Decimal `json:"balance" yaml:"balance"`
	AccountType AccountType     `json:"account_type" yaml:"account_type"`
}

// ForecastItem is one day of projected cash movement.
type ForecastItem struct {
	ID          uuid.UUID       `json:"id" yaml:"id"`
	Date        string          `json:"date" yaml:"date"`
	Inflow      decimal.Decimal `json:"inflow" yaml:"inflow"`
	Outflow     decimal.Decimal `json:"outflow" yaml:"outflow"`
	Description *string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// Policy holds the treasury policy thresholds.
type Policy struct {
	ID           uuid.UUID       `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	MinLiquidity decimal.Decimal `json:"min_liquidity" yaml:"min_liquidity"`
	InvestAbove  decimal.Decimal `json:"invest_above" yaml:"invest_above"`
	RiskProfile  string          `json:"risk_profile" yaml:"risk_profile"`
}

// SimulationContext is the account/forecast/policy snapshot a batch is
// simulated against.
type SimulationContext struct {
	Accounts []Account      `json:"accounts" yaml:"accounts"`
	Forecast []ForecastItem `json:"forecast" yaml:"forecast"`
	Policy   Policy         `json:"policy" yaml:"policy"`
}

// TotalCash sums balances across all accounts.
func (c SimulationContext) TotalCash() decimal.Decimal {
	total := decimal.Zero
	for _, a := range c.Accounts {
		total = total.Add(a.Balance)
	}
	return total
}

// SimulationParameters are optional per-batch tuning knobs.
type SimulationParameters struct {
	LiquidityThresholdPct   *float64           `json:"liquidity_threshold_pct,omitempty" validate:"omitempty,gt=0,lte=100"`
	InvestmentHorizonDays   *int               `json:"investment_horizon_days,omitempty" validate:"omitempty,gte=1,lte=365"`
	RiskAppetite            *string            `json:"risk_appetite,omitempty" validate:"omitempty,oneof=low medium high"`
	CustomRiskMultiplier    *float64           `json:"custom_risk_multiplier,omitempty" validate:"omitempty,gt=0,lte=5"`
	CustomTransferThreshold *float64           `json:"custom_transfer_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	FXRates                 map[string]float64 `json:"fx_rates,omitempty" validate:"omitempty,dive,gt=0"`
}

// Transfer is a proposed movement of funds between two accounts.
type Transfer struct {
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
}

// Actionable reports whether the transfer moves a non-zero amount.
func (t *Transfer) Actionable() bool {
	return t != nil && t.Amount.IsPositive()
}

// Metrics is the per-mode bundle returned by the simulation provider.
type Metrics struct {
	IdleCashPct           float64  `json:"idle_cash_pct"`
	LiquidityCoverageDays float64  `json:"liquidity_coverage_days"`
	EstYieldBps           int      `json:"est_yield_bps"`
	ShortfallRiskPct      float64  `json:"shortfall_risk_pct"`
	Recommendation        string   `json:"recommendation"`
	TransferDetails       Transfer `json:"transfer_details"`
	SandboxID             *string  `json:"sandbox_id,omitempty"`
}

// MarketSnapshot is the external rate context used by the workflow pipeline.
type MarketSnapshot struct {
	FedFundsRate     float64   `json:"fed_funds_rate"`
	Treasury3MYield  float64   `json:"treasury_3m_yield"`
	MoneyMarketYield float64   `json:"money_market_yield"`
	Source           string    `json:"source"`
	AsOf             time.Time `json:"as_of"`
}
