package simulation

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/model"
)

const (
	defaultHorizonDays = 7
	noOutflowCoverage  = 999
	yieldPerTransfer   = 500
)

var (
	riskMultipliers = map[model.Mode]float64{
		model.ModeConservative: 1.5,
		model.ModeBalanced:     1.2,
		model.ModeAggressive:   1.0,
		model.ModeCustom:       1.3,
	}
	transferThresholds = map[model.Mode]float64{
		model.ModeConservative: 0.8,
		model.ModeBalanced:     0.6,
		model.ModeAggressive:   0.4,
		model.ModeCustom:       0.7,
	}
	riskAppetites = map[string]float64{"low": 1.5, "medium": 1.2, "high": 1.0}
	hundred       = decimal.NewFromInt(100)
)

// LocalProvider evaluates the metric formulas in-process. It is always healthy.
type LocalProvider struct{}

// NewLocalProvider returns a LocalProvider.
func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

// Healthy always returns nil.
func (*LocalProvider) Healthy(context.Context) error { return nil }

// SimulateBatch computes metrics for each mode. Unknown modes are reported
// in Errors rather than failing the batch.
func (p *LocalProvider) SimulateBatch(ctx context.Context, sc model.SimulationContext, modes []model.Mode, params *model.SimulationParameters) (BatchResult, error) {
	out := BatchResult{
		Results: make(map[model.Mode]model.Metrics, len(modes)),
		Errors:  make(map[model.Mode]string),
	}
	for _, mode := range modes {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, fmt.Errorf("simulation: local batch: %w", err)
		}
		if !mode.Valid() {
			out.Errors[mode] = fmt.Sprintf("unknown mode %q", mode)
			continue
		}
		out.Results[mode] = Calculate(mode, sc, params)
	}
	return out, nil
}

// Calculate computes the metrics bundle for one mode. Amounts are computed
// in decimal; the ratio metrics are derived from them as floats.
func Calculate(mode model.Mode, sc model.SimulationContext, params *model.SimulationParameters) model.Metrics {
	if params == nil {
		params = &model.SimulationParameters{}
	}
	totalCash := sc.TotalCash()
	checking := findAccount(sc.Accounts, model.AccountChecking)
	highYield := findAccount(sc.Accounts, model.AccountHighYield)

	checkingBalance := decimal.Zero
	if checking != nil {
		checkingBalance = checking.Balance
	}

	horizon := defaultHorizonDays
	if params.InvestmentHorizonDays != nil && *params.InvestmentHorizonDays > 0 {
		horizon = *params.InvestmentHorizonDays
	}
	window := sc.Forecast
	if len(window) > horizon {
		window = window[:horizon]
	}
	horizonOutflow := decimal.Zero
	for _, f := range window {
		horizonOutflow = horizonOutflow.Add(f.Outflow)
	}
	avgDailyOutflow := decimal.Zero
	if len(window) > 0 {
		avgDailyOutflow = horizonOutflow.Div(decimal.NewFromInt(int64(len(window))))
	}

	riskMult := lookup(riskMultipliers, mode, 1.2)
	if params.RiskAppetite != nil && *params.RiskAppetite != "" {
		riskMult = 1.2
		if v, ok := riskAppetites[*params.RiskAppetite]; ok {
			riskMult = v
		}
	}
	if params.CustomRiskMultiplier != nil && *params.CustomRiskMultiplier > 0 {
		riskMult = *params.CustomRiskMultiplier
	}
	threshold := decimal.NewFromFloat(lookup(transferThresholds, mode, 0.6))
	if params.CustomTransferThreshold != nil && *params.CustomTransferThreshold > 0 {
		threshold = decimal.NewFromFloat(*params.CustomTransferThreshold)
	}

	var bufferNeeded decimal.Decimal
	if params.LiquidityThresholdPct != nil && *params.LiquidityThresholdPct > 0 {
		pct := decimal.NewFromFloat(*params.LiquidityThresholdPct).Div(hundred)
		bufferNeeded = decimal.Max(sc.Policy.MinLiquidity, totalCash.Mul(pct))
	} else {
		bufferNeeded = sc.Policy.MinLiquidity.Add(horizonOutflow.Mul(decimal.NewFromFloat(riskMult)))
	}

	idleCash := decimal.Max(decimal.Zero, checkingBalance.Sub(bufferNeeded))
	var idleCashPct float64
	if totalCash.IsPositive() {
		idleCashPct = idleCash.Div(totalCash).Mul(hundred).InexactFloat64()
	}

	coverageDays := float64(noOutflowCoverage)
	if avgDailyOutflow.IsPositive() {
		coverageDays = totalCash.Div(avgDailyOutflow).InexactFloat64()
	}

	m := model.Metrics{Recommendation: "Maintain current positions"}
	if idleCash.GreaterThan(sc.Policy.InvestAbove.Mul(threshold)) {
		amount := model.Cents(idleCash.Mul(threshold))
		from, to := "Checking", "High-Yield account"
		if checking != nil {
			from = checking.Name
		}
		if highYield != nil {
			to = highYield.Name
		}
		m.TransferDetails = model.Transfer{FromAccount: from, ToAccount: to, Amount: amount}
		m.Recommendation = fmt.Sprintf("Transfer $%s from %s to %s", FormatAmount(amount), from, to)
		if totalCash.IsPositive() {
			m.EstYieldBps = int(amount.Mul(decimal.NewFromInt(yieldPerTransfer)).Div(totalCash).IntPart())
		}
	}

	var risk float64
	switch mode {
	case model.ModeAggressive:
		risk = math.Min(15, 5+idleCashPct*0.3)
	case model.ModeConservative:
		risk = math.Max(2, 8-coverageDays*0.2)
	default:
		risk = 5
		if coverageDays < 15 {
			risk += (15 - coverageDays) * 0.3
		}
	}
	risk = math.Max(1, math.Min(20, risk))

	m.IdleCashPct = round(idleCashPct, 2)
	m.LiquidityCoverageDays = round(coverageDays, 1)
	m.ShortfallRiskPct = round(risk, 1)
	return m
}

// FormatAmount renders v rounded to whole units with thousands separators.
func FormatAmount(v decimal.Decimal) string {
	s := v.StringFixed(0)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

func findAccount(accounts []model.Account, t model.AccountType) *model.Account {
	for i := range accounts {
		if accounts[i].AccountType == t {
			return &accounts[i]
		}
	}
	return nil
}

func lookup(m map[model.Mode]float64, mode model.Mode, fallback float64) float64 {
	if v, ok := m[mode]; ok {
		return v
	}
	return fallback
}

// round rounds a ratio metric to places decimals.
func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
