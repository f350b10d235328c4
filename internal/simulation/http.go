package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kinko/internal/model"
)

const healthCacheTTL = 5 * time.Second

// HTTPProvider calls the remote simulation service.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client

	healthGroup singleflight.Group
	healthAt    atomic.Int64
	healthErr   atomic.Value // *error
}

// NewHTTPProvider creates a provider for the service at baseURL. timeout
// bounds each simulate call.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Healthy returns nil if the service answers GET /health with 200. Results
// are cached for 5 seconds and concurrent checks after expiry share one
// request via singleflight.
func (p *HTTPProvider) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, p.healthAt.Load())) < healthCacheTTL {
		return p.loadHealthErr()
	}

	// context.Background: singleflight shares the first caller's work, and
	// that caller's cancellation must not poison the result for the others.
	result, _, _ := p.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		p.storeHealthErr(p.checkHealth(checkCtx))
		p.healthAt.Store(time.Now().UnixNano())
		return p.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (p *HTTPProvider) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) storeHealthErr(err error) { p.healthErr.Store(&err) }

func (p *HTTPProvider) loadHealthErr() error {
	v := p.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Wire types for the simulation service. Requests use snake_case; result
// metrics use the service's camelCase field names.

type wireSimulation struct {
	Mode       model.Mode                  `json:"mode"`
	Accounts   []wireAccount               `json:"accounts"`
	Forecast   []wireForecastItem          `json:"forecast"`
	Policy     wirePolicy                  `json:"policy"`
	Parameters *model.SimulationParameters `json:"parameters,omitempty"`
}

type wireAccount struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Bank        string          `json:"bank"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	AccountType string          `json:"account_type"`
}

type wireForecastItem struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Inflow      decimal.Decimal `json:"inflow"`
	Outflow     decimal.Decimal `json:"outflow"`
	Description *string         `json:"description,omitempty"`
}

type wirePolicy struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	MinLiquidity decimal.Decimal `json:"min_liquidity"`
	InvestAbove  decimal.Decimal `json:"invest_above"`
	RiskProfile  string          `json:"risk_profile"`
}

type parallelRequest struct {
	Simulations []wireSimulation `json:"simulations"`
}

type wireTransfer struct {
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Amount      decimal.Decimal `json:"amount"`
}

type wireMetrics struct {
	IdleCashPct           float64      `json:"idleCashPct"`
	LiquidityCoverageDays float64      `json:"liquidityCoverageDays"`
	EstYieldBps           int          `json:"estYieldBps"`
	ShortfallRiskPct      float64      `json:"shortfallRiskPct"`
	Recommendation        string       `json:"recommendation"`
	TransferDetails       wireTransfer `json:"transferDetails"`
	SandboxID             *string      `json:"sandbox_id,omitempty"`
}

type parallelResponse struct {
	Results   map[string]wireMetrics `json:"results"`
	TotalTime float64                `json:"total_time"`
	Errors    map[string]string      `json:"errors"`
}

// SimulateBatch posts every mode to /simulate/parallel in one round trip.
func (p *HTTPProvider) SimulateBatch(ctx context.Context, sc model.SimulationContext, modes []model.Mode, params *model.SimulationParameters) (BatchResult, error) {
	body := parallelRequest{Simulations: make([]wireSimulation, 0, len(modes))}
	accounts := toWireAccounts(sc.Accounts)
	forecast := toWireForecast(sc.Forecast)
	policy := wirePolicy{
		ID:           sc.Policy.ID.String(),
		Name:         sc.Policy.Name,
		MinLiquidity: sc.Policy.MinLiquidity,
		InvestAbove:  sc.Policy.InvestAbove,
		RiskProfile:  sc.Policy.RiskProfile,
	}
	for _, mode := range modes {
		body.Simulations = append(body.Simulations, wireSimulation{
			Mode: mode, Accounts: accounts, Forecast: forecast, Policy: policy, Parameters: params,
		})
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return BatchResult{}, fmt.Errorf("simulation: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/simulate/parallel", bytes.NewReader(reqBody))
	if err != nil {
		return BatchResult{}, fmt.Errorf("simulation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("simulation: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return BatchResult{}, fmt.Errorf("simulation: status %d: %s", resp.StatusCode, string(msg))
	}

	var pr parallelResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return BatchResult{}, fmt.Errorf("simulation: decode response: %w", err)
	}

	out := BatchResult{
		Results: make(map[model.Mode]model.Metrics, len(pr.Results)),
		Errors:  make(map[model.Mode]string, len(pr.Errors)),
	}
	for mode, wm := range pr.Results {
		out.Results[model.Mode(mode)] = model.Metrics{
			IdleCashPct:           wm.IdleCashPct,
			LiquidityCoverageDays: wm.LiquidityCoverageDays,
			EstYieldBps:           wm.EstYieldBps,
			ShortfallRiskPct:      wm.ShortfallRiskPct,
			Recommendation:        wm.Recommendation,
			TransferDetails: model.Transfer{
				FromAccount: wm.TransferDetails.FromAccount,
				ToAccount:   wm.TransferDetails.ToAccount,
				Amount:      model.Cents(wm.TransferDetails.Amount),
			},
			SandboxID: wm.SandboxID,
		}
	}
	for mode, msg := range pr.Errors {
		out.Errors[model.Mode(mode)] = msg
	}
	return out, nil
}

func toWireAccounts(accounts []model.Account) []wireAccount {
	out := make([]wireAccount, len(accounts))
	for i, a := range accounts {
		out[i] = wireAccount{
			ID: a.ID.String(), Name: a.Name, Bank: a.Bank, Currency: a.Currency,
			Balance: a.Balance, AccountType: string(a.AccountType),
		}
	}
	return out
}

func toWireForecast(items []model.ForecastItem) []wireForecastItem {
	out := make([]wireForecastItem, len(items))
	for i, f := range items {
		out[i] = wireForecastItem{
			ID: f.ID.String(), Date: f.Date, Inflow: f.Inflow, Outflow: f.Outflow, Description: f.Description,
		}
	}
	return out
}
