package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kinko/internal/model"
)

func TestDefaultSeedIsValid(t *testing.T) {
	sc, err := Default()
	require.NoError(t, err)
	assert.Len(t, sc.Accounts, 3)
	assert.True(t, sc.TotalCash().Equal(decimal.NewFromInt(5_000_000)), sc.TotalCash().String())
	assert.NotEmpty(t, sc.Forecast)
	assert.True(t, sc.Policy.InvestAbove.Equal(decimal.NewFromInt(2_000_000)))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - name: Main
    balance: 100.10
    account_type: savings
forecast:
  - date: "2026-03-01"
    outflow: 10.25
policy:
  name: p
  min_liquidity: 10
  invest_above: 50
  risk_profile: low
`), 0o600))

	sc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, sc.Accounts, 1)
	assert.Equal(t, model.AccountSavings, sc.Accounts[0].AccountType)
	assert.Equal(t, "2026-03-01", sc.Forecast[0].Date)
	assert.Equal(t, "100.10", sc.Accounts[0].Balance.StringFixed(model.CentPlaces))
	assert.Equal(t, "10.25", sc.Forecast[0].Outflow.StringFixed(model.CentPlaces))
	assert.True(t, sc.Policy.InvestAbove.Equal(decimal.NewFromInt(50)))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
accounts:
  - name: Main
    balance: 100
    account_type: savings
    colour: blue
policy:
  name: p
  risk_profile: low
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	err := Validate(model.SimulationContext{
		Accounts: []model.Account{
			{Name: "A", Balance: decimal.NewFromInt(-1), AccountType: "crypto"},
			{Name: "A", AccountType: model.AccountChecking},
		},
		Forecast: []model.ForecastItem{{Date: "01/02/2026"}},
	})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "balance must be non-negative")
	assert.Contains(t, msg, `unknown account_type "crypto"`)
	assert.Contains(t, msg, `duplicate name "A"`)
	assert.Contains(t, msg, "not YYYY-MM-DD")
	assert.Contains(t, msg, "policy: name is required")
}
