// Package seed loads the treasury context (accounts, forecast, policy) from
// YAML so an empty database can serve simulations.
package seed

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kinko/internal/model"
)

//go:embed default.yaml
var defaultSeed []byte

// Default returns the built-in demo treasury context.
func Default() (model.SimulationContext, error) {
	return Parse(defaultSeed)
}

// Load reads and parses a seed file. Unknown fields are rejected so typos
// surface at startup.
func Load(path string) (model.SimulationContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.SimulationContext{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return model.SimulationContext{}, fmt.Errorf("seed: %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (model.SimulationContext, error) {
	var sc model.SimulationContext
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return model.SimulationContext{}, fmt.Errorf("seed: parse YAML: %w", err)
	}
	if err := Validate(sc); err != nil {
		return model.SimulationContext{}, fmt.Errorf("seed: invalid context: %w", err)
	}
	return sc, nil
}

// Validate checks that sc is usable as a simulation context.
func Validate(sc model.SimulationContext) error {
	var errs []error
	if len(sc.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}
	names := make(map[string]bool, len(sc.Accounts))
	for i, a := range sc.Accounts {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("accounts[%d]: name is required", i))
		case names[a.Name]:
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate name %q", i, a.Name))
		}
		names[a.Name] = true
		if a.Balance.IsNegative() {
			errs = append(errs, fmt.Errorf("accounts[%d]: balance must be non-negative", i))
		}
		switch a.AccountType {
		case model.AccountChecking, model.AccountSavings, model.AccountHighYield, model.AccountMoneyMarket, model.AccountReserve:
		default:
			errs = append(errs, fmt.Errorf("accounts[%d]: unknown account_type %q", i, a.AccountType))
		}
	}
	for i, f := range sc.Forecast {
		if _, err := time.Parse("2006-01-02", f.Date); err != nil {
			errs = append(errs, fmt.Errorf("forecast[%d]: date %q is not YYYY-MM-DD", i, f.Date))
		}
		if f.Inflow.IsNegative() || f.Outflow.IsNegative() {
			errs = append(errs, fmt.Errorf("forecast[%d]: inflow and outflow must be non-negative", i))
		}
	}
	p := sc.Policy
	if p.Name == "" {
		errs = append(errs, errors.New("policy: name is required"))
	}
	if p.MinLiquidity.IsNegative() || p.InvestAbove.IsNegative() {
		errs = append(errs, errors.New("policy: thresholds must be non-negative"))
	}
	if p.RiskProfile == "" {
		errs = append(errs, errors.New("policy: risk_profile is required"))
	}
	return errors.Join(errs...)
}
