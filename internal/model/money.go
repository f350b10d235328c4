package model

import "github.com/shopspring/decimal"

// CentPlaces is the precision every stored and reported amount is rounded to.
const CentPlaces = 2

func init() {
	// Amounts travel as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Cents rounds d half away from zero to whole cents.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentPlaces)
}
