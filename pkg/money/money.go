// Package money holds the currency rounding rules shared by the servicing engine.
package money

import "github.com/shopspring/decimal"

// Places is the number of decimal places of the smallest currency unit.
const Places = 2

var (
	// Unit is the smallest currency unit. Amounts within one unit of each other are equal.
	Unit    = decimal.New(1, -Places)
	Hundred = decimal.NewFromInt(100)
)

// Round rounds half away from zero to the smallest currency unit.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Floor truncates to the smallest currency unit.
func Floor(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Places)
}

// Equal compares two amounts after rounding, treating a one-unit discrepancy as equal.
func Equal(a, b decimal.Decimal) bool {
	return Round(a).Sub(Round(b)).Abs().LessThanOrEqual(Unit)
}

// Percent returns pct percent of d, unrounded.
func Percent(d, pct decimal.Decimal) decimal.Decimal {
	return d.Mul(pct).Div(Hundred)
}
