package domain

import "github.com/shopspring/decimal"

// Round rounds to cents, half away from zero (half-up for the non-negative
// amounts this package deals with).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
