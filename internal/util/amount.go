// Package util provides common helpers for order amount arithmetic.
package util

import "github.com/shopspring/decimal"

// RoundDownToStep rounds amount down to a multiple of step. A zero or
// negative step returns the amount unchanged.
func RoundDownToStep(amount, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return amount
	}
	return amount.Div(step).Floor().Mul(step)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ClampNonNegative floors d at zero.
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// PositionKey builds the key used to identify one venue position across
// processes: the pending-close ledger and the position locks are scoped to it.
func PositionKey(connector, tradingPair string) string {
	return connector + "_" + tradingPair
}
