// Package money provides decimal helpers for monetary amounts.
//
// All amounts in the system are non-negative decimals with two fractional
// digits. Fee computations round once, at the point the fee is produced,
// never at intermediate steps.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Round2 rounds to 2 decimal places, half-up. Amounts are never negative,
// so shopspring's half-away-from-zero rounding is exactly half-up here.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Parse parses a non-negative decimal amount string.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative, got %s", s)
	}
	return d, nil
}

// MustParse parses a decimal amount string, panicking on error.
// For constants and tests only.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Percent computes amount × rate without rounding. Callers round the
// final fee with Round2.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}

// String formats an amount with exactly two decimal places.
func String(d decimal.Decimal) string {
	return d.StringFixed(2)
}
