// Package money holds the currency arithmetic shared by pricing and discounts.
// Amounts are int64 minor units; percentages are percentage points.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Percent returns pct% of amountCents rounded half-up to the nearest cent.
// Negative inputs yield 0.
func Percent(amountCents int64, pct float64) int64 {
	if amountCents <= 0 || pct <= 0 {
		return 0
	}
	v := decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		Round(0)
	return v.IntPart()
}

// ValidPercent reports whether pct is a usable percentage in [0,100].
func ValidPercent(pct float64) bool {
	return pct >= 0 && pct <= 100
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Format renders cents as a decimal string with two places, e.g. 11550 -> "115.50".
func Format(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
