package domain

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals caps the precision inferred from a literal quote.
const MaxDecimals = 6

// DefaultDecimals is the price precision assumed before any quote is seen.
const DefaultDecimals = 2

// RoundUpToDP rounds x up to n fractional digits.
// Decimal arithmetic keeps 0.57 from becoming 0.5700000001 and rounding to 0.58.
func RoundUpToDP(x float64, n int) float64 {
	f, _ := decimal.NewFromFloat(x).RoundCeil(int32(n)).Float64()
	return f
}

// RoundDownToDP rounds x down to n fractional digits.
func RoundDownToDP(x float64, n int) float64 {
	f, _ := decimal.NewFromFloat(x).RoundFloor(int32(n)).Float64()
	return f
}

// RoundToDP rounds x to the nearest value with n fractional digits.
func RoundToDP(x float64, n int) float64 {
	f, _ := decimal.NewFromFloat(x).Round(int32(n)).Float64()
	return f
}

// TickSize returns the minimum increment at n fractional digits.
func TickSize(n int) float64 {
	return math.Pow10(-n)
}

// InferDecimals returns the number of fractional digits in a literal price
// such as "0.50" (2) or "0.125" (3). Trailing zeros count because the
// exchange quotes at its tick precision. The result is capped at MaxDecimals.
func InferDecimals(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, false
	}
	dp := 0
	if exp := d.Exponent(); exp < 0 {
		dp = int(-exp)
	}
	if dp > MaxDecimals {
		dp = MaxDecimals
	}
	return dp, true
}

// SameOrAbove reports whether a >= b allowing for float noise below half a
// tick at n decimals.
func SameOrAbove(a, b float64, n int) bool {
	return a >= b-TickSize(n)/2
}
