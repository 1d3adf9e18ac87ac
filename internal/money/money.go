package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitPlaces is the number of decimal places kept for amounts.
// Processor amounts are integers in these minor units (cents).
const MinorUnitPlaces = 2

var bpsDivisor = decimal.NewFromInt(10000)

// PlatformFee returns round(amount * bps / 10000) in minor-unit precision,
// rounding half away from zero.
func PlatformFee(amount decimal.Decimal, bps int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor).Round(MinorUnitPlaces)
}

// AgencyReceives is what is released to the agency once the fee is withheld.
func AgencyReceives(amount, fee decimal.Decimal) decimal.Decimal {
	return amount.Sub(fee)
}

// ParseAmount parses a positive decimal with at most two fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	if !d.Equal(d.Round(MinorUnitPlaces)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, MinorUnitPlaces)
	}
	return d, nil
}

// ToMinor converts an amount to integer minor units.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(MinorUnitPlaces).Round(0).IntPart()
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitPlaces)
}

// NormalizeCurrency upper-cases an ISO 4217 code and checks its shape.
func NormalizeCurrency(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return code, true
}
