// Package money converts between decimal amount strings and int64 minor units.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrPrecisionExceeded  = errors.New("amount_precision_exceeded")
	ErrAmountOutOfRange   = errors.New("amount_out_of_range")
	ErrInvalidRatioString = errors.New("invalid_ratio")
)

// Parse converts a decimal string such as "150.25" into minor units using the
// currency exponent. Fractions finer than the exponent are rejected.
func Parse(value string, digits int32) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	scaled := d.Shift(digits)
	if !scaled.IsInteger() {
		return 0, ErrPrecisionExceeded
	}
	if !scaled.BigInt().IsInt64() {
		return 0, ErrAmountOutOfRange
	}
	return scaled.IntPart(), nil
}

// Format renders minor units with exactly digits fractional places.
func Format(amount int64, digits int32) string {
	return decimal.New(amount, -digits).StringFixed(digits)
}

// PaidRatio returns paid/amount. A zero amount counts as fully paid.
func PaidRatio(paid, amount int64) decimal.Decimal {
	if amount <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(paid).Div(decimal.NewFromInt(amount))
}

// ParseRatio parses a threshold such as "0.999".
func ParseRatio(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, ErrInvalidRatioString
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrInvalidRatioString
	}
	return d, nil
}

// MustRatio is ParseRatio with a fallback for malformed configuration.
func MustRatio(value string, fallback decimal.Decimal) decimal.Decimal {
	d, err := ParseRatio(value)
	if err != nil {
		return fallback
	}
	return d
}

// Min returns the smaller of two amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
