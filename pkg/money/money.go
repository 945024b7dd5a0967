// Package money holds revenue-split and formatting helpers for amounts kept
// in minor currency units (cents).
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPercentage = errors.New("money: percentage must be within [0, 100]")
	ErrNegativeAmount    = errors.New("money: amount must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Share is the result of splitting one line amount.
type Share struct {
	Instructor int64
	Admin      int64
}

// Split gives the instructor floor(amount * pct / 100) and the platform the
// remainder, so Instructor + Admin == amount always.
func Split(amount int64, instructorPct decimal.Decimal) (Share, error) {
	if amount < 0 {
		return Share{}, ErrNegativeAmount
	}
	if err := ValidatePercentage(instructorPct); err != nil {
		return Share{}, err
	}
	instructor := decimal.NewFromInt(amount).Mul(instructorPct).Div(hundred).Floor().IntPart()
	return Share{Instructor: instructor, Admin: amount - instructor}, nil
}

func ValidatePercentage(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return ErrInvalidPercentage
	}
	return nil
}

// PercentOf returns floor(amount * pct / 100).
func PercentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Floor().IntPart()
}

// Format renders minor units as a major-unit string with two decimals, e.g. 3000 -> "30.00".
func Format(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// Parse is the inverse of Format. It rejects sub-cent precision.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("money: %q has sub-cent precision", s)
	}
	return cents.IntPart(), nil
}
