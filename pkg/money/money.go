// Package money represents monetary values as integer minor units (cents).
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units.
type Amount int64

const minorDigits = 2

// MaxAmount is the largest accepted amount. It leaves headroom so that a price
// plus an increment never overflows int64.
const MaxAmount Amount = math.MaxInt64 / 2

var (
	ErrInvalidAmount = errors.New("invalid amount")

	maxAmount = decimal.NewFromInt(int64(MaxAmount))
)

// Parse reads a decimal major-unit string such as "101.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d)
}

// FromFloat converts a major-unit float. NaN and infinities are rejected.
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: not finite", ErrInvalidAmount)
	}
	return fromDecimal(decimal.NewFromFloat(f))
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(minorDigits)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, minorDigits)
	}

	minor := d.Shift(minorDigits)
	if minor.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return Amount(minor.IntPart()), nil
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorDigits)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(minorDigits)
}

func (a Amount) IsPositive() bool {
	return a > 0
}

// Add returns a+b, saturating at math.MaxInt64 instead of wrapping.
func (a Amount) Add(b Amount) Amount {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}
