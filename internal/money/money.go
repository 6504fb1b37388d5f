// Package money defines the fixed-point amount type used by the ledger.
// All monetary values are integer cents; share quantities are plain int64.
// Decimal input is converted exactly once, at the edge, with shopspring/decimal.
package money

import (
	"errors"
	"math"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the single currency the ledger books in.
const Currency = gomoney.USD

var (
	// ErrNegative is returned when a decimal amount below zero is converted.
	ErrNegative = errors.New("money: amount must not be negative")

	// ErrOverflow is returned when an amount does not fit in int64 cents.
	ErrOverflow = errors.New("money: amount overflows int64 cents")

	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// Cents is an amount in minor units.
type Cents int64

// FromDecimal converts a major-unit amount (e.g. 12.345 dollars) to cents,
// rounding half away from zero: 0.125 -> 13, 1.005 -> 101.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	c := d.Shift(2).Round(0)
	if c.GreaterThan(maxCents) {
		return 0, ErrOverflow
	}
	return Cents(c.IntPart()), nil
}

// Mul returns price * qty, failing instead of wrapping on overflow.
// qty must be non-negative.
func Mul(price Cents, qty int64) (Cents, error) {
	if qty < 0 {
		return 0, ErrNegative
	}
	if qty == 0 || price == 0 {
		return 0, nil
	}
	p := int64(price)
	if p > 0 && p > math.MaxInt64/qty || p < 0 && p < math.MinInt64/qty {
		return 0, ErrOverflow
	}
	return Cents(p * qty), nil
}

// Add returns a + b, failing on overflow.
func Add(a, b Cents) (Cents, error) {
	if b > 0 && a > math.MaxInt64-b || b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Decimal returns the amount in major units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String renders the amount for display, e.g. "-$12,345.67".
func (c Cents) String() string {
	return gomoney.New(int64(c), Currency).Display()
}
