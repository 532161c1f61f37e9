// Package core provides the expense domain model.
//
// This file contains conversions between display amounts (decimals) and
// stored amounts (integer minor units, e.g. cents).
package core

import (
	"math"

	"github.com/shopspring/decimal"
)

var maxCents = decimal.NewFromInt(math.MaxInt64)

// Bounds on the decimal representation, checked before any rescaling so a
// value like 1e2000000000 is rejected without materialising its digits.
const (
	maxAmountExponent = 18
	maxAmountBits     = 128
)

// MoneyFromDecimal converts a display amount to minor units.
//
// The amount is multiplied by 100 and rounded half-up; precision beyond two
// decimal places is not preserved. Zero, negative and out-of-range amounts,
// and amounts that round to zero minor units, are rejected. Amounts with an
// exponent or coefficient beyond what an int64 of cents can hold fail with
// ErrAmountOutOfRange.
//
// Examples:
//   MoneyFromDecimal(12.34)  -> {1234}
//   MoneyFromDecimal(12.345) -> {1235}
//   MoneyFromDecimal(0.004)  -> ErrInvalidAmount
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	if exp := d.Exponent(); exp > maxAmountExponent || exp < -maxAmountExponent || d.Coefficient().BitLen() > maxAmountBits {
		return Money{}, ErrAmountOutOfRange
	}
	if !d.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if cents.GreaterThan(maxCents) {
		return Money{}, ErrAmountOutOfRange
	}
	m := Money{Cents: cents.IntPart()}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Decimal returns the exact display value of the stored minor units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with two decimal places.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}
