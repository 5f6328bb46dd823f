package domain

import (
	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (centavos).
type Money int64

// moneyExponent is the number of decimal places carried by Money.
const moneyExponent = 2

// ReconcileTolerance is the largest discrepancy accepted when checking that
// card and credit portions add up to a payment's amount.
const ReconcileTolerance Money = 1

// MoneyFromDecimal converts a decimal major-unit amount, rounding half away
// from zero to the nearest minor unit.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Shift(moneyExponent).Round(0).IntPart())
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -moneyExponent)
}

// String renders the amount with two fixed decimal places.
func (m Money) String() string {
	return m.Decimal().StringFixed(moneyExponent)
}

// MarshalJSON renders the amount as a JSON number in major units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number (or quoted number) in major units.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = MoneyFromDecimal(d)
	return nil
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money {
	if m < 0 {
		return 0
	}
	return m
}

// Within reports whether m and other differ by at most tol.
func (m Money) Within(other, tol Money) bool {
	return (m - other).Abs() <= tol
}
