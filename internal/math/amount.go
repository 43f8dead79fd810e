package math

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point decimal with Precision fractional digits stored as
// an integer count of 10^-7 units. It is used for balances, reserves, prices
// and rates alike.
type Amount int64

const (
	Zero Amount = 0
	One  Amount = Amount(Scale)
)

var (
	ErrPrecisionLoss = errors.New("fixedpoint: more than 7 fractional digits")
	ErrMalformed     = errors.New("fixedpoint: malformed decimal")
)

var (
	maxDecimal = decimal.New(int64(^uint64(0)>>1), 0)
	minDecimal = decimal.New(-int64(^uint64(0)>>1)-1, 0)
)

// FromUnits converts a whole number of units (e.g. 100 tokens).
func FromUnits(units int64) Amount {
	return Amount(units * Scale)
}

// FromBps converts basis points into a fraction (30bp -> 0.0030000).
func FromBps(bps int64) Amount {
	return Amount(bps * (Scale / BpsScale))
}

// ParseAmount parses a decimal string. Inputs with more than seven fractional
// digits are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return FromDecimal(d)
}

// MustParse is ParseAmount for constants and tests.
func MustParse(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts an arbitrary-precision decimal without rounding.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Precision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPrecisionLoss, d.String())
	}
	if shifted.GreaterThan(maxDecimal) || shifted.LessThan(minDecimal) {
		return 0, ErrOverflow
	}
	return Amount(shifted.IntPart()), nil
}

// RoundDecimal converts a decimal, rounding half-even to seven digits.
func RoundDecimal(d decimal.Decimal) (Amount, error) {
	return FromDecimal(d.RoundBank(Precision))
}

// Decimal returns the exact decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Precision)
}

// String renders the wire form with exactly seven fractional digits.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Precision)
}

// MarshalText renders the wire string, so JSON and YAML carry decimals.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the wire string.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores amounts as NUMERIC via their decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads NUMERIC, text or integer-unit columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return a.UnmarshalText(v)
	case string:
		return a.UnmarshalText([]byte(v))
	case int64:
		*a = FromUnits(v)
		return nil
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrMalformed, src)
	}
}

// Float64 is for metrics only.
func (a Amount) Float64() float64 {
	return float64(a) / float64(Scale)
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Mul returns a * b.
func (a Amount) Mul(b Amount, mode RoundingMode) (Amount, error) {
	v, err := MulDiv(int64(a), int64(b), Scale, mode)
	return Amount(v), err
}

// Div returns a / b.
func (a Amount) Div(b Amount, mode RoundingMode) (Amount, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	v, err := MulDiv(int64(a), Scale, int64(b), mode)
	return Amount(v), err
}

// MulDiv returns a * b / c without intermediate rounding.
func (a Amount) MulDiv(b, c Amount, mode RoundingMode) (Amount, error) {
	if c == 0 {
		return 0, ErrDivideByZero
	}
	v, err := MulDiv(int64(a), int64(b), int64(c), mode)
	return Amount(v), err
}

// MulBps returns a * bps / 10000.
func (a Amount) MulBps(bps int64, mode RoundingMode) (Amount, error) {
	v, err := MulDiv(int64(a), bps, BpsScale, mode)
	return Amount(v), err
}

// Percent converts a percentage (1.5 -> 0.015).
func (a Amount) Percent() (Amount, error) {
	v, err := MulDiv(int64(a), 1, 100, RoundHalfEven)
	return Amount(v), err
}
