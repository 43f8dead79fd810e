// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// Every monetary quantity carries exactly seven fractional digits, the wire
// precision of the underlying ledger asset.
const (
	Precision       = 7
	Scale     int64 = 10_000_000
	BpsScale  int64 = 10_000
)

var (
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow     = errors.New("fixedpoint: result overflows int64")
)

// RoundingMode selects how a discarded remainder is resolved.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. The caller returns the
// result to the pool with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
func DivideInt128(numerator, denominator *big.Int, mode RoundingMode) (int64, error) {
	if denominator.Sign() == 0 {
		return 0, ErrDivideByZero
	}

	negative := numerator.Sign()*denominator.Sign() < 0

	num := getInt128()
	den := getInt128()
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(num)
		putInt128(den)
		putInt128(quotient)
		putInt128(remainder)
	}()

	num.Abs(numerator)
	den.Abs(denominator)
	quotient.QuoRem(num, den, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			// compare 2*remainder against the denominator
			remainder.Lsh(remainder, 1)
			cmp := remainder.Cmp(den)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if negative {
		quotient.Neg(quotient)
	}
	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / d with a 128-bit intermediate.
func MulDiv(a, b, d int64, mode RoundingMode) (int64, error) {
	num := MultiplyInt128(a, b)
	defer putInt128(num)

	den := getInt128()
	defer putInt128(den)
	den.SetInt64(d)

	return DivideInt128(num, den, mode)
}

// MulMulDiv computes a * b * c / d with a wide intermediate.
func MulMulDiv(a, b, c, d int64, mode RoundingMode) (int64, error) {
	num := MultiplyInt128(a, b)
	defer putInt128(num)
	num.Mul(num, big.NewInt(c))

	den := getInt128()
	defer putInt128(den)
	den.SetInt64(d)

	return DivideInt128(num, den, mode)
}

// ProductRatio computes (a * b * scale) / (c * d) with a wide intermediate.
func ProductRatio(a, b, c, d, scale int64, mode RoundingMode) (int64, error) {
	num := MultiplyInt128(a, b)
	defer putInt128(num)
	num.Mul(num, big.NewInt(scale))

	den := MultiplyInt128(c, d)
	defer putInt128(den)

	return DivideInt128(num, den, mode)
}

// GeometricMean returns floor(sqrt(a * b)).
func GeometricMean(a, b int64) (int64, error) {
	prod := MultiplyInt128(a, b)
	defer putInt128(prod)
	if prod.Sign() < 0 {
		return 0, ErrOverflow
	}
	root := getInt128()
	defer putInt128(root)
	root.Sqrt(prod)
	if !root.IsInt64() {
		return 0, ErrOverflow
	}
	return root.Int64(), nil
}
