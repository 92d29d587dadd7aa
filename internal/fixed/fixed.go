// Package fixed holds the 18-decimal fixed-point helpers shared by the price feed and the fund.
// All helpers return fresh values and never mutate their arguments.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the canonical scale of every price, share and valuation.
const Decimals = 18

var (
	ErrOverflow     = errors.New("fixed: overflow")
	ErrNegative     = errors.New("fixed: negative value")
	ErrDivideByZero = errors.New("fixed: divide by zero")
)

// One is 1.0 at canonical scale.
var One = Pow10(Decimals)

var pow10Cache = func() [78]uint256.Int {
	var out [78]uint256.Int
	ten := uint256.NewInt(10)
	out[0].SetOne()
	for i := 1; i < len(out); i++ {
		out[i].Mul(&out[i-1], ten)
	}
	return out
}()

// Pow10 returns 10^n. n must be below 78.
func Pow10(n uint8) *uint256.Int {
	if int(n) >= len(pow10Cache) {
		panic(fmt.Sprintf("fixed: 10^%d does not fit in 256 bits", n))
	}
	return new(uint256.Int).Set(&pow10Cache[n])
}

func Zero() *uint256.Int { return new(uint256.Int) }

func New(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Units returns v whole units at canonical scale.
func Units(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), One)
}

func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return new(uint256.Int).Set(v)
}

func Add(a, b *uint256.Int) *uint256.Int { return new(uint256.Int).Add(a, b) }

// Sub returns a-b floored at zero.
func Sub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Clone(a)
	}
	return Clone(b)
}

func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return Clone(a)
	}
	return Clone(b)
}

// MulDiv returns floor(x*y/d) with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Mul multiplies two canonical values: floor(a*b/1e18).
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, One)
}

// Div divides two canonical values: floor(a*1e18/b).
func Div(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, One, b)
}

// ToCanonical rescales an amount expressed with the given decimals to 18 decimals, rounding down.
func ToCanonical(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	return rescale(amount, decimals, Decimals)
}

// FromCanonical rescales a canonical amount to the given decimals, rounding down.
func FromCanonical(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	return rescale(amount, Decimals, decimals)
}

func rescale(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	switch {
	case from == to:
		return Clone(amount), nil
	case from < to:
		out, overflow := new(uint256.Int).MulOverflow(amount, Pow10(to-from))
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	default:
		return new(uint256.Int).Div(amount, Pow10(from-to)), nil
	}
}

// FromDecimal converts a human decimal (e.g. "0.02") into an integer scaled by 10^decimals,
// truncating any extra precision.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(int32(decimals)).Truncate(0)
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ParseDecimal is FromDecimal over a string.
func ParseDecimal(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return FromDecimal(d, decimals)
}

// ToDecimal renders an integer scaled by 10^decimals as a decimal.
func ToDecimal(v *uint256.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
}

// Format renders a canonical value as a plain decimal string.
func Format(v *uint256.Int) string {
	return ToDecimal(v, Decimals).String()
}

// String renders the raw integer in base 10.
func String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}

// Parse reads a raw base-10 integer.
func Parse(s string) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("fixed: invalid integer %q", s)
	}
	if b.Sign() < 0 {
		return nil, ErrNegative
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
