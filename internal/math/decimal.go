package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every Decimal.
const Precision = 18

var (
	unit    = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)
	zeroInt = new(big.Int)
)

// RoundingMode selects how a scaled division discards its remainder.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
	RoundFloor                        // toward -inf
	RoundCeil                         // toward +inf
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "HalfEven"
	case RoundDown:
		return "Down"
	case RoundUp:
		return "Up"
	case RoundFloor:
		return "Floor"
	case RoundCeil:
		return "Ceil"
	default:
		return "Unknown"
	}
}

// Pooled intermediates for multi-term products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Decimal is an immutable signed fixed-point number with 18 fractional digits.
// The zero value is 0.
type Decimal struct {
	v *big.Int
}

func (d Decimal) raw() *big.Int {
	if d.v == nil {
		return zeroInt
	}
	return d.v
}

func wrap(v *big.Int) Decimal {
	return Decimal{v: v}
}

// Zero returns 0.
func Zero() Decimal { return Decimal{} }

// One returns 1.
func One() Decimal { return wrap(new(big.Int).Set(unit)) }

// Unit returns 10^18 as a fresh big.Int.
func Unit() *big.Int { return new(big.Int).Set(unit) }

// FromInt returns n whole units.
func FromInt(n int64) Decimal {
	return wrap(new(big.Int).Mul(big.NewInt(n), unit))
}

// FromRaw wraps an already-scaled integer. The argument is copied.
func FromRaw(v *big.Int) Decimal {
	if v == nil {
		return Zero()
	}
	return wrap(new(big.Int).Set(v))
}

// FromRawInt64 wraps an already-scaled int64.
func FromRawInt64(v int64) Decimal {
	return wrap(big.NewInt(v))
}

// Parse reads a human decimal string ("1250.5", "-0.000001") into fixed point.
// More than 18 fractional digits is an error rather than a silent truncation.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero(), fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromShopspring(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromShopspring converts an arbitrary-precision decimal into fixed point.
func FromShopspring(d decimal.Decimal) (Decimal, error) {
	if d.Exponent() < -Precision {
		return Zero(), fmt.Errorf("decimal %s exceeds %d fractional digits", d.String(), Precision)
	}
	return wrap(d.Shift(Precision).BigInt()), nil
}

// Shopspring returns the value as a shopspring decimal for display and storage.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.raw(), -Precision)
}

func (d Decimal) String() string {
	return d.Shopspring().String()
}

// Raw returns a copy of the scaled integer.
func (d Decimal) Raw() *big.Int {
	return new(big.Int).Set(d.raw())
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decimal must be a JSON string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Decimal) Add(o Decimal) Decimal {
	return wrap(new(big.Int).Add(d.raw(), o.raw()))
}

func (d Decimal) Sub(o Decimal) Decimal {
	return wrap(new(big.Int).Sub(d.raw(), o.raw()))
}

func (d Decimal) Neg() Decimal {
	return wrap(new(big.Int).Neg(d.raw()))
}

func (d Decimal) Abs() Decimal {
	return wrap(new(big.Int).Abs(d.raw()))
}

func (d Decimal) Sign() int { return d.raw().Sign() }

func (d Decimal) Cmp(o Decimal) int { return d.raw().Cmp(o.raw()) }

func (d Decimal) IsZero() bool { return d.Sign() == 0 }

func (d Decimal) IsPositive() bool { return d.Sign() > 0 }

func (d Decimal) IsNegative() bool { return d.Sign() < 0 }

func (d Decimal) Equal(o Decimal) bool { return d.Cmp(o) == 0 }

func (d Decimal) GreaterThan(o Decimal) bool { return d.Cmp(o) > 0 }

func (d Decimal) LessThan(o Decimal) bool { return d.Cmp(o) < 0 }

// Mul returns d*o rescaled to 18 digits.
func (d Decimal) Mul(o Decimal, mode RoundingMode) Decimal {
	return MulDiv(d, o, One(), mode)
}

// Quo returns d/o. Division by zero is a programming error and panics.
func (d Decimal) Quo(o Decimal, mode RoundingMode) Decimal {
	return MulDiv(d, One(), o, mode)
}

// MulInt multiplies by an unscaled integer (exact).
func (d Decimal) MulInt(n int64) Decimal {
	return wrap(new(big.Int).Mul(d.raw(), big.NewInt(n)))
}

// QuoInt divides by an unscaled integer.
func (d Decimal) QuoInt(n int64, mode RoundingMode) Decimal {
	return wrap(DivideRounded(d.raw(), big.NewInt(n), mode))
}

// FloorAtZero clamps negative values to zero.
func (d Decimal) FloorAtZero() Decimal {
	if d.Sign() < 0 {
		return Zero()
	}
	return d
}

// MulDiv computes a*b/c with a single rounding step.
func MulDiv(a, b, c Decimal, mode RoundingMode) Decimal {
	product := getInt()
	product.Mul(a.raw(), b.raw())
	result := DivideRounded(product, c.raw(), mode)
	putInt(product)
	return wrap(result)
}

// DivideRounded returns num/den as a new integer, rounded per mode.
func DivideRounded(num, den *big.Int, mode RoundingMode) *big.Int {
	if den.Sign() == 0 {
		panic("FATAL: fixed-point division by zero")
	}

	quotient := new(big.Int)
	remainder := getInt()
	defer putInt(remainder)

	quotient.QuoRem(num, den, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	// sign of the exact quotient
	sign := num.Sign() * den.Sign()

	switch mode {
	case RoundDown:
	case RoundUp:
		quotient.Add(quotient, big.NewInt(int64(sign)))
	case RoundFloor:
		if sign < 0 {
			quotient.Sub(quotient, big.NewInt(1))
		}
	case RoundCeil:
		if sign > 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twiceRem := getInt()
		twiceRem.Abs(remainder)
		twiceRem.Lsh(twiceRem, 1)
		absDen := getInt()
		absDen.Abs(den)
		cmp := twiceRem.Cmp(absDen)
		putInt(twiceRem)
		putInt(absDen)

		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(int64(sign)))
		}
	}

	return quotient
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi Decimal) Decimal {
	return Min(Max(d, lo), hi)
}

// AppendCanonical appends a deterministic encoding of d (sign byte,
// length byte, big-endian magnitude) for state hashing.
func (d Decimal) AppendCanonical(buf []byte) []byte {
	r := d.raw()
	var sign byte
	switch r.Sign() {
	case -1:
		sign = 2
	case 1:
		sign = 1
	}
	mag := r.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}
