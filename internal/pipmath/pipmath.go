// Package pipmath implements the fixed-point arithmetic used for every
// monetary quantity: integers scaled by 10^8, called pips.
package pipmath

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a pip value.
const Decimals = 8

// One is 1.0 expressed in pips.
const One int64 = 100_000_000

// Sentinel errors returned by this package.
var (
	ErrInvalidDecimal     = errors.New("pipmath: invalid decimal string")
	ErrPipOverflow        = errors.New("pipmath: value does not fit in 64-bit pips")
	ErrNegativeSquareRoot = errors.New("pipmath: square root of negative numbers is not supported")
)

var (
	bigOne   = big.NewInt(One)
	bigTwo   = big.NewInt(2)
	bigThree = big.NewInt(3)
)

// BigOne returns a fresh *big.Int holding One.
func BigOne() *big.Int {
	return new(big.Int).Set(bigOne)
}

// DecimalToPip parses a decimal string and truncates it toward zero to 8
// fractional digits. "0.000000009" yields 0.
func DecimalToPip(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	pips := d.Shift(Decimals).Truncate(0).BigInt()
	if !pips.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrPipOverflow, s)
	}
	return pips.Int64(), nil
}

// PipToDecimal renders a pip value with exactly 8 fractional digits.
func PipToDecimal(pips int64) string {
	return decimal.New(pips, -Decimals).StringFixed(Decimals)
}

// MultiplyPips returns a*b/10^8 truncated toward zero. With roundUp set, a
// nonzero remainder bumps the result by one.
func MultiplyPips(a, b int64, roundUp bool) int64 {
	product := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	q, r := new(big.Int).QuoRem(product, bigOne, new(big.Int))
	if roundUp && r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// DividePips returns a*10^8/b truncated toward zero, or 0 when b <= 0.
// Callers rely on the zero result to represent "no price".
func DividePips(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(a), bigOne)
	return n.Quo(n, big.NewInt(b)).Int64()
}

// Sqrt computes the integer square root of x with Newton's method.
func Sqrt(x *big.Int) (*big.Int, error) {
	switch {
	case x.Sign() < 0:
		return nil, ErrNegativeSquareRoot
	case x.Sign() == 0:
		return new(big.Int), nil
	case x.Cmp(bigThree) <= 0:
		return big.NewInt(1), nil
	}

	z := new(big.Int).Set(x)
	next := new(big.Int).Quo(x, bigTwo)
	next.Add(next, big.NewInt(1))
	for next.Cmp(z) < 0 {
		z.Set(next)
		next.Quo(x, z)
		next.Add(next, z)
		next.Quo(next, bigTwo)
	}
	return z, nil
}
