// Package bps provides exact basis-point arithmetic on big integers.
// All division truncates toward zero; floating point is never used.
package bps

import "math/big"

// Denominator is the basis-point scale: 10000 bps = 100%.
const Denominator = 10_000

var denom = big.NewInt(Denominator)

// Apply returns amount * bps / 10000, truncating.
func Apply(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, denom)
}

// Scale returns amount * (10000 + bps) / 10000, truncating. A negative bps
// scales the amount down.
func Scale(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(Denominator+bps))
	return out.Quo(out, denom)
}

// MulDiv returns a * b / 10000, truncating.
func MulDiv(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// Clone returns a defensive copy, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsPositive reports whether v is non-nil and strictly greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
