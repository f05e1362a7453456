// Package math holds the engine's fixed-point conventions.
//
// Every amount, price and ratio is an unsigned 256-bit integer. USD values and
// prices carry 18 decimals ("wad"); collateral amounts carry the token's own
// base units. Division always truncates toward zero and always happens last.
package math

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const WadDecimals = 18

// Risk parameters. The threshold counts collateral at 50% of its value, which
// requires 200% over-collateralization.
const (
	LiquidationThreshold = 50
	LiquidationBonus     = 10
	LiquidationPrecision = 100
)

var (
	// Wad is 1e18, the fixed-point "1.0".
	Wad = uint256.NewInt(1_000_000_000_000_000_000)

	// MinHealthFactor is the smallest health factor a debtor may hold after a
	// mutating operation.
	MinHealthFactor = uint256.NewInt(1_000_000_000_000_000_000)

	// MaxHealthFactor is reported for accounts without debt.
	MaxHealthFactor = new(uint256.Int).SetAllOne()
)

// MulDiv returns floor(x*y/d) using a 512-bit intermediate product. ok is false
// when d is zero or the quotient does not fit in 256 bits.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, bool) {
	if d.IsZero() {
		return nil, false
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	return z, !overflow
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// ScaleToWad rescales a value expressed with decimals places to 18 decimals.
// decimals must not exceed WadDecimals.
func ScaleToWad(value *uint256.Int, decimals uint8) (*uint256.Int, bool) {
	if decimals > WadDecimals {
		return nil, false
	}
	z, overflow := new(uint256.Int).MulOverflow(value, Pow10(WadDecimals-decimals))
	return z, !overflow
}

// Percent returns floor(x*num/LiquidationPrecision).
func Percent(x *uint256.Int, num uint64) (*uint256.Int, bool) {
	return MulDiv(x, uint256.NewInt(num), uint256.NewInt(LiquidationPrecision))
}

// FormatWad renders an 18-decimal fixed-point value as a decimal string.
func FormatWad(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	if x.Eq(MaxHealthFactor) {
		return "max"
	}
	return decimal.NewFromBigInt(x.ToBig(), -WadDecimals).String()
}

// Clone returns a copy of x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// ToFloat converts an 18-decimal value to float64 for metrics. exact is false
// when precision was lost.
func ToFloat(x *uint256.Int) (f float64, exact bool) {
	if x == nil {
		return 0, true
	}
	return decimal.NewFromBigInt(x.ToBig(), -WadDecimals).Float64()
}
