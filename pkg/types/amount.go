package types

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// SompiPerKas is the number of base units in one coin.
const SompiPerKas = 100_000_000

var sompiPerKas = decimal.New(SompiPerKas, 0)

// ParseAmount parses a decimal coin amount ("1.5") into base units.
// More than eight fractional digits, negative values and values that do not
// fit in a uint64 are rejected.
func ParseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: negative", s)
	}
	sompi := d.Mul(sompiPerKas)
	if !sompi.Equal(sompi.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than 8 decimal places", s)
	}
	if sompi.GreaterThan(uint64Decimal(math.MaxUint64)) {
		return 0, fmt.Errorf("invalid amount %q: overflow", s)
	}
	return sompi.BigInt().Uint64(), nil
}

// FormatAmount renders base units as a decimal coin amount without
// trailing zeros ("1.5", "0.00000001", "12").
func FormatAmount(sompi uint64) string {
	return uint64Decimal(sompi).Div(sompiPerKas).String()
}

func uint64Decimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
