package services

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a reward cannot be expressed exactly in
// base units.
var ErrInvalidAmount = errors.New("invalid reward amount")

// ToBaseUnits converts a human token amount (e.g. 10 or 2.5) to the token's
// smallest unit. The conversion is exact: amounts with more fractional
// digits than the token supports are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, amount)
	}
	base := amount.Shift(decimals)
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	if base.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: %s overflows base units", ErrInvalidAmount, amount)
	}
	return base.IntPart(), nil
}

// FormatAmount renders base units as a human token amount without trailing
// zeros, e.g. 10000000000 with 9 decimals is "10".
func FormatAmount(baseUnits int64, decimals int32) string {
	return decimal.New(baseUnits, -decimals).String()
}
