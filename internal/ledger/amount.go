package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Fixed precision for each denomination. Every product or quotient is
// truncated toward zero to its scale.
const (
	SettlementScale = 8 // crypto units
	DisplayScale    = 2 // USD
)

// ToSettlement converts a display-currency stake into settlement units at
// the given unit price.
func ToSettlement(stake, price decimal.Decimal) (decimal.Decimal, error) {
	stake = stake.Truncate(DisplayScale)
	if !stake.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: stake must be positive, got %s", ErrInvalidAmount, stake)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidAmount, price)
	}

	amount, _ := stake.QuoRem(price, SettlementScale)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: stake %s is below one settlement unit at %s",
			ErrInvalidAmount, stake, price)
	}
	return amount, nil
}

// Payout returns amount × multiplier in settlement units.
func Payout(amount, multiplier decimal.Decimal) decimal.Decimal {
	return amount.Mul(multiplier).Truncate(SettlementScale)
}

// ToDisplay values a settlement amount in display currency.
func ToDisplay(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Truncate(DisplayScale)
}
