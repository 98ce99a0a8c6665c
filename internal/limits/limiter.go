// Package limits enforces per-bet stake bounds in display currency before a
// bet reaches the settlement ledger.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when a stake is smaller than MinStake.
	ErrBelowMinimum = errors.New("limits: stake below minimum")

	// ErrAboveMaximum is returned when a stake exceeds MaxStake.
	ErrAboveMaximum = errors.New("limits: stake above maximum")
)

// StakeLimiter bounds a single bet's display-currency stake.
type StakeLimiter struct {
	// MinStake is the smallest accepted stake. Zero disables the check.
	MinStake decimal.Decimal

	// MaxStake is the largest accepted stake. Zero means unlimited.
	MaxStake decimal.Decimal
}

// NewStakeLimiter creates a limiter. Negative bounds are treated as zero.
func NewStakeLimiter(minStake, maxStake decimal.Decimal) *StakeLimiter {
	if minStake.IsNegative() {
		minStake = decimal.Zero
	}
	if maxStake.IsNegative() {
		maxStake = decimal.Zero
	}
	return &StakeLimiter{
		MinStake: minStake,
		MaxStake: maxStake,
	}
}

// CheckStake validates stake against the configured bounds.
func (l *StakeLimiter) CheckStake(stake decimal.Decimal) error {
	if l.MinStake.IsPositive() && stake.LessThan(l.MinStake) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, stake, l.MinStake)
	}
	if l.MaxStake.IsPositive() && stake.GreaterThan(l.MaxStake) {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaximum, stake, l.MaxStake)
	}
	return nil
}
