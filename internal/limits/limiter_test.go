package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckStake(t *testing.T) {
	l := NewStakeLimiter(d(1), d(1000))

	tests := []struct {
		name  string
		stake float64
		want  error
	}{
		{"at minimum", 1, nil},
		{"inside", 250.5, nil},
		{"at maximum", 1000, nil},
		{"below minimum", 0.99, ErrBelowMinimum},
		{"above maximum", 1000.01, ErrAboveMaximum},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := l.CheckStake(d(tc.stake))
			if tc.want == nil && err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckStake_ZeroMeansUnbounded(t *testing.T) {
	l := NewStakeLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckStake(d(1e9)); err != nil {
		t.Errorf("unbounded limiter rejected large stake: %v", err)
	}
	if err := l.CheckStake(d(0.01)); err != nil {
		t.Errorf("unbounded limiter rejected small stake: %v", err)
	}
}

func TestNewStakeLimiter_NegativeBoundsClamped(t *testing.T) {
	l := NewStakeLimiter(d(-5), d(-10))
	if !l.MinStake.IsZero() || !l.MaxStake.IsZero() {
		t.Errorf("expected zero bounds, got min=%s max=%s", l.MinStake, l.MaxStake)
	}
}
