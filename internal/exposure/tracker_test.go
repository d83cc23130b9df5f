package exposure

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestLimiterWithinLimits(t *testing.T) {
	l := NewLimiter(d(500), d(2000))
	if err := l.Check(d(100), d(300), d(1500)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// Exactly at the cap is allowed.
	if err := l.Check(d(200), d(300), d(1800)); err != nil {
		t.Errorf("at-cap lock should pass: %v", err)
	}
}

func TestLimiterPerMarketExceeded(t *testing.T) {
	l := NewLimiter(d(500), d(2000))
	err := l.Check(d(201), d(300), d(0))
	if !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("err = %v, want ErrMarketLimitExceeded", err)
	}
}

func TestLimiterTotalExceeded(t *testing.T) {
	l := NewLimiter(d(0), d(2000))
	err := l.Check(d(100), d(0), d(1950))
	if !errors.Is(err, ErrTotalLimitExceeded) {
		t.Errorf("err = %v, want ErrTotalLimitExceeded", err)
	}
}

func TestLimiterZeroCapDisablesCheck(t *testing.T) {
	l := NewLimiter(decimal.Zero, decimal.Zero)
	if err := l.Check(d(1e9), d(1e9), d(1e9)); err != nil {
		t.Errorf("disabled limiter should pass: %v", err)
	}
}

func TestLimiterNilReceiver(t *testing.T) {
	var l *Limiter
	if err := l.Check(d(100), d(0), d(0)); err != nil {
		t.Errorf("nil limiter should pass: %v", err)
	}
}
