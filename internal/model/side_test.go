package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRequiredExposure(t *testing.T) {
	// BACK locks the stake; LAY locks the liability (price-1)*stake.
	if got := SideBack.RequiredExposure(d(2.50), d(100)); !got.Equal(d(100)) {
		t.Errorf("BACK exposure = %s, want 100", got)
	}
	if got := SideLay.RequiredExposure(d(2.50), d(100)); !got.Equal(d(150)) {
		t.Errorf("LAY exposure = %s, want 150", got)
	}
	if got := SideLay.RequiredExposure(d(3.00), d(10)); !got.Equal(d(20)) {
		t.Errorf("LAY exposure = %s, want 20", got)
	}
}

func TestCrosses(t *testing.T) {
	// Incoming BACK at 2.50 takes lays priced at or below 2.50.
	if !SideBack.Crosses(d(2.40), d(2.50)) {
		t.Error("BACK should cross lay 2.40 at limit 2.50")
	}
	if !SideBack.Crosses(d(2.50), d(2.50)) {
		t.Error("BACK should cross lay 2.50 at limit 2.50")
	}
	if SideBack.Crosses(d(2.60), d(2.50)) {
		t.Error("BACK should not cross lay 2.60 at limit 2.50")
	}

	// Incoming LAY at 2.50 takes backs priced at or above 2.50.
	if !SideLay.Crosses(d(2.60), d(2.50)) {
		t.Error("LAY should cross back 2.60 at limit 2.50")
	}
	if SideLay.Crosses(d(2.40), d(2.50)) {
		t.Error("LAY should not cross back 2.40 at limit 2.50")
	}
}

func TestBetterForIncoming(t *testing.T) {
	// An incoming BACK prefers the cheaper lay; an incoming LAY prefers
	// the dearer back.
	if !SideBack.BetterForIncoming(d(2.40), d(2.50)) {
		t.Error("BACK: 2.40 should beat 2.50")
	}
	if SideBack.BetterForIncoming(d(2.50), d(2.40)) {
		t.Error("BACK: 2.50 should not beat 2.40")
	}
	if !SideLay.BetterForIncoming(d(2.60), d(2.50)) {
		t.Error("LAY: 2.60 should beat 2.50")
	}
	if SideLay.BetterForIncoming(d(2.50), d(2.60)) {
		t.Error("LAY: 2.50 should not beat 2.60")
	}
}

func TestOpposite(t *testing.T) {
	if SideBack.Opposite() != SideLay || SideLay.Opposite() != SideBack {
		t.Error("sides should be mutually opposite")
	}
}

func TestParseSide(t *testing.T) {
	if s, err := ParseSide("BACK"); err != nil || s != SideBack {
		t.Errorf("ParseSide(BACK) = %v, %v", s, err)
	}
	if s, err := ParseSide("LAY"); err != nil || s != SideLay {
		t.Errorf("ParseSide(LAY) = %v, %v", s, err)
	}
	if _, err := ParseSide("YES"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ParseSide(YES) err = %v, want ErrInvalidInput", err)
	}
}

func TestValidateQuote(t *testing.T) {
	cases := []struct {
		name  string
		price decimal.Decimal
		stake decimal.Decimal
		ok    bool
	}{
		{"valid", d(2.50), d(100), true},
		{"min tick above one", d(1.01), d(0.01), true},
		{"price exactly one", d(1.00), d(100), false},
		{"price below one", d(0.99), d(100), false},
		{"zero stake", d(2.50), decimal.Zero, false},
		{"negative stake", d(2.50), d(-5), false},
		{"price three decimals", d(2.505), d(100), false},
		{"stake three decimals", d(2.50), d(10.005), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateQuote(tc.price, tc.stake)
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRoundMoney(t *testing.T) {
	// Round-half-up at the persistence boundary.
	if got := RoundMoney(d(1.005)); !got.Equal(d(1.01)) {
		t.Errorf("RoundMoney(1.005) = %s, want 1.01", got)
	}
	if got := RoundMoney(d(1.004)); !got.Equal(d(1.00)) {
		t.Errorf("RoundMoney(1.004) = %s, want 1.00", got)
	}
}
