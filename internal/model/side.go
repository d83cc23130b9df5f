package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order. All side-dependent arithmetic
// (exposure formulas, price comparisons, book ordering) dispatches through
// this type, so a future side touches only this file.
type Side string

const (
	// SideBack profits if the selection wins; max loss is the stake.
	SideBack Side = "BACK"
	// SideLay profits if the selection does not win; max loss is the
	// liability (price-1)*stake.
	SideLay Side = "LAY"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBack || s == SideLay
}

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideBack {
		return SideLay
	}
	return SideBack
}

// RequiredExposure is the amount reserved against worst-case loss for a
// quote of the given price and stake: stake for BACK, (price-1)*stake for LAY.
func (s Side) RequiredExposure(price, stake decimal.Decimal) decimal.Decimal {
	if s == SideBack {
		return stake
	}
	return price.Sub(decimal.NewFromInt(1)).Mul(stake)
}

// Crosses reports whether a resting counterparty at restingPrice is
// acceptable to an incoming s-side order limited at limitPrice.
func (s Side) Crosses(restingPrice, limitPrice decimal.Decimal) bool {
	if s == SideBack {
		return restingPrice.LessThanOrEqual(limitPrice)
	}
	return restingPrice.GreaterThanOrEqual(limitPrice)
}

// BetterForIncoming reports whether resting price a beats b from the
// incoming s-side order's point of view: a backer prefers cheaper lays,
// a layer prefers dearer backs. Ties are broken by creation time elsewhere.
func (s Side) BetterForIncoming(a, b decimal.Decimal) bool {
	if s == SideBack {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

func (s Side) String() string { return string(s) }

// ParseSide converts wire input to a Side.
func ParseSide(v string) (Side, error) {
	side := Side(v)
	if !side.Valid() {
		return "", fmt.Errorf("%w: side must be BACK or LAY", ErrInvalidInput)
	}
	return side, nil
}

// MinPrice is the exclusive lower bound for odds; a price of exactly 1.00
// carries no counterparty risk and is rejected.
var MinPrice = decimal.NewFromInt(1)

// RoundMoney normalizes a monetary or odds value to the 2-decimal tick used
// at persistence boundaries, rounding half up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ValidateQuote checks price and stake for a new order: price > 1.00,
// stake > 0, both at no more than two fractional digits.
func ValidateQuote(price, stake decimal.Decimal) error {
	if price.LessThanOrEqual(MinPrice) {
		return fmt.Errorf("%w: price must be greater than 1.00", ErrInvalidInput)
	}
	if !stake.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidInput)
	}
	if price.Exponent() < -2 || stake.Exponent() < -2 {
		if !price.Equal(RoundMoney(price)) || !stake.Equal(RoundMoney(stake)) {
			return fmt.Errorf("%w: price and stake use at most 2 decimal places", ErrInvalidInput)
		}
	}
	return nil
}
