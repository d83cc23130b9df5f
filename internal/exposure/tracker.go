// Package exposure enforces exposure limits over the per-(user, market)
// tracker. Wallet exposure is the global sum; the tracker partitions it by
// market so oversight and limits can act on concentrated positions.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a placement would push one
	// user's locked exposure in a single market beyond the per-market cap.
	ErrMarketLimitExceeded = errors.New("exposure: per-market limit exceeded")

	// ErrTotalLimitExceeded is returned when a placement would push the
	// user's wallet-wide exposure beyond the total cap.
	ErrTotalLimitExceeded = errors.New("exposure: total exposure limit exceeded")
)

// Limiter caps how much exposure a user may lock, per market and in total.
// A zero (or negative) cap disables that check.
type Limiter struct {
	// MaxPerMarket is the maximum locked exposure in any single market.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the maximum wallet-wide locked exposure.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter with the given per-market and total caps.
func NewLimiter(maxPerMarket, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// Check validates a prospective exposure lock.
//
// Parameters:
//   - delta: the exposure the new order would lock
//   - inMarket: the user's current locked exposure in the target market
//   - total: the user's current wallet-wide exposure
//
// Returns nil if the lock is within limits, or an error naming the violation.
func (l *Limiter) Check(delta, inMarket, total decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPerMarket.IsPositive() && inMarket.Add(delta).GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}
	if l.MaxTotal.IsPositive() && total.Add(delta).GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
