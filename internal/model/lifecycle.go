package model

import "fmt"

// Market lifecycle: OPEN → SUSPENDED ↔ OPEN → CLOSED → SETTLED.
// SUSPENDED freezes placement but preserves the book; SETTLED is terminal.
var marketTransitions = map[MarketStatus][]MarketStatus{
	MarketOpen:      {MarketSuspended, MarketClosed},
	MarketSuspended: {MarketOpen, MarketClosed},
	MarketClosed:    {MarketSettled},
	MarketSettled:   {},
}

// CanTransition reports whether a market may move from its current status
// to the target.
func (m *Market) CanTransition(to MarketStatus) bool {
	for _, s := range marketTransitions[m.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the market to the target status or fails with
// ErrInvalidState.
func (m *Market) Transition(to MarketStatus) error {
	if !m.CanTransition(to) {
		return fmt.Errorf("%w: market %s cannot move %s -> %s", ErrInvalidState, m.ID, m.Status, to)
	}
	m.Status = to
	return nil
}

// Match lifecycle: UPCOMING → LIVE → COMPLETED, or either non-terminal
// state → CANCELLED.
var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchUpcoming:  {MatchLive, MatchCancelled},
	MatchLive:      {MatchCompleted, MatchCancelled},
	MatchCompleted: {},
	MatchCancelled: {},
}

// CanTransition reports whether a match may move from its current status
// to the target.
func (m *Match) CanTransition(to MatchStatus) bool {
	for _, s := range matchTransitions[m.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the match to the target status or fails with
// ErrInvalidState.
func (m *Match) Transition(to MatchStatus) error {
	if !m.CanTransition(to) {
		return fmt.Errorf("%w: match %s cannot move %s -> %s", ErrInvalidState, m.ID, m.Status, to)
	}
	m.Status = to
	return nil
}
