package model

import (
	"errors"
	"testing"
)

func TestMarketTransitions(t *testing.T) {
	cases := []struct {
		from MarketStatus
		to   MarketStatus
		ok   bool
	}{
		{MarketOpen, MarketSuspended, true},
		{MarketSuspended, MarketOpen, true},
		{MarketOpen, MarketClosed, true},
		{MarketSuspended, MarketClosed, true},
		{MarketClosed, MarketSettled, true},
		{MarketOpen, MarketSettled, false},
		{MarketClosed, MarketOpen, false},
		{MarketSettled, MarketClosed, false},
		{MarketSettled, MarketOpen, false},
	}
	for _, tc := range cases {
		m := &Market{ID: "m1", Status: tc.from}
		err := m.Transition(tc.to)
		if tc.ok {
			if err != nil {
				t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
			}
			if m.Status != tc.to {
				t.Errorf("%s -> %s: status not updated", tc.from, tc.to)
			}
		} else {
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s -> %s: err = %v, want ErrInvalidState", tc.from, tc.to, err)
			}
			if m.Status != tc.from {
				t.Errorf("%s -> %s: status changed on failed transition", tc.from, tc.to)
			}
		}
	}
}

func TestMatchTransitions(t *testing.T) {
	cases := []struct {
		from MatchStatus
		to   MatchStatus
		ok   bool
	}{
		{MatchUpcoming, MatchLive, true},
		{MatchLive, MatchCompleted, true},
		{MatchUpcoming, MatchCancelled, true},
		{MatchLive, MatchCancelled, true},
		{MatchUpcoming, MatchCompleted, false},
		{MatchCompleted, MatchLive, false},
		{MatchCompleted, MatchCancelled, false},
		{MatchCancelled, MatchLive, false},
	}
	for _, tc := range cases {
		m := &Match{ID: "x1", Status: tc.from}
		err := m.Transition(tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s -> %s: err = %v, want ErrInvalidState", tc.from, tc.to, err)
		}
	}
}

func TestOrderFillStatus(t *testing.T) {
	o := &Order{Stake: d(200), MatchedStake: d(0), RemainingStake: d(200), Status: OrderOpen}
	if got := o.FillStatus(); got != OrderOpen {
		t.Errorf("untouched order status = %s, want OPEN", got)
	}
	o.MatchedStake, o.RemainingStake = d(80), d(120)
	if got := o.FillStatus(); got != OrderPartial {
		t.Errorf("partial order status = %s, want PARTIAL", got)
	}
	o.MatchedStake, o.RemainingStake = d(200), d(0)
	if got := o.FillStatus(); got != OrderMatched {
		t.Errorf("filled order status = %s, want MATCHED", got)
	}
}

func TestLedgerKindAffectsBalance(t *testing.T) {
	affecting := []LedgerKind{LedgerCredit, LedgerDebit, LedgerTransferIn, LedgerTransferOut, LedgerOrderSettle, LedgerBetSettle, LedgerBetRefund}
	neutral := []LedgerKind{LedgerExposureLock, LedgerExposureRelease, LedgerOrderPlace, LedgerOrderCancel, LedgerBetPlace}
	for _, k := range affecting {
		if !k.AffectsBalance() {
			t.Errorf("%s should affect balance", k)
		}
	}
	for _, k := range neutral {
		if k.AffectsBalance() {
			t.Errorf("%s should not affect balance", k)
		}
	}
}
