package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/engine"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// tradeBook seeds one fully matched trade: gina BACK @ price, hank LAY,
// both with placement-time locks intact.
func tradeBook(t *testing.T, price, stake float64) *book {
	t.Helper()
	b := newBook(t)
	b.addUser("gina", 1000)
	b.addUser("hank", 1000)
	b.rest("hank", model.SideLay, price, stake, time.Now().UTC())
	res := b.match(b.incoming("gina", model.SideBack, price, stake))
	if len(res.Trades) != 1 {
		t.Fatalf("setup: expected 1 trade, got %d", len(res.Trades))
	}
	return b
}

// settle closes the market and runs settlement in one transaction.
func (b *book) settle(winnerIDs []string) (*engine.Settlement, error) {
	b.t.Helper()
	var settlement *engine.Settlement
	err := b.ms.InTx(context.Background(), func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(context.Background(), b.marketID)
		if err != nil {
			return err
		}
		if market.Status == model.MarketOpen {
			if err := market.Transition(model.MarketClosed); err != nil {
				return err
			}
			if err := tx.UpdateMarketStatus(context.Background(), b.marketID, model.MarketClosed); err != nil {
				return err
			}
		}
		settlement, err = engine.Settle(context.Background(), tx, market, winnerIDs, time.Now().UTC())
		return err
	})
	return settlement, err
}

func (b *book) wallet(userID string) *model.Wallet {
	b.t.Helper()
	w, err := b.ms.GetWallet(context.Background(), userID)
	if err != nil {
		b.t.Fatalf("get wallet %s: %v", userID, err)
	}
	return w
}

// ledgerBalanceSum recomputes the wallet balance from balance-affecting
// ledger kinds plus the seeded opening balance.
func (b *book) ledgerBalanceSum(userID string, opening float64) decimal.Decimal {
	b.t.Helper()
	entries, err := b.ms.LedgerEntries(context.Background(), userID)
	if err != nil {
		b.t.Fatalf("ledger %s: %v", userID, err)
	}
	sum := d(opening)
	for _, e := range entries {
		if e.Kind.AffectsBalance() {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

func TestSettleBackWins(t *testing.T) {
	// Trade 100 @ 2.00; the backed selection wins. The backer collects
	// price*stake and frees the stake lock; the layer frees the liability
	// with no balance gain.
	b := tradeBook(t, 2.00, 100)

	settlement, err := b.settle([]string{b.selectionID})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	gina := b.wallet("gina")
	if !gina.Balance.Equal(d(1200)) {
		t.Errorf("gina balance = %s, want 1200", gina.Balance)
	}
	if !gina.Exposure.IsZero() {
		t.Errorf("gina exposure = %s, want 0", gina.Exposure)
	}

	hank := b.wallet("hank")
	if !hank.Balance.Equal(d(1000)) {
		t.Errorf("hank balance = %s, want unchanged 1000", hank.Balance)
	}
	if !hank.Exposure.IsZero() {
		t.Errorf("hank exposure = %s, want 0", hank.Exposure)
	}

	if len(settlement.Trades) != 1 {
		t.Fatalf("expected 1 settled trade, got %d", len(settlement.Trades))
	}
	ts := settlement.Trades[0]
	if ts.Back.Result != engine.ResultWon || ts.Lay.Result != engine.ResultLost {
		t.Errorf("results = %s/%s, want WON/LOST", ts.Back.Result, ts.Lay.Result)
	}

	market, _ := b.ms.GetMarket(context.Background(), b.marketID)
	if market.Status != model.MarketSettled {
		t.Errorf("market status = %s, want SETTLED", market.Status)
	}
}

func TestSettleLayWins(t *testing.T) {
	// The backed selection loses: the layer collects the stake, the
	// backer's stake lock is written off without credit.
	b := tradeBook(t, 2.00, 100)

	_, err := b.settle([]string{"sel-2"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	gina := b.wallet("gina")
	if !gina.Balance.Equal(d(1000)) {
		t.Errorf("gina balance = %s, want unchanged 1000", gina.Balance)
	}
	if !gina.Exposure.IsZero() {
		t.Errorf("gina exposure = %s, want 0", gina.Exposure)
	}

	hank := b.wallet("hank")
	if !hank.Balance.Equal(d(1100)) {
		t.Errorf("hank balance = %s, want 1100", hank.Balance)
	}
	if !hank.Exposure.IsZero() {
		t.Errorf("hank exposure = %s, want 0", hank.Exposure)
	}
}

func TestSettleRefundAll(t *testing.T) {
	// Abandoned market: each side gets its own committed funds back.
	b := tradeBook(t, 2.00, 100)

	settlement, err := b.settle(nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	gina := b.wallet("gina")
	if !gina.Balance.Equal(d(1100)) || !gina.Exposure.IsZero() {
		t.Errorf("gina = %s/%s, want 1100/0", gina.Balance, gina.Exposure)
	}
	hank := b.wallet("hank")
	if !hank.Balance.Equal(d(1100)) || !hank.Exposure.IsZero() {
		t.Errorf("hank = %s/%s, want 1100/0", hank.Balance, hank.Exposure)
	}
	ts := settlement.Trades[0]
	if ts.Back.Result != engine.ResultRefunded || ts.Lay.Result != engine.ResultRefunded {
		t.Errorf("results = %s/%s, want REFUNDED/REFUNDED", ts.Back.Result, ts.Lay.Result)
	}
}

func TestSettleLedgerAnchorsBalance(t *testing.T) {
	b := tradeBook(t, 2.50, 100)

	if _, err := b.settle([]string{b.selectionID}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	for _, u := range []string{"gina", "hank"} {
		w := b.wallet(u)
		if sum := b.ledgerBalanceSum(u, 1000); !sum.Equal(w.Balance) {
			t.Errorf("%s: ledger sum %s != balance %s", u, sum, w.Balance)
		}
	}
}

func TestSettleClosesRestingOrders(t *testing.T) {
	// An unmatched resting order is cancelled and its lock released.
	b := newBook(t)
	b.addUser("ivy", 1000)
	rest := b.rest("ivy", model.SideLay, 3.00, 50, time.Now().UTC())

	settlement, err := b.settle(nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if len(settlement.ClosedOrders) != 1 {
		t.Fatalf("expected 1 closed order, got %d", len(settlement.ClosedOrders))
	}
	o := b.order(rest.ID)
	if o.Status != model.OrderCancelled {
		t.Errorf("order status = %s, want CANCELLED", o.Status)
	}
	w := b.wallet("ivy")
	if !w.Exposure.IsZero() {
		t.Errorf("ivy exposure = %s, want 0", w.Exposure)
	}
	if !w.Balance.Equal(d(1000)) {
		t.Errorf("ivy balance = %s, want unchanged 1000", w.Balance)
	}
}

func TestSettleRequiresClosedMarket(t *testing.T) {
	b := newBook(t)
	err := b.ms.InTx(context.Background(), func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(context.Background(), b.marketID)
		if err != nil {
			return err
		}
		_, err = engine.Settle(context.Background(), tx, market, nil, time.Now().UTC())
		return err
	})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestSettleRejectsMultipleWinners(t *testing.T) {
	b := tradeBook(t, 2.00, 100)
	_, err := b.settle([]string{"sel-1", "sel-2"})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSettleRejectsUnknownWinner(t *testing.T) {
	b := tradeBook(t, 2.00, 100)
	_, err := b.settle([]string{"sel-bogus"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	// Rolled back: wallets untouched, trade still unsettled.
	if w := b.wallet("gina"); !w.Exposure.Equal(d(100)) {
		t.Errorf("gina exposure = %s, want 100 after rollback", w.Exposure)
	}
	trades, _ := b.ms.TradesByMarket(context.Background(), b.marketID)
	if trades[0].Settled {
		t.Error("trade should remain unsettled after rollback")
	}
}

func TestSettleRoundsFractionalLiability(t *testing.T) {
	// 33.35 @ 2.62: the lay liability 1.62*33.35 = 54.027 and the back
	// payout 2.62*33.35 = 87.377 carry more than two decimals. Wallet
	// movements must land on the 2-decimal tick the placement-time locks
	// use, so every lock releases to exactly zero.
	b := tradeBook(t, 2.62, 33.35)

	settlement, err := b.settle([]string{b.selectionID})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	gina := b.wallet("gina")
	if !gina.Balance.Equal(d(1087.38)) {
		t.Errorf("gina balance = %s, want 1087.38", gina.Balance)
	}
	if !gina.Exposure.IsZero() {
		t.Errorf("gina exposure = %s, want 0", gina.Exposure)
	}
	hank := b.wallet("hank")
	if !hank.Balance.Equal(d(1000)) || !hank.Exposure.IsZero() {
		t.Errorf("hank = %s/%s, want 1000/0", hank.Balance, hank.Exposure)
	}

	ts := settlement.Trades[0]
	if !ts.Back.Credit.Equal(d(87.38)) {
		t.Errorf("back credit = %s, want 87.38", ts.Back.Credit)
	}
	if !ts.Lay.Released.Equal(d(54.03)) {
		t.Errorf("lay released = %s, want 54.03", ts.Lay.Released)
	}
}

func TestSettlePartialFillReleasesBothPaths(t *testing.T) {
	// A partially matched back order: the matched 80 settles through its
	// trade, the resting 120 is closed out. All exposure ends at zero.
	b := newBook(t)
	b.addUser("eve", 1000)
	b.addUser("frank", 1000)
	b.rest("frank", model.SideLay, 3.00, 80, time.Now().UTC())
	b.match(b.incoming("eve", model.SideBack, 3.00, 200))

	if _, err := b.settle([]string{b.selectionID}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	eve := b.wallet("eve")
	// Matched 80 wins 3.00*80 = 240; both the 80 trade lock and the 120
	// resting lock are released.
	if !eve.Balance.Equal(d(1240)) {
		t.Errorf("eve balance = %s, want 1240", eve.Balance)
	}
	if !eve.Exposure.IsZero() {
		t.Errorf("eve exposure = %s, want 0", eve.Exposure)
	}
	frank := b.wallet("frank")
	if !frank.Balance.Equal(d(1000)) || !frank.Exposure.IsZero() {
		t.Errorf("frank = %s/%s, want 1000/0", frank.Balance, frank.Exposure)
	}
}
