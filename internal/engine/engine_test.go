package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/engine"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// book is a seeded match/market/selection with funded users, driven
// directly through store transactions.
type book struct {
	t  *testing.T
	ms *store.MemoryStore

	marketID    string
	selectionID string
}

func newBook(t *testing.T) *book {
	t.Helper()
	ms := store.NewMemoryStore()
	b := &book{t: t, ms: ms, marketID: "mkt-1", selectionID: "sel-1"}

	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		match := &model.Match{
			ID: "match-1", HomeTeam: "Home", AwayTeam: "Away",
			StartTime: time.Now().UTC(), Status: model.MatchUpcoming,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertMatch(context.Background(), match); err != nil {
			return err
		}
		market := &model.Market{
			ID: b.marketID, MatchID: match.ID, Name: "Match Odds",
			Status: model.MarketOpen, CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertMarket(context.Background(), market); err != nil {
			return err
		}
		for _, id := range []string{"sel-1", "sel-2"} {
			r := &model.Runner{ID: id, MarketID: b.marketID, Name: "Runner " + id}
			if err := tx.InsertRunner(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return b
}

func (b *book) addUser(id string, balance float64) {
	b.t.Helper()
	err := b.ms.InTx(context.Background(), func(tx store.Tx) error {
		u := &model.User{ID: id, Email: id + "@test", Role: model.RoleUser, CreatedAt: time.Now().UTC()}
		if err := tx.InsertUser(context.Background(), u); err != nil {
			return err
		}
		return tx.InsertWallet(context.Background(), &model.Wallet{
			UserID: id, Balance: d(balance), Exposure: decimal.Zero,
		})
	})
	if err != nil {
		b.t.Fatalf("seed user %s: %v", id, err)
	}
}

// rest places a resting order with its exposure already locked, the way
// the placement path leaves it before matching.
func (b *book) rest(userID string, side model.Side, price, stake float64, at time.Time) *model.Order {
	b.t.Helper()
	o := &model.Order{
		ID:             "ord-" + userID + "-" + at.Format("150405.000"),
		UserID:         userID,
		MarketID:       b.marketID,
		SelectionID:    b.selectionID,
		Side:           side,
		Price:          d(price),
		Stake:          d(stake),
		MatchedStake:   decimal.Zero,
		RemainingStake: d(stake),
		LockedExposure: model.RoundMoney(side.RequiredExposure(d(price), d(stake))),
		Status:         model.OrderOpen,
		CreatedAt:      at,
	}
	err := b.ms.InTx(context.Background(), func(tx store.Tx) error {
		w, err := tx.GetWalletForUpdate(context.Background(), userID)
		if err != nil {
			return err
		}
		w.Exposure = w.Exposure.Add(o.LockedExposure)
		if err := tx.UpdateWallet(context.Background(), w); err != nil {
			return err
		}
		if err := tx.AddMarketExposure(context.Background(), userID, b.marketID, o.LockedExposure); err != nil {
			return err
		}
		return tx.InsertOrder(context.Background(), o)
	})
	if err != nil {
		b.t.Fatalf("seed order: %v", err)
	}
	return o
}

// match runs the engine for an incoming order inside one transaction.
func (b *book) match(incoming *model.Order) *engine.MatchResult {
	b.t.Helper()
	var res *engine.MatchResult
	err := b.ms.InTx(context.Background(), func(tx store.Tx) error {
		w, err := tx.GetWalletForUpdate(context.Background(), incoming.UserID)
		if err != nil {
			return err
		}
		w.Exposure = w.Exposure.Add(incoming.LockedExposure)
		if err := tx.UpdateWallet(context.Background(), w); err != nil {
			return err
		}
		if err := tx.InsertOrder(context.Background(), incoming); err != nil {
			return err
		}
		res, err = engine.Match(context.Background(), tx, incoming, time.Now().UTC())
		return err
	})
	if err != nil {
		b.t.Fatalf("match: %v", err)
	}
	return res
}

func (b *book) incoming(userID string, side model.Side, price, stake float64) *model.Order {
	return &model.Order{
		ID:             "inc-" + userID,
		UserID:         userID,
		MarketID:       b.marketID,
		SelectionID:    b.selectionID,
		Side:           side,
		Price:          d(price),
		Stake:          d(stake),
		MatchedStake:   decimal.Zero,
		RemainingStake: d(stake),
		LockedExposure: model.RoundMoney(side.RequiredExposure(d(price), d(stake))),
		Status:         model.OrderOpen,
		CreatedAt:      time.Now().UTC(),
	}
}

func (b *book) order(id string) *model.Order {
	b.t.Helper()
	o, err := b.ms.GetOrder(context.Background(), id)
	if err != nil {
		b.t.Fatalf("get order %s: %v", id, err)
	}
	return o
}

func TestMatchEmptyBook(t *testing.T) {
	b := newBook(t)
	b.addUser("alice", 1000)

	res := b.match(b.incoming("alice", model.SideBack, 2.50, 100))

	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if !res.RemainingStake.Equal(d(100)) {
		t.Errorf("remaining = %s, want 100", res.RemainingStake)
	}
	if got := b.order("inc-alice").Status; got != model.OrderOpen {
		t.Errorf("status = %s, want OPEN", got)
	}
}

func TestMatchExactFill(t *testing.T) {
	b := newBook(t)
	b.addUser("alice", 1000)
	b.addUser("bob", 1000)
	b.rest("bob", model.SideLay, 2.50, 100, time.Now().UTC())

	res := b.match(b.incoming("alice", model.SideBack, 2.50, 100))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(d(2.50)) || !tr.Stake.Equal(d(100)) {
		t.Errorf("trade = %s @ %s, want 100 @ 2.50", tr.Stake, tr.Price)
	}
	if tr.BackUserID != "alice" || tr.LayUserID != "bob" {
		t.Errorf("trade sides = back %s / lay %s", tr.BackUserID, tr.LayUserID)
	}
	if got := b.order("inc-alice").Status; got != model.OrderMatched {
		t.Errorf("incoming status = %s, want MATCHED", got)
	}
}

func TestMatchPriceImprovement(t *testing.T) {
	// The trade prints at the resting price, not the incoming limit.
	b := newBook(t)
	b.addUser("carol", 1000)
	b.addUser("dan", 1000)
	b.rest("carol", model.SideLay, 2.40, 50, time.Now().UTC())

	res := b.match(b.incoming("dan", model.SideBack, 2.50, 50))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d(2.40)) {
		t.Errorf("trade price = %s, want resting 2.40", res.Trades[0].Price)
	}
}

func TestMatchPriceTimePriority(t *testing.T) {
	// Incoming BACK sweeps lays cheapest-first; equal prices FIFO.
	b := newBook(t)
	for _, u := range []string{"taker", "l1", "l2", "l3"} {
		b.addUser(u, 10000)
	}
	t0 := time.Now().UTC()
	b.rest("l1", model.SideLay, 2.40, 50, t0)
	old := b.rest("l2", model.SideLay, 2.30, 50, t0.Add(1*time.Second))
	newer := b.rest("l3", model.SideLay, 2.30, 50, t0.Add(2*time.Second))

	res := b.match(b.incoming("taker", model.SideBack, 2.50, 120))

	if len(res.Trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].LayOrderID != old.ID {
		t.Errorf("first fill should be oldest 2.30 lay, got %s", res.Trades[0].LayOrderID)
	}
	if res.Trades[1].LayOrderID != newer.ID {
		t.Errorf("second fill should be newer 2.30 lay, got %s", res.Trades[1].LayOrderID)
	}
	if !res.Trades[2].Price.Equal(d(2.40)) || !res.Trades[2].Stake.Equal(d(20)) {
		t.Errorf("third fill = %s @ %s, want 20 @ 2.40", res.Trades[2].Stake, res.Trades[2].Price)
	}
}

func TestMatchIncomingLayTakesDearestBack(t *testing.T) {
	b := newBook(t)
	for _, u := range []string{"taker", "b1", "b2"} {
		b.addUser(u, 10000)
	}
	t0 := time.Now().UTC()
	b.rest("b1", model.SideBack, 2.60, 50, t0)
	dear := b.rest("b2", model.SideBack, 2.80, 50, t0.Add(time.Second))

	res := b.match(b.incoming("taker", model.SideLay, 2.50, 50))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].BackOrderID != dear.ID {
		t.Errorf("should take dearest back first, got %s", res.Trades[0].BackOrderID)
	}
	if !res.Trades[0].Price.Equal(d(2.80)) {
		t.Errorf("trade price = %s, want 2.80", res.Trades[0].Price)
	}
}

func TestMatchNoCross(t *testing.T) {
	b := newBook(t)
	b.addUser("alice", 1000)
	b.addUser("bob", 1000)
	b.rest("bob", model.SideLay, 2.60, 100, time.Now().UTC())

	res := b.match(b.incoming("alice", model.SideBack, 2.50, 100))

	if len(res.Trades) != 0 {
		t.Fatalf("lay above limit must not match, got %d trades", len(res.Trades))
	}
}

func TestMatchSkipsOwnOrders(t *testing.T) {
	b := newBook(t)
	b.addUser("alice", 1000)
	b.rest("alice", model.SideLay, 2.50, 100, time.Now().UTC())

	res := b.match(b.incoming("alice", model.SideBack, 2.50, 100))

	if len(res.Trades) != 0 {
		t.Fatalf("self-match must be skipped, got %d trades", len(res.Trades))
	}
}

func TestMatchPartialFill(t *testing.T) {
	b := newBook(t)
	b.addUser("eve", 1000)
	b.addUser("frank", 1000)
	rest := b.rest("frank", model.SideLay, 3.00, 80, time.Now().UTC())

	res := b.match(b.incoming("eve", model.SideBack, 3.00, 200))

	if !res.MatchedStake.Equal(d(80)) || !res.RemainingStake.Equal(d(120)) {
		t.Errorf("fill = %s/%s, want 80 matched 120 remaining", res.MatchedStake, res.RemainingStake)
	}
	if got := b.order("inc-eve").Status; got != model.OrderPartial {
		t.Errorf("incoming status = %s, want PARTIAL", got)
	}
	if got := b.order(rest.ID).Status; got != model.OrderMatched {
		t.Errorf("resting status = %s, want MATCHED", got)
	}
	// Matching never touches exposure; both locks stand until settlement.
	w, _ := b.ms.GetWallet(context.Background(), "eve")
	if !w.Exposure.Equal(d(200)) {
		t.Errorf("eve exposure = %s, want full lock 200", w.Exposure)
	}
	w, _ = b.ms.GetWallet(context.Background(), "frank")
	if !w.Exposure.Equal(d(160)) {
		t.Errorf("frank exposure = %s, want full lock 160", w.Exposure)
	}
}

func TestMatchFillInvariants(t *testing.T) {
	b := newBook(t)
	b.addUser("alice", 1000)
	b.addUser("bob", 1000)
	b.rest("bob", model.SideLay, 2.00, 60, time.Now().UTC())

	b.match(b.incoming("alice", model.SideBack, 2.00, 100))

	for _, id := range []string{"inc-alice"} {
		o := b.order(id)
		if !o.MatchedStake.Add(o.RemainingStake).Equal(o.Stake) {
			t.Errorf("order %s: matched %s + remaining %s != stake %s",
				id, o.MatchedStake, o.RemainingStake, o.Stake)
		}
	}
	trades, _ := b.ms.TradesByMarket(context.Background(), b.marketID)
	sum := decimal.Zero
	for _, tr := range trades {
		sum = sum.Add(tr.Stake)
	}
	if !sum.Equal(b.order("inc-alice").MatchedStake) {
		t.Errorf("trade stakes %s != matched stake %s", sum, b.order("inc-alice").MatchedStake)
	}
}
