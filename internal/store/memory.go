package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes transactions, which makes InTx
// trivially atomic: state is snapshotted on entry and restored on error.
type MemoryStore struct {
	mu sync.RWMutex

	users   map[string]*model.User
	wallets map[string]*model.Wallet
	ledger  []model.LedgerEntry

	matches map[string]*model.Match
	markets map[string]*model.Market
	runners map[string]*model.Runner

	orders   map[string]*model.Order
	orderSeq map[string]int64
	nextSeq  int64

	trades   map[string]*model.Trade
	tradeIDs []string

	exposures map[string]*model.MarketExposure // key: userID|marketID
	refOdds   map[string]*model.ReferenceOdds  // key: marketID|selectionID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		wallets:   make(map[string]*model.Wallet),
		matches:   make(map[string]*model.Match),
		markets:   make(map[string]*model.Market),
		runners:   make(map[string]*model.Runner),
		orders:    make(map[string]*model.Order),
		orderSeq:  make(map[string]int64),
		trades:    make(map[string]*model.Trade),
		exposures: make(map[string]*model.MarketExposure),
		refOdds:   make(map[string]*model.ReferenceOdds),
	}
}

func expKey(userID, marketID string) string { return userID + "|" + marketID }

// snapshot deep-copies the mutable state for rollback.
type memSnapshot struct {
	users     map[string]*model.User
	wallets   map[string]*model.Wallet
	ledger    []model.LedgerEntry
	matches   map[string]*model.Match
	markets   map[string]*model.Market
	runners   map[string]*model.Runner
	orders    map[string]*model.Order
	orderSeq  map[string]int64
	nextSeq   int64
	trades    map[string]*model.Trade
	tradeIDs  []string
	exposures map[string]*model.MarketExposure
	refOdds   map[string]*model.ReferenceOdds
}

func copyMap[V any](src map[string]*V) map[string]*V {
	dst := make(map[string]*V, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

func (s *MemoryStore) snapshot() *memSnapshot {
	snap := &memSnapshot{
		users:     copyMap(s.users),
		wallets:   copyMap(s.wallets),
		ledger:    append([]model.LedgerEntry(nil), s.ledger...),
		matches:   copyMap(s.matches),
		markets:   copyMap(s.markets),
		runners:   copyMap(s.runners),
		orders:    copyMap(s.orders),
		orderSeq:  make(map[string]int64, len(s.orderSeq)),
		nextSeq:   s.nextSeq,
		trades:    copyMap(s.trades),
		tradeIDs:  append([]string(nil), s.tradeIDs...),
		exposures: copyMap(s.exposures),
		refOdds:   copyMap(s.refOdds),
	}
	for k, v := range s.orderSeq {
		snap.orderSeq[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap *memSnapshot) {
	s.users = snap.users
	s.wallets = snap.wallets
	s.ledger = snap.ledger
	s.matches = snap.matches
	s.markets = snap.markets
	s.runners = snap.runners
	s.orders = snap.orders
	s.orderSeq = snap.orderSeq
	s.nextSeq = snap.nextSeq
	s.trades = snap.trades
	s.tradeIDs = snap.tradeIDs
	s.exposures = snap.exposures
	s.refOdds = snap.refOdds
}

// InTx serializes the whole transaction under the store mutex; on error the
// pre-transaction state is restored, so partial effects are impossible.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memTx implements Tx directly against the store; the store mutex is
// already held by InTx.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) InsertUser(_ context.Context, u *model.User) error {
	for _, existing := range t.s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: user %s", model.ErrConflict, u.Email)
		}
	}
	cp := *u
	t.s.users[u.ID] = &cp
	return nil
}

func (t *memTx) InsertWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := t.s.wallets[w.UserID]; ok {
		return fmt.Errorf("%w: wallet %s", model.ErrConflict, w.UserID)
	}
	cp := *w
	t.s.wallets[w.UserID] = &cp
	return nil
}

func (t *memTx) GetWalletForUpdate(_ context.Context, userID string) (*model.Wallet, error) {
	w, ok := t.s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := t.s.wallets[w.UserID]; !ok {
		return fmt.Errorf("%w: wallet %s", model.ErrNotFound, w.UserID)
	}
	cp := *w
	t.s.wallets[w.UserID] = &cp
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.s.ledger = append(t.s.ledger, *e)
	return nil
}

func (t *memTx) InsertMatch(_ context.Context, m *model.Match) error {
	if m.ExternalID != nil {
		for _, existing := range t.s.matches {
			if existing.ExternalID != nil && *existing.ExternalID == *m.ExternalID {
				return fmt.Errorf("%w: match external id %s", model.ErrConflict, *m.ExternalID)
			}
		}
	}
	cp := *m
	t.s.matches[m.ID] = &cp
	return nil
}

func (t *memTx) GetMatchByExternalID(_ context.Context, externalID string) (*model.Match, error) {
	for _, m := range t.s.matches {
		if m.ExternalID != nil && *m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: match external id %s", model.ErrNotFound, externalID)
}

func (t *memTx) GetMatchForUpdate(_ context.Context, id string) (*model.Match, error) {
	m, ok := t.s.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: match %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) UpdateMatchStatus(_ context.Context, id string, status model.MatchStatus) error {
	m, ok := t.s.matches[id]
	if !ok {
		return fmt.Errorf("%w: match %s", model.ErrNotFound, id)
	}
	m.Status = status
	return nil
}

func (t *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	cp := *m
	t.s.markets[m.ID] = &cp
	return nil
}

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return t.GetMarketForUpdate(ctx, id)
}

func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	m, ok := t.s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	m.Status = status
	return nil
}

func (t *memTx) MarketsByMatch(_ context.Context, matchID string) ([]model.Market, error) {
	return t.s.marketsByMatchLocked(matchID), nil
}

func (t *memTx) InsertRunner(_ context.Context, r *model.Runner) error {
	cp := *r
	t.s.runners[r.ID] = &cp
	return nil
}

func (t *memTx) GetRunner(_ context.Context, marketID, selectionID string) (*model.Runner, error) {
	r, ok := t.s.runners[selectionID]
	if !ok || r.MarketID != marketID {
		return nil, fmt.Errorf("%w: runner %s in market %s", model.ErrNotFound, selectionID, marketID)
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) ListRunners(_ context.Context, marketID string) ([]model.Runner, error) {
	return t.s.listRunnersLocked(marketID), nil
}

func (t *memTx) SetRunnerResult(_ context.Context, runnerID string, isWinner *bool) error {
	r, ok := t.s.runners[runnerID]
	if !ok {
		return fmt.Errorf("%w: runner %s", model.ErrNotFound, runnerID)
	}
	r.IsWinner = isWinner
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	cp := *o
	t.s.orders[o.ID] = &cp
	t.s.nextSeq++
	t.s.orderSeq[o.ID] = t.s.nextSeq
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	existing, ok := t.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
	}
	existing.MatchedStake = o.MatchedStake
	existing.RemainingStake = o.RemainingStake
	existing.LockedExposure = o.LockedExposure
	existing.Status = o.Status
	return nil
}

// NextCandidate walks the book in price-time order. The store mutex already
// serializes matching runs, so no row claim is needed here; the FIFO
// tie-break uses the insertion sequence rather than wall-clock timestamps.
func (t *memTx) NextCandidate(_ context.Context, selectionID string, side model.Side, limitPrice decimal.Decimal, excludeUserID string) (*model.Order, error) {
	incoming := side.Opposite()

	var best *model.Order
	for _, o := range t.s.orders {
		if o.SelectionID != selectionID || o.Side != side || !o.Status.Active() {
			continue
		}
		if o.UserID == excludeUserID {
			continue
		}
		if !incoming.Crosses(o.Price, limitPrice) {
			continue
		}
		if best == nil {
			best = o
			continue
		}
		if incoming.BetterForIncoming(o.Price, best.Price) {
			best = o
		} else if o.Price.Equal(best.Price) && t.s.orderSeq[o.ID] < t.s.orderSeq[best.ID] {
			best = o
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: candidate", model.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (t *memTx) ActiveOrdersForUpdate(_ context.Context, marketID string) ([]model.Order, error) {
	var orders []model.Order
	for _, o := range t.s.orders {
		if o.MarketID == marketID && o.Status.Active() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return t.s.orderSeq[orders[i].ID] < t.s.orderSeq[orders[j].ID]
	})
	return orders, nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	cp := *tr
	t.s.trades[tr.ID] = &cp
	t.s.tradeIDs = append(t.s.tradeIDs, tr.ID)
	return nil
}

func (t *memTx) UnsettledTradesForUpdate(_ context.Context, marketID string) ([]model.Trade, error) {
	var trades []model.Trade
	for _, id := range t.s.tradeIDs {
		tr := t.s.trades[id]
		if tr.MarketID == marketID && !tr.Settled {
			trades = append(trades, *tr)
		}
	}
	return trades, nil
}

func (t *memTx) MarkTradeSettled(_ context.Context, tradeID string, at time.Time) error {
	tr, ok := t.s.trades[tradeID]
	if !ok {
		return fmt.Errorf("%w: trade %s", model.ErrNotFound, tradeID)
	}
	tr.Settled = true
	settledAt := at
	tr.SettledAt = &settledAt
	return nil
}

func (t *memTx) AddMarketExposure(_ context.Context, userID, marketID string, delta decimal.Decimal) error {
	key := expKey(userID, marketID)
	me, ok := t.s.exposures[key]
	if !ok {
		me = &model.MarketExposure{UserID: userID, MarketID: marketID, Exposure: decimal.Zero}
		t.s.exposures[key] = me
	}
	me.Exposure = me.Exposure.Add(delta)
	return nil
}

func (t *memTx) GetMarketExposure(_ context.Context, userID, marketID string) (decimal.Decimal, error) {
	if me, ok := t.s.exposures[expKey(userID, marketID)]; ok {
		return me.Exposure, nil
	}
	return decimal.Zero, nil
}

// --- Lockless snapshot reads ---

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, email)
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: match %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMatchesByStatus(_ context.Context, status model.MatchStatus) ([]model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []model.Match
	for _, m := range s.matches {
		if m.Status == status {
			matches = append(matches, *m)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].StartTime.Before(matches[j].StartTime) })
	return matches, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

func (s *MemoryStore) marketsByMatchLocked(matchID string) []model.Market {
	var markets []model.Market
	for _, m := range s.markets {
		if m.MatchID == matchID {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.Before(markets[j].CreatedAt) })
	return markets
}

func (s *MemoryStore) MarketsByMatch(_ context.Context, matchID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketsByMatchLocked(matchID), nil
}

func (s *MemoryStore) listRunnersLocked(marketID string) []model.Runner {
	var runners []model.Runner
	for _, r := range s.runners {
		if r.MarketID == marketID {
			runners = append(runners, *r)
		}
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].Name < runners[j].Name })
	return runners
}

func (s *MemoryStore) ListRunners(_ context.Context, marketID string) ([]model.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRunnersLocked(marketID), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return s.orderSeq[orders[i].ID] > s.orderSeq[orders[j].ID]
	})
	return orders, nil
}

func (s *MemoryStore) OrderBook(_ context.Context, marketID, selectionID string) (*model.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		total decimal.Decimal
		count int
	}
	backs := make(map[string]*agg)
	lays := make(map[string]*agg)

	for _, o := range s.orders {
		if o.MarketID != marketID || o.SelectionID != selectionID || !o.Status.Active() {
			continue
		}
		levels := backs
		if o.Side == model.SideLay {
			levels = lays
		}
		key := o.Price.String()
		a, ok := levels[key]
		if !ok {
			a = &agg{total: decimal.Zero}
			levels[key] = a
		}
		a.total = a.total.Add(o.RemainingStake)
		a.count++
	}

	toLevels := func(m map[string]*agg, desc bool) []model.PriceLevel {
		levels := make([]model.PriceLevel, 0, len(m))
		for key, a := range m {
			price, _ := decimal.NewFromString(key)
			levels = append(levels, model.PriceLevel{Price: price, TotalStake: a.total, OrderCount: a.count})
		}
		sort.Slice(levels, func(i, j int) bool {
			if desc {
				return levels[i].Price.GreaterThan(levels[j].Price)
			}
			return levels[i].Price.LessThan(levels[j].Price)
		})
		return levels
	}

	return &model.OrderBook{
		MarketID:    marketID,
		SelectionID: selectionID,
		Back:        toLevels(backs, true),
		Lay:         toLevels(lays, false),
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trades []model.Trade
	for _, id := range s.tradeIDs {
		tr := s.trades[id]
		if tr.MarketID == marketID {
			trades = append(trades, *tr)
		}
	}
	return trades, nil
}

func (s *MemoryStore) MarketExposures(_ context.Context, marketID string) ([]model.MarketExposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exposures []model.MarketExposure
	for _, me := range s.exposures {
		if me.MarketID == marketID {
			exposures = append(exposures, *me)
		}
	}
	sort.Slice(exposures, func(i, j int) bool {
		return exposures[i].Exposure.GreaterThan(exposures[j].Exposure)
	})
	return exposures, nil
}

func (s *MemoryStore) UpsertReferenceOdds(_ context.Context, odds *model.ReferenceOdds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *odds
	s.refOdds[odds.MarketID+"|"+odds.SelectionID] = &cp
	return nil
}

func (s *MemoryStore) ReferenceOddsByMarket(_ context.Context, marketID string) ([]model.ReferenceOdds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var odds []model.ReferenceOdds
	for _, o := range s.refOdds {
		if o.MarketID == marketID {
			odds = append(odds, *o)
		}
	}
	sort.Slice(odds, func(i, j int) bool { return odds[i].SelectionID < odds[j].SelectionID })
	return odds, nil
}
