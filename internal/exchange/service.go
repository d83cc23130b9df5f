// Package exchange implements the order lifecycle controller and the
// HTTP/JSON boundary of the exchange core: placement, cancellation, market
// and match administration, settlement, and wallet funding. Every public
// operation is exactly one store transaction; events are published only
// after the transaction commits.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/engine"
	"github.com/betmesh/exchange-core/internal/exposure"
	"github.com/betmesh/exchange-core/internal/metrics"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// Transaction budgets. On timeout the transaction aborts with no partial
// effect and the caller may retry.
const (
	placeTimeout  = 15 * time.Second
	settleTimeout = 30 * time.Second
)

// Service coordinates the matching engine, the ledger path, and the state
// machines over a single Store. Parallelism comes from the request surface;
// the store's row locks carry the concurrency model.
type Service struct {
	store   store.Store
	limiter *exposure.Limiter
	pub     Publisher
}

// NewService creates the order lifecycle controller. limiter may be nil for
// uncapped exposure; pub may be NopPublisher for headless use.
func NewService(st store.Store, limiter *exposure.Limiter, pub Publisher) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{store: st, limiter: limiter, pub: pub}
}

// Store exposes the underlying store for read-only query surfaces.
func (s *Service) Store() store.Store { return s.store }

// --- Users & wallets ---

// CreateUser registers a user and their wallet in one transaction.
func (s *Service) CreateUser(ctx context.Context, email string, role model.Role, parentID *string) (*model.User, error) {
	switch role {
	case model.RoleSuperAdmin, model.RoleAdmin, model.RoleAgent, model.RoleUser:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, role)
	}
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Role:      role,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertWallet(ctx, &model.Wallet{
			UserID:   user.ID,
			Balance:  decimal.Zero,
			Exposure: decimal.Zero,
		})
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Credit adds funds to a wallet with a CREDIT ledger entry.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, notes string) (*model.Wallet, error) {
	return s.adjustBalance(ctx, userID, amount, model.LedgerCredit, notes)
}

// Debit removes funds from a wallet with a DEBIT ledger entry; the amount
// must not exceed the available balance.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, notes string) (*model.Wallet, error) {
	return s.adjustBalance(ctx, userID, amount.Neg(), model.LedgerDebit, notes)
}

func (s *Service) adjustBalance(ctx context.Context, userID string, amount decimal.Decimal, kind model.LedgerKind, notes string) (*model.Wallet, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be non-zero", model.ErrInvalidInput)
	}
	amount = model.RoundMoney(amount)

	var wallet *model.Wallet
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if amount.IsNegative() && w.Available().LessThan(amount.Abs()) {
			return fmt.Errorf("%w: available %s, debit %s", model.ErrInsufficientFunds, w.Available(), amount.Abs())
		}
		w.Balance = w.Balance.Add(amount)
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      userID,
			Amount:      amount,
			Kind:        kind,
			PostBalance: w.Balance,
			Notes:       notes,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pub.Publish(balanceEvent(*wallet, string(kind), amount))
	return wallet, nil
}

// --- Matches & markets ---

// CreateMatch registers a sporting contest. A duplicate external id is not
// an error: the existing match is returned with existing=true.
func (s *Service) CreateMatch(ctx context.Context, sportKey, home, away string, startTime time.Time, externalID *string) (match *model.Match, existing bool, err error) {
	match = &model.Match{
		ID:         uuid.New().String(),
		SportKey:   sportKey,
		HomeTeam:   home,
		AwayTeam:   away,
		StartTime:  startTime,
		ExternalID: externalID,
		Status:     model.MatchUpcoming,
		CreatedAt:  time.Now().UTC(),
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		insertErr := tx.InsertMatch(ctx, match)
		if errors.Is(insertErr, model.ErrConflict) && externalID != nil {
			found, lookupErr := tx.GetMatchByExternalID(ctx, *externalID)
			if lookupErr != nil {
				return insertErr
			}
			match, existing = found, true
			return nil
		}
		return insertErr
	})
	if err != nil {
		return nil, false, err
	}
	return match, existing, nil
}

// CreateMarket opens a market with its runners. At least two selections are
// required; display prices come from the reference feed later.
func (s *Service) CreateMarket(ctx context.Context, matchID, name string, runnerNames []string) (*model.Market, []model.Runner, error) {
	if len(runnerNames) < 2 {
		return nil, nil, fmt.Errorf("%w: a market needs at least 2 runners", model.ErrInvalidInput)
	}
	now := time.Now().UTC()
	market := &model.Market{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		Name:      name,
		Status:    model.MarketOpen,
		CreatedAt: now,
	}
	runners := make([]model.Runner, 0, len(runnerNames))
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		match, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if match.Status == model.MatchCompleted || match.Status == model.MatchCancelled {
			return fmt.Errorf("%w: match %s is %s", model.ErrInvalidState, matchID, match.Status)
		}
		if err := tx.InsertMarket(ctx, market); err != nil {
			return err
		}
		for _, name := range runnerNames {
			r := model.Runner{
				ID:        uuid.New().String(),
				MarketID:  market.ID,
				Name:      name,
				BackPrice: decimal.Zero,
				LayPrice:  decimal.Zero,
			}
			if err := tx.InsertRunner(ctx, &r); err != nil {
				return err
			}
			runners = append(runners, r)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.OpenMarkets.Inc()
	s.pub.Publish(Event{Type: EventMarketUpdate, Payload: MarketUpdate{MarketID: market.ID, Status: market.Status}})
	return market, runners, nil
}

// TransitionMarket moves a market through its lifecycle; illegal moves fail
// with invalid state and no effect.
func (s *Service) TransitionMarket(ctx context.Context, marketID string, to model.MarketStatus) (*model.Market, error) {
	var market *model.Market
	var from model.MarketStatus
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		from = m.Status
		if err := m.Transition(to); err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, to); err != nil {
			return err
		}
		market = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from == model.MarketOpen && to != model.MarketOpen {
		metrics.OpenMarkets.Dec()
	} else if from != model.MarketOpen && to == model.MarketOpen {
		metrics.OpenMarkets.Inc()
	}
	s.pub.Publish(Event{Type: EventMarketUpdate, Payload: MarketUpdate{MarketID: marketID, Status: to}})
	return market, nil
}

// TransitionMatch moves a match through its lifecycle. Cancelling a match
// refund-settles every market still holding funds, in the same transaction.
func (s *Service) TransitionMatch(ctx context.Context, matchID string, to model.MatchStatus) (*model.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	var match *model.Match
	var settlements []*engine.Settlement
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if err := m.Transition(to); err != nil {
			return err
		}
		if err := tx.UpdateMatchStatus(ctx, matchID, to); err != nil {
			return err
		}
		match = m

		if to != model.MatchCancelled {
			return nil
		}
		markets, err := tx.MarketsByMatch(ctx, matchID)
		if err != nil {
			return err
		}
		for i := range markets {
			market := &markets[i]
			if market.Status == model.MarketSettled {
				continue
			}
			if market.Status != model.MarketClosed {
				if err := market.Transition(model.MarketClosed); err != nil {
					return err
				}
				if err := tx.UpdateMarketStatus(ctx, market.ID, model.MarketClosed); err != nil {
					return err
				}
			}
			settlement, err := engine.Settle(ctx, tx, market, nil, time.Now().UTC())
			if err != nil {
				return err
			}
			settlements = append(settlements, settlement)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(Event{Type: EventMatchUpdate, Payload: MatchUpdate{MatchID: matchID, Status: to}})
	for _, settlement := range settlements {
		s.publishSettlement(settlement)
	}
	return match, nil
}

// --- Orders ---

// PlaceOrderRequest is the input to PlaceOrder.
type PlaceOrderRequest struct {
	UserID      string          `json:"user_id"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Side        model.Side      `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Stake       decimal.Decimal `json:"stake"`
}

// PlaceOrderResult is the committed outcome of a placement.
type PlaceOrderResult struct {
	Order          model.Order       `json:"order"`
	Trades         []model.Trade     `json:"trades"`
	MatchedStake   decimal.Decimal   `json:"matched_stake"`
	RemainingStake decimal.Decimal   `json:"remaining_stake"`
	Status         model.OrderStatus `json:"status"`
	Balance        decimal.Decimal   `json:"balance"`
	Exposure       decimal.Decimal   `json:"exposure"`
	Available      decimal.Decimal   `json:"available_balance"`
}

// PlaceOrder validates a quote, reserves exposure, persists the order, and
// runs the matching engine — all in one transaction. The insufficient-funds
// and market-state checks abort with no state change.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	start := time.Now()
	if !req.Side.Valid() {
		metrics.OrdersRejected.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("%w: side must be BACK or LAY", model.ErrInvalidInput)
	}
	if err := model.ValidateQuote(req.Price, req.Stake); err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	price := model.RoundMoney(req.Price)
	stake := model.RoundMoney(req.Stake)
	required := model.RoundMoney(req.Side.RequiredExposure(price, stake))
	now := time.Now().UTC()

	var result *PlaceOrderResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if market.Status != model.MarketOpen {
			return fmt.Errorf("%w: market %s is %s, not OPEN", model.ErrInvalidState, market.ID, market.Status)
		}
		if _, err := tx.GetRunner(ctx, req.MarketID, req.SelectionID); err != nil {
			return err
		}

		wallet, err := tx.GetWalletForUpdate(ctx, req.UserID)
		if err != nil {
			return err
		}
		if wallet.Available().LessThan(required) {
			return fmt.Errorf("%w: available %s, required exposure %s", model.ErrInsufficientFunds, wallet.Available(), required)
		}
		inMarket, err := tx.GetMarketExposure(ctx, req.UserID, req.MarketID)
		if err != nil {
			return err
		}
		if err := s.limiter.Check(required, inMarket, wallet.Exposure); err != nil {
			return err
		}

		wallet.Exposure = wallet.Exposure.Add(required)
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return err
		}
		if err := tx.AddMarketExposure(ctx, req.UserID, req.MarketID, required); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      req.UserID,
			Amount:      required.Neg(),
			Kind:        model.LedgerExposureLock,
			PostBalance: wallet.Balance,
			Notes:       fmt.Sprintf("%s %s @ %s on %s", req.Side, stake, price, req.SelectionID),
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		order := &model.Order{
			ID:             uuid.New().String(),
			UserID:         req.UserID,
			MarketID:       req.MarketID,
			SelectionID:    req.SelectionID,
			Side:           req.Side,
			Price:          price,
			Stake:          stake,
			MatchedStake:   decimal.Zero,
			RemainingStake: stake,
			LockedExposure: required,
			Status:         model.OrderOpen,
			CreatedAt:      now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		fill, err := engine.Match(ctx, tx, order, now)
		if err != nil {
			return err
		}

		result = &PlaceOrderResult{
			Order:          *order,
			Trades:         fill.Trades,
			MatchedStake:   fill.MatchedStake,
			RemainingStake: fill.RemainingStake,
			Status:         order.Status,
			Balance:        wallet.Balance,
			Exposure:       wallet.Exposure,
			Available:      wallet.Available(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Side), string(result.Status)).Inc()
	metrics.TradesMatched.Add(float64(len(result.Trades)))
	metrics.MatchLatency.Observe(time.Since(start).Seconds())

	slog.Info("order placed",
		"order_id", result.Order.ID,
		"user", req.UserID,
		"side", req.Side,
		"price", price.String(),
		"stake", stake.String(),
		"matched", result.MatchedStake.String(),
		"status", result.Status,
	)

	s.pub.Publish(Event{Type: EventBetPlaced, Payload: BetPlaced{Order: result.Order, Trades: result.Trades}})
	s.pub.Publish(balanceEvent(model.Wallet{
		UserID: req.UserID, Balance: result.Balance, Exposure: result.Exposure,
	}, string(model.LedgerExposureLock), required.Neg()))
	s.pub.Publish(Event{Type: EventBookUpdate, Payload: BookUpdate{MarketID: req.MarketID, SelectionID: req.SelectionID}})
	return result, nil
}

// CancelOrderResult is the committed outcome of a cancellation.
type CancelOrderResult struct {
	OrderID          string          `json:"order_id"`
	ReleasedExposure decimal.Decimal `json:"released_exposure"`
	NewExposure      decimal.Decimal `json:"new_exposure"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

// CancelOrder cancels the caller's OPEN or PARTIAL order and releases the
// exposure still backing its unmatched remainder. The matched portion stays
// bound by its trades, which settle normally.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*CancelOrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	now := time.Now().UTC()
	var result *CancelOrderResult
	var order *model.Order
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", model.ErrPermissionDenied, orderID)
		}
		if !o.Status.Active() {
			return fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, o.Status)
		}

		releasable := o.Side.RequiredExposure(o.Price, o.RemainingStake)
		releasable = decimal.Min(model.RoundMoney(releasable), o.LockedExposure)

		o.Status = model.OrderCancelled
		o.LockedExposure = o.LockedExposure.Sub(releasable)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		wallet, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		wallet.Exposure = wallet.Exposure.Sub(releasable)
		if wallet.Exposure.IsNegative() {
			wallet.Exposure = decimal.Zero
		}
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return err
		}
		if err := tx.AddMarketExposure(ctx, userID, o.MarketID, releasable.Neg()); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID:          uuid.New().String(),
			UserID:      userID,
			Amount:      releasable,
			Kind:        model.LedgerExposureRelease,
			PostBalance: wallet.Balance,
			Notes:       "order " + orderID + " cancelled",
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		order = o
		result = &CancelOrderResult{
			OrderID:          orderID,
			ReleasedExposure: releasable,
			NewExposure:      wallet.Exposure,
			AvailableBalance: wallet.Available(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "order_id", orderID, "user", userID, "released", result.ReleasedExposure.String())

	s.pub.Publish(balanceEvent(model.Wallet{
		UserID: userID, Balance: result.AvailableBalance.Add(result.NewExposure), Exposure: result.NewExposure,
	}, string(model.LedgerExposureRelease), result.ReleasedExposure))
	s.pub.Publish(Event{Type: EventBookUpdate, Payload: BookUpdate{MarketID: order.MarketID, SelectionID: order.SelectionID}})
	return result, nil
}

// --- Settlement ---

// SettleMarket force-closes an OPEN/SUSPENDED market if needed and settles
// it against the given winners: an empty list refunds every trade, a single
// id pays the winning selection. Already-settled markets are rejected.
func (s *Service) SettleMarket(ctx context.Context, marketID string, winnerIDs []string) (*engine.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	start := time.Now()
	var settlement *engine.Settlement
	var wasOpen bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status == model.MarketSettled {
			return fmt.Errorf("%w: market %s already settled", model.ErrInvalidState, marketID)
		}
		wasOpen = market.Status == model.MarketOpen
		if market.Status != model.MarketClosed {
			if err := market.Transition(model.MarketClosed); err != nil {
				return err
			}
			if err := tx.UpdateMarketStatus(ctx, marketID, model.MarketClosed); err != nil {
				return err
			}
		}
		settlement, err = engine.Settle(ctx, tx, market, winnerIDs, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	if wasOpen {
		metrics.OpenMarkets.Dec()
	}
	metrics.MarketsSettled.Inc()
	metrics.SettleLatency.Observe(time.Since(start).Seconds())
	slog.Info("market settled",
		"market_id", marketID,
		"trades", len(settlement.Trades),
		"closed_orders", len(settlement.ClosedOrders),
		"winners", winnerIDs,
	)
	s.publishSettlement(settlement)
	return settlement, nil
}

func (s *Service) publishSettlement(settlement *engine.Settlement) {
	s.pub.Publish(Event{Type: EventMarketUpdate, Payload: MarketUpdate{
		MarketID: settlement.MarketID, Status: model.MarketSettled,
	}})
	for _, ts := range settlement.Trades {
		for _, side := range []engine.SideSettlement{ts.Back, ts.Lay} {
			s.pub.Publish(Event{Type: EventBetSettled, Payload: BetSettled{
				UserID:  side.UserID,
				TradeID: ts.Trade.ID,
				Result:  side.Result,
				Amount:  side.Credit,
			}})
		}
	}
	for _, wallet := range settlement.Wallets {
		s.pub.Publish(balanceEvent(wallet, string(model.LedgerOrderSettle), decimal.Zero))
	}
}
