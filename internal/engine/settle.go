package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// Bet results carried on settlement events.
const (
	ResultWon      = "WON"
	ResultLost     = "LOST"
	ResultRefunded = "REFUNDED"
)

// SideSettlement is one side's share of a settled trade.
type SideSettlement struct {
	UserID   string          `json:"user_id"`
	Result   string          `json:"result"`
	Credit   decimal.Decimal `json:"credit"`
	Released decimal.Decimal `json:"released"`
}

// TradeSettlement pairs a settled trade with both sides' fund movements.
type TradeSettlement struct {
	Trade model.Trade    `json:"trade"`
	Back  SideSettlement `json:"back"`
	Lay   SideSettlement `json:"lay"`
}

// Settlement summarizes one market's settlement for event publication.
type Settlement struct {
	MarketID     string                  `json:"market_id"`
	Trades       []TradeSettlement       `json:"trades"`
	ClosedOrders []model.Order           `json:"closed_orders"`
	Wallets      map[string]model.Wallet `json:"wallets"`
}

// Settle resolves a CLOSED market: records the winner on each runner,
// translates every unsettled trade into balance credits and exposure
// releases, cancels remaining resting orders, and advances the market to
// SETTLED. Runs inside the caller's transaction; any error rolls the whole
// market back.
//
// winnerIDs empty means refund-all (abandoned market); otherwise exactly one
// winning selection is accepted. Trades already settled are skipped by the
// unsettled scan, which makes a retried settlement idempotent per trade.
func Settle(ctx context.Context, tx store.Tx, market *model.Market, winnerIDs []string, now time.Time) (*Settlement, error) {
	if market.Status != model.MarketClosed {
		return nil, fmt.Errorf("%w: market %s is %s, settlement requires CLOSED", model.ErrInvalidState, market.ID, market.Status)
	}
	if len(winnerIDs) > 1 {
		return nil, fmt.Errorf("%w: at most one winning selection", model.ErrInvalidInput)
	}

	runners, err := tx.ListRunners(ctx, market.ID)
	if err != nil {
		return nil, err
	}

	// isWinner per selection: nil for refund-all, else true/false.
	refundAll := len(winnerIDs) == 0
	outcome := make(map[string]*bool, len(runners))
	if refundAll {
		for _, r := range runners {
			outcome[r.ID] = nil
		}
	} else {
		winnerID := winnerIDs[0]
		found := false
		for _, r := range runners {
			w := r.ID == winnerID
			outcome[r.ID] = &w
			found = found || w
		}
		if !found {
			return nil, fmt.Errorf("%w: selection %s not in market %s", model.ErrNotFound, winnerID, market.ID)
		}
	}
	for _, r := range runners {
		if err := tx.SetRunnerResult(ctx, r.ID, outcome[r.ID]); err != nil {
			return nil, err
		}
	}

	settlement := &Settlement{
		MarketID: market.ID,
		Trades:   []TradeSettlement{},
		Wallets:  make(map[string]model.Wallet),
	}

	trades, err := tx.UnsettledTradesForUpdate(ctx, market.ID)
	if err != nil {
		return nil, err
	}
	for _, trade := range trades {
		ts, err := settleTrade(ctx, tx, market.ID, trade, outcome[trade.SelectionID], now, settlement.Wallets)
		if err != nil {
			return nil, err
		}
		if err := tx.MarkTradeSettled(ctx, trade.ID, now); err != nil {
			return nil, err
		}
		settlement.Trades = append(settlement.Trades, *ts)
	}

	// Close out whatever still rests on the book.
	open, err := tx.ActiveOrdersForUpdate(ctx, market.ID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		order := &open[i]
		releasable := model.RoundMoney(order.Side.RequiredExposure(order.Price, order.RemainingStake))
		releasable = decimal.Min(releasable, order.LockedExposure)

		order.Status = model.OrderCancelled
		order.LockedExposure = order.LockedExposure.Sub(releasable)
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return nil, err
		}
		if err := releaseLock(ctx, tx, order.UserID, market.ID, releasable, now,
			"market settled, unmatched order closed", settlement.Wallets); err != nil {
			return nil, err
		}
		settlement.ClosedOrders = append(settlement.ClosedOrders, *order)
	}

	if err := tx.UpdateMarketStatus(ctx, market.ID, model.MarketSettled); err != nil {
		return nil, err
	}
	market.Status = model.MarketSettled
	return settlement, nil
}

// settleTrade applies the per-trade settlement table for both sides.
//
//	outcome  BACK side                       LAY side
//	nil      refund stake                    refund liability (p-1)*s
//	true     credit p*s, release stake       release liability
//	false    release stake                   credit s, release liability
func settleTrade(ctx context.Context, tx store.Tx, marketID string, trade model.Trade, isWinner *bool, now time.Time, wallets map[string]model.Wallet) (*TradeSettlement, error) {
	// Round at the tick here so wallet writes match what NUMERIC(15,2)
	// columns store; a 2dp price times a 2dp stake carries up to 4dp.
	p, s := trade.Price, trade.Stake
	liability := model.RoundMoney(p.Sub(decimal.NewFromInt(1)).Mul(s))

	var back, lay SideSettlement
	back.UserID, lay.UserID = trade.BackUserID, trade.LayUserID

	switch {
	case isWinner == nil:
		back.Result, lay.Result = ResultRefunded, ResultRefunded
		back.Credit, lay.Credit = s, liability
	case *isWinner:
		back.Result, lay.Result = ResultWon, ResultLost
		back.Credit = model.RoundMoney(p.Mul(s))
	default:
		back.Result, lay.Result = ResultLost, ResultWon
		lay.Credit = s
	}

	// Each side's placement-time lock is released here, exactly once,
	// clamped to what the order still holds. The back side locked the
	// stake, the lay side the liability.
	backOrder, err := tx.GetOrderForUpdate(ctx, trade.BackOrderID)
	if err != nil {
		return nil, err
	}
	layOrder, err := tx.GetOrderForUpdate(ctx, trade.LayOrderID)
	if err != nil {
		return nil, err
	}
	back.Released = decimal.Min(s, backOrder.LockedExposure)
	lay.Released = decimal.Min(liability, layOrder.LockedExposure)

	backOrder.LockedExposure = backOrder.LockedExposure.Sub(back.Released)
	if err := tx.UpdateOrder(ctx, backOrder); err != nil {
		return nil, err
	}
	layOrder.LockedExposure = layOrder.LockedExposure.Sub(lay.Released)
	if err := tx.UpdateOrder(ctx, layOrder); err != nil {
		return nil, err
	}

	for _, side := range []*SideSettlement{&back, &lay} {
		if err := releaseLock(ctx, tx, side.UserID, marketID, side.Released, now,
			"trade "+trade.ID+" settled", wallets); err != nil {
			return nil, err
		}
		if side.Credit.IsPositive() {
			if err := creditBalance(ctx, tx, side.UserID, side.Credit, now,
				"trade "+trade.ID+" "+side.Result, wallets); err != nil {
				return nil, err
			}
		}
	}

	return &TradeSettlement{Trade: trade, Back: back, Lay: lay}, nil
}

// releaseLock decrements a wallet's exposure and mirrors the release into
// the market exposure tracker, with a balance-neutral ledger entry.
func releaseLock(ctx context.Context, tx store.Tx, userID, marketID string, amount decimal.Decimal, now time.Time, notes string, wallets map[string]model.Wallet) error {
	if !amount.IsPositive() {
		return nil
	}
	wallet, err := tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	wallet.Exposure = wallet.Exposure.Sub(amount)
	if wallet.Exposure.IsNegative() {
		wallet.Exposure = decimal.Zero
	}
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}
	if err := tx.AddMarketExposure(ctx, userID, marketID, amount.Neg()); err != nil {
		return err
	}
	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Kind:        model.LedgerExposureRelease,
		PostBalance: wallet.Balance,
		Notes:       notes,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	wallets[userID] = *wallet
	return nil
}

// creditBalance adds settlement winnings or refunds to a wallet with an
// ORDER_SETTLE ledger entry anchored at the post-credit balance.
func creditBalance(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, now time.Time, notes string, wallets map[string]model.Wallet) error {
	wallet, err := tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	wallet.Balance = wallet.Balance.Add(amount)
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return err
	}
	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Kind:        model.LedgerOrderSettle,
		PostBalance: wallet.Balance,
		Notes:       notes,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	wallets[userID] = *wallet
	return nil
}
