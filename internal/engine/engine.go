// Package engine implements price-time matching and settlement for the
// exchange. It operates entirely inside a store transaction handed to it by
// the order lifecycle controller; it never commits, publishes, or touches
// anything outside the Tx.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// MatchResult is the outcome of one matching run for an incoming order.
type MatchResult struct {
	MatchedStake   decimal.Decimal `json:"matched_stake"`
	RemainingStake decimal.Decimal `json:"remaining_stake"`
	Trades         []model.Trade   `json:"trades"`
}

// Match fills the incoming order against resting opposite-side orders on the
// same selection in price-time order: an incoming BACK takes the cheapest
// crossing lay first, an incoming LAY the dearest crossing back, ties FIFO.
// Every trade prints at the resting order's price; the incoming order never
// improves on its limit but may receive a better fill from the resting side.
//
// Candidates are claimed with skip-locked semantics, so a row contended by a
// concurrent run is skipped rather than waited on, and its remaining stake
// is re-read under the lock. Exposure locks are untouched here: both sides
// keep their placement-time reservation, which funds settlement.
func Match(ctx context.Context, tx store.Tx, incoming *model.Order, now time.Time) (*MatchResult, error) {
	res := &MatchResult{
		MatchedStake:   decimal.Zero,
		RemainingStake: incoming.RemainingStake,
		Trades:         []model.Trade{},
	}

	restingSide := incoming.Side.Opposite()

	for incoming.RemainingStake.IsPositive() {
		resting, err := tx.NextCandidate(ctx, incoming.SelectionID, restingSide, incoming.Price, incoming.UserID)
		if errors.Is(err, model.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !resting.RemainingStake.IsPositive() {
			// Vanished under contention; nothing left to take here.
			break
		}

		tradeStake := decimal.Min(incoming.RemainingStake, resting.RemainingStake)

		trade := model.Trade{
			ID:          uuid.New().String(),
			MarketID:    incoming.MarketID,
			SelectionID: incoming.SelectionID,
			Price:       resting.Price,
			Stake:       tradeStake,
			CreatedAt:   now,
		}
		if incoming.Side == model.SideBack {
			trade.BackOrderID, trade.BackUserID = incoming.ID, incoming.UserID
			trade.LayOrderID, trade.LayUserID = resting.ID, resting.UserID
		} else {
			trade.BackOrderID, trade.BackUserID = resting.ID, resting.UserID
			trade.LayOrderID, trade.LayUserID = incoming.ID, incoming.UserID
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return nil, err
		}

		resting.MatchedStake = resting.MatchedStake.Add(tradeStake)
		resting.RemainingStake = resting.RemainingStake.Sub(tradeStake)
		resting.Status = resting.FillStatus()
		if err := tx.UpdateOrder(ctx, resting); err != nil {
			return nil, err
		}

		incoming.MatchedStake = incoming.MatchedStake.Add(tradeStake)
		incoming.RemainingStake = incoming.RemainingStake.Sub(tradeStake)

		res.MatchedStake = res.MatchedStake.Add(tradeStake)
		res.Trades = append(res.Trades, trade)
	}

	incoming.Status = incoming.FillStatus()
	res.RemainingStake = incoming.RemainingStake
	if err := tx.UpdateOrder(ctx, incoming); err != nil {
		return nil, err
	}
	return res, nil
}
