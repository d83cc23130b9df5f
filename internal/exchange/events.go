package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
)

// Event types published after successful commits. A rolled-back transaction
// publishes nothing.
const (
	EventBalanceUpdate = "balance_update"
	EventBetPlaced     = "bet_placed"
	EventBetSettled    = "bet_settled"
	EventMatchUpdate   = "match_update"
	EventMarketUpdate  = "market_update"
	EventBookUpdate    = "book_update"
)

// Event is a post-commit notification fanned out to subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher fans events out to the real-time surface. The composition root
// hands an implementation to the service; the core never owns a transport.
type Publisher interface {
	Publish(e Event)
}

// NopPublisher discards events; used in tests and headless tools.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

// BalanceUpdate reports a wallet change to its owner.
type BalanceUpdate struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	Exposure         decimal.Decimal `json:"exposure"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	ChangedBy        string          `json:"changed_by"`
	Amount           decimal.Decimal `json:"amount"`
}

// BetPlaced reports a new order and its immediate fills.
type BetPlaced struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// BetSettled reports one side's outcome of a settled trade.
type BetSettled struct {
	UserID  string          `json:"user_id"`
	TradeID string          `json:"trade_id"`
	Result  string          `json:"result"` // WON, LOST or REFUNDED
	Amount  decimal.Decimal `json:"amount"`
}

// MatchUpdate reports a match lifecycle change.
type MatchUpdate struct {
	MatchID string            `json:"match_id"`
	Status  model.MatchStatus `json:"status"`
}

// MarketUpdate reports a market lifecycle change.
type MarketUpdate struct {
	MarketID string             `json:"market_id"`
	Status   model.MarketStatus `json:"status"`
}

// BookUpdate signals that a selection's resting liquidity changed.
type BookUpdate struct {
	MarketID    string `json:"market_id"`
	SelectionID string `json:"selection_id"`
}

func balanceEvent(w model.Wallet, changedBy string, amount decimal.Decimal) Event {
	return Event{Type: EventBalanceUpdate, Payload: BalanceUpdate{
		UserID:           w.UserID,
		Balance:          w.Balance,
		Exposure:         w.Exposure,
		AvailableBalance: w.Available(),
		ChangedBy:        changedBy,
		Amount:           amount,
	}}
}
