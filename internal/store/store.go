// Package store defines the persistence interface for the exchange core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
)

// Tx is a single atomic unit of work. Every public core operation runs in
// exactly one Tx; the *ForUpdate accessors take row-level exclusive locks,
// and NextCandidate claims resting orders with skip-locked semantics so
// concurrent matching runs never block on each other's candidates.
type Tx interface {
	// --- Users & wallets ---

	InsertUser(ctx context.Context, u *model.User) error
	InsertWallet(ctx context.Context, w *model.Wallet) error

	// GetWalletForUpdate locks the wallet row for the transaction.
	GetWalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, w *model.Wallet) error

	// InsertLedgerEntry appends an immutable audit record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// --- Matches, markets, runners ---

	InsertMatch(ctx context.Context, m *model.Match) error
	GetMatchByExternalID(ctx context.Context, externalID string) (*model.Match, error)
	GetMatchForUpdate(ctx context.Context, id string) (*model.Match, error)
	UpdateMatchStatus(ctx context.Context, id string, status model.MatchStatus) error

	InsertMarket(ctx context.Context, m *model.Market) error

	// GetMarket reads a market without locking it; placement checks the
	// status without serializing the whole market.
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error
	MarketsByMatch(ctx context.Context, matchID string) ([]model.Market, error)

	InsertRunner(ctx context.Context, r *model.Runner) error
	GetRunner(ctx context.Context, marketID, selectionID string) (*model.Runner, error)
	ListRunners(ctx context.Context, marketID string) ([]model.Runner, error)
	SetRunnerResult(ctx context.Context, runnerID string, isWinner *bool) error

	// --- Orders & trades ---

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrder persists the mutable fill fields: matched/remaining
	// stake, locked exposure and status.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// NextCandidate returns the best-priced, oldest resting order on the
	// given side of a selection that crosses limitPrice, excluding the
	// incoming user's own orders, locked for this transaction. Rows locked
	// by concurrent matching runs are skipped, not waited on. Returns
	// model.ErrNotFound when no candidate remains.
	NextCandidate(ctx context.Context, selectionID string, side model.Side, limitPrice decimal.Decimal, excludeUserID string) (*model.Order, error)

	// ActiveOrdersForUpdate locks and returns all OPEN/PARTIAL orders in
	// a market, for settlement close-out.
	ActiveOrdersForUpdate(ctx context.Context, marketID string) ([]model.Order, error)

	InsertTrade(ctx context.Context, t *model.Trade) error

	// UnsettledTradesForUpdate locks and returns the market's unsettled
	// trades in creation order.
	UnsettledTradesForUpdate(ctx context.Context, marketID string) ([]model.Trade, error)
	MarkTradeSettled(ctx context.Context, tradeID string, at time.Time) error

	// --- Exposure tracker ---

	// AddMarketExposure upserts the per-(user, market) exposure aggregate
	// by delta (negative to release).
	AddMarketExposure(ctx context.Context, userID, marketID string, delta decimal.Decimal) error

	// GetMarketExposure returns the per-(user, market) aggregate, zero if
	// the pair has never locked exposure.
	GetMarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for the hot display reads. All
// non-Tx reads are lockless snapshots and may race with concurrent matches.
type Store interface {
	// InTx runs fn inside one transaction; any error rolls back every
	// effect. Serializable-equivalent isolation with row-level locks.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	LedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	GetMatch(ctx context.Context, id string) (*model.Match, error)
	ListMatchesByStatus(ctx context.Context, status model.MatchStatus) ([]model.Match, error)
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	MarketsByMatch(ctx context.Context, matchID string) ([]model.Market, error)
	ListRunners(ctx context.Context, marketID string) ([]model.Runner, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	OrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// OrderBook aggregates OPEN/PARTIAL orders for one selection into
	// price levels: back descending, lay ascending.
	OrderBook(ctx context.Context, marketID, selectionID string) (*model.OrderBook, error)

	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	MarketExposures(ctx context.Context, marketID string) ([]model.MarketExposure, error)

	UpsertReferenceOdds(ctx context.Context, odds *model.ReferenceOdds) error
	ReferenceOddsByMarket(ctx context.Context, marketID string) ([]model.ReferenceOdds, error)
}
