// Package model defines the core domain types shared across the exchange core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a user's place in the operator hierarchy. Parent/child transfers
// are handled by the surrounding platform; the core only records the tree.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleAgent      Role = "AGENT"
	RoleUser       Role = "USER"
)

// User is an account identity. Every user owns exactly one Wallet.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Role      Role      `json:"role" db:"role"`
	ParentID  *string   `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wallet holds a user's funds. Balance and exposure are both non-negative;
// available = balance - exposure must be non-negative after every committed
// operation. Mutated only through the ledger path.
type Wallet struct {
	UserID   string          `json:"user_id" db:"user_id"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
	Exposure decimal.Decimal `json:"exposure" db:"exposure"`
}

// Available returns balance - exposure, the amount a user may newly commit.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Exposure)
}

// LedgerKind classifies a ledger entry. Exposure kinds are balance-neutral;
// the wallet balance equals the sum of the balance-affecting kinds.
type LedgerKind string

const (
	LedgerCredit          LedgerKind = "CREDIT"
	LedgerDebit           LedgerKind = "DEBIT"
	LedgerTransferIn      LedgerKind = "TRANSFER_IN"
	LedgerTransferOut     LedgerKind = "TRANSFER_OUT"
	LedgerOrderPlace      LedgerKind = "ORDER_PLACE"
	LedgerOrderCancel     LedgerKind = "ORDER_CANCEL"
	LedgerOrderSettle     LedgerKind = "ORDER_SETTLE"
	LedgerExposureLock    LedgerKind = "EXPOSURE_LOCK"
	LedgerExposureRelease LedgerKind = "EXPOSURE_RELEASE"
	LedgerBetPlace        LedgerKind = "BET_PLACE"
	LedgerBetSettle       LedgerKind = "BET_SETTLE"
	LedgerBetRefund       LedgerKind = "BET_REFUND"
)

// AffectsBalance reports whether entries of this kind move the wallet
// balance. EXPOSURE_LOCK/RELEASE entries record reservations only.
func (k LedgerKind) AffectsBalance() bool {
	switch k {
	case LedgerCredit, LedgerDebit, LedgerTransferIn, LedgerTransferOut,
		LedgerOrderSettle, LedgerBetSettle, LedgerBetRefund:
		return true
	}
	return false
}

// LedgerEntry is an append-only audit record. PostBalance is the wallet
// balance immediately after the entry's transaction committed; entries are
// never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // signed
	Kind        LedgerKind      `json:"kind" db:"kind"`
	PostBalance decimal.Decimal `json:"post_balance" db:"post_balance"`
	Notes       string          `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// MatchStatus is the lifecycle state of a sporting contest.
type MatchStatus string

const (
	MatchUpcoming  MatchStatus = "UPCOMING"
	MatchLive      MatchStatus = "LIVE"
	MatchCompleted MatchStatus = "COMPLETED"
	MatchCancelled MatchStatus = "CANCELLED"
)

// Match is a sporting contest that markets hang off. ExternalID ties the
// match to the odds/scores provider and is unique when present.
type Match struct {
	ID         string      `json:"id" db:"id"`
	SportKey   string      `json:"sport_key" db:"sport_key"`
	HomeTeam   string      `json:"home_team" db:"home_team"`
	AwayTeam   string      `json:"away_team" db:"away_team"`
	StartTime  time.Time   `json:"start_time" db:"start_time"`
	ExternalID *string     `json:"external_id,omitempty" db:"external_id"`
	Status     MatchStatus `json:"status" db:"status"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed    MarketStatus = "CLOSED"
	MarketSettled   MarketStatus = "SETTLED"
)

// Market is a proposition on a match (e.g. "Match Odds") with two or more
// runners. Only OPEN markets accept orders; SETTLED is fully terminal.
type Market struct {
	ID        string       `json:"id" db:"id"`
	MatchID   string       `json:"match_id" db:"match_id"`
	Name      string       `json:"name" db:"name"`
	Status    MarketStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// Runner is a named outcome within a market. IsWinner stays nil until
// settlement; nil at settlement time means refund.
type Runner struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Name      string          `json:"name" db:"name"`
	BackPrice decimal.Decimal `json:"back_price" db:"back_price"` // display only
	LayPrice  decimal.Decimal `json:"lay_price" db:"lay_price"`   // display only
	IsWinner  *bool           `json:"is_winner,omitempty" db:"is_winner"`
}

// OrderStatus is the fill state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderMatched   OrderStatus = "MATCHED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Active reports whether the order still has stake resting on the book.
func (s OrderStatus) Active() bool {
	return s == OrderOpen || s == OrderPartial
}

// Order is a limit quote on one side of a selection.
//
// Invariants: MatchedStake + RemainingStake = Stake; status tracks the fill
// (OPEN ⇔ nothing matched, PARTIAL ⇔ some, MATCHED ⇔ all); CANCELLED is
// terminal. LockedExposure is the portion of the placement-time reservation
// not yet released by cancellation or settlement.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	SelectionID    string          `json:"selection_id" db:"selection_id"`
	Side           Side            `json:"side" db:"side"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	MatchedStake   decimal.Decimal `json:"matched_stake" db:"matched_stake"`
	RemainingStake decimal.Decimal `json:"remaining_stake" db:"remaining_stake"`
	LockedExposure decimal.Decimal `json:"locked_exposure" db:"locked_exposure"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// FillStatus derives the status implied by the current fill amounts.
func (o *Order) FillStatus() OrderStatus {
	switch {
	case o.RemainingStake.IsZero():
		return OrderMatched
	case o.MatchedStake.IsPositive():
		return OrderPartial
	default:
		return OrderOpen
	}
}

// Trade is a bilateral fill between one BACK and one LAY order, printed at
// the resting order's price. Immutable except for the settlement flag.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	SelectionID string          `json:"selection_id" db:"selection_id"`
	BackOrderID string          `json:"back_order_id" db:"back_order_id"`
	LayOrderID  string          `json:"lay_order_id" db:"lay_order_id"`
	BackUserID  string          `json:"back_user_id" db:"back_user_id"`
	LayUserID   string          `json:"lay_user_id" db:"lay_user_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Stake       decimal.Decimal `json:"stake" db:"stake"`
	Settled     bool            `json:"settled" db:"settled"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// MarketExposure is the per-(user, market) aggregate of locked exposure,
// kept for admin oversight and reconcilable against wallet exposure.
type MarketExposure struct {
	UserID   string          `json:"user_id" db:"user_id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Exposure decimal.Decimal `json:"exposure" db:"exposure"`
}

// ReferenceOdds are display-only prices from the external feed, keyed by
// (market, selection). The matching engine never reads them.
type ReferenceOdds struct {
	MarketID    string          `json:"market_id" db:"market_id"`
	SelectionID string          `json:"selection_id" db:"selection_id"`
	BackPrice   decimal.Decimal `json:"back_price" db:"back_price"`
	LayPrice    decimal.Decimal `json:"lay_price" db:"lay_price"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceLevel is one aggregated rung of the order book.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	TotalStake decimal.Decimal `json:"total_stake"`
	OrderCount int             `json:"order_count"`
}

// OrderBook is a lock-free snapshot of resting liquidity for one selection.
// Back levels are sorted best-first (descending), lay levels ascending.
type OrderBook struct {
	MarketID    string       `json:"market_id"`
	SelectionID string       `json:"selection_id"`
	Back        []PriceLevel `json:"back"`
	Lay         []PriceLevel `json:"lay"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
