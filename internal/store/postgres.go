package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// row locks and SKIP LOCKED candidate scans carry the concurrency model.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InTx runs fn inside one database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgTx{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// asStoreErr translates driver-level errors into the core's error kinds.
func asStoreErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrConflict, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q querier
}

// --- Users & wallets ---

func (t *pgTx) InsertUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, email, role, parent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Role, u.ParentID, u.CreatedAt)
	if err != nil {
		return asStoreErr(err, "user "+u.Email)
	}
	return nil
}

func (t *pgTx) InsertWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, exposure)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)`,
		w.UserID, w.Balance.String(), w.Exposure.String())
	if err != nil {
		return asStoreErr(err, "wallet "+w.UserID)
	}
	return nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance, exposure string
	if err := row.Scan(&w.UserID, &balance, &exposure); err != nil {
		return nil, err
	}
	w.Balance = dec(balance)
	w.Exposure = dec(exposure)
	return &w, nil
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(t.q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, exposure::TEXT
		 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, asStoreErr(err, "wallet "+userID)
	}
	return w, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC, exposure = $3::NUMERIC
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.Exposure.String())
	if err != nil {
		return asStoreErr(err, "wallet "+w.UserID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet %s", model.ErrNotFound, w.UserID)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, kind, post_balance, notes, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.UserID, e.Amount.String(), e.Kind, e.PostBalance.String(), e.Notes, e.CreatedAt)
	if err != nil {
		return asStoreErr(err, "ledger entry")
	}
	return nil
}

// --- Matches, markets, runners ---

func (t *pgTx) InsertMatch(ctx context.Context, m *model.Match) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO matches (id, sport_key, home_team, away_team, start_time, external_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.SportKey, m.HomeTeam, m.AwayTeam, m.StartTime, m.ExternalID, m.Status, m.CreatedAt)
	if err != nil {
		return asStoreErr(err, "match")
	}
	return nil
}

func scanMatch(row pgx.Row) (*model.Match, error) {
	var m model.Match
	if err := row.Scan(&m.ID, &m.SportKey, &m.HomeTeam, &m.AwayTeam,
		&m.StartTime, &m.ExternalID, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

const matchCols = `id, sport_key, home_team, away_team, start_time, external_id, status, created_at`

func (t *pgTx) GetMatchByExternalID(ctx context.Context, externalID string) (*model.Match, error) {
	m, err := scanMatch(t.q.QueryRow(ctx,
		`SELECT `+matchCols+` FROM matches WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, asStoreErr(err, "match external "+externalID)
	}
	return m, nil
}

func (t *pgTx) GetMatchForUpdate(ctx context.Context, id string) (*model.Match, error) {
	m, err := scanMatch(t.q.QueryRow(ctx,
		`SELECT `+matchCols+` FROM matches WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, asStoreErr(err, "match "+id)
	}
	return m, nil
}

func (t *pgTx) UpdateMatchStatus(ctx context.Context, id string, status model.MatchStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE matches SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return asStoreErr(err, "match "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: match %s", model.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, match_id, name, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.MatchID, m.Name, m.Status, m.CreatedAt)
	if err != nil {
		return asStoreErr(err, "market")
	}
	return nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	if err := row.Scan(&m.ID, &m.MatchID, &m.Name, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx,
		`SELECT id, match_id, name, status, created_at FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, asStoreErr(err, "market "+id)
	}
	return m, nil
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx,
		`SELECT id, match_id, name, status, created_at
		 FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, asStoreErr(err, "market "+id)
	}
	return m, nil
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return asStoreErr(err, "market "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	return nil
}

func marketsByMatch(ctx context.Context, q querier, matchID string) ([]model.Market, error) {
	rows, err := q.Query(ctx,
		`SELECT id, match_id, name, status, created_at
		 FROM markets WHERE match_id = $1 ORDER BY created_at`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.MatchID, &m.Name, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (t *pgTx) MarketsByMatch(ctx context.Context, matchID string) ([]model.Market, error) {
	return marketsByMatch(ctx, t.q, matchID)
}

func (t *pgTx) InsertRunner(ctx context.Context, r *model.Runner) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO runners (id, market_id, name, back_price, lay_price, is_winner)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		r.ID, r.MarketID, r.Name, r.BackPrice.String(), r.LayPrice.String(), r.IsWinner)
	if err != nil {
		return asStoreErr(err, "runner")
	}
	return nil
}

func scanRunnerRow(row pgx.Row) (*model.Runner, error) {
	var r model.Runner
	var back, lay string
	if err := row.Scan(&r.ID, &r.MarketID, &r.Name, &back, &lay, &r.IsWinner); err != nil {
		return nil, err
	}
	r.BackPrice = dec(back)
	r.LayPrice = dec(lay)
	return &r, nil
}

func (t *pgTx) GetRunner(ctx context.Context, marketID, selectionID string) (*model.Runner, error) {
	r, err := scanRunnerRow(t.q.QueryRow(ctx,
		`SELECT id, market_id, name, back_price::TEXT, lay_price::TEXT, is_winner
		 FROM runners WHERE market_id = $1 AND id = $2`, marketID, selectionID))
	if err != nil {
		return nil, asStoreErr(err, "runner "+selectionID)
	}
	return r, nil
}

func listRunners(ctx context.Context, q querier, marketID string) ([]model.Runner, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, name, back_price::TEXT, lay_price::TEXT, is_winner
		 FROM runners WHERE market_id = $1 ORDER BY name`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []model.Runner
	for rows.Next() {
		var r model.Runner
		var back, lay string
		if err := rows.Scan(&r.ID, &r.MarketID, &r.Name, &back, &lay, &r.IsWinner); err != nil {
			return nil, err
		}
		r.BackPrice = dec(back)
		r.LayPrice = dec(lay)
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (t *pgTx) ListRunners(ctx context.Context, marketID string) ([]model.Runner, error) {
	return listRunners(ctx, t.q, marketID)
}

func (t *pgTx) SetRunnerResult(ctx context.Context, runnerID string, isWinner *bool) error {
	tag, err := t.q.Exec(ctx, `UPDATE runners SET is_winner = $2 WHERE id = $1`, runnerID, isWinner)
	if err != nil {
		return asStoreErr(err, "runner "+runnerID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: runner %s", model.ErrNotFound, runnerID)
	}
	return nil
}

// --- Orders & trades ---

const orderCols = `id, user_id, market_id, selection_id, side, price::TEXT,
	stake::TEXT, matched_stake::TEXT, remaining_stake::TEXT, locked_exposure::TEXT,
	status, created_at`

func scanOrderRow(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, stake, matched, remaining, locked string
	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.SelectionID, &o.Side,
		&price, &stake, &matched, &remaining, &locked, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Price = dec(price)
	o.Stake = dec(stake)
	o.MatchedStake = dec(matched)
	o.RemainingStake = dec(remaining)
	o.LockedExposure = dec(locked)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var price, stake, matched, remaining, locked string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &o.SelectionID, &o.Side,
			&price, &stake, &matched, &remaining, &locked, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Price = dec(price)
		o.Stake = dec(stake)
		o.MatchedStake = dec(matched)
		o.RemainingStake = dec(remaining)
		o.LockedExposure = dec(locked)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, selection_id, side, price,
		                     stake, matched_stake, remaining_stake, locked_exposure, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		o.ID, o.UserID, o.MarketID, o.SelectionID, o.Side, o.Price.String(),
		o.Stake.String(), o.MatchedStake.String(), o.RemainingStake.String(),
		o.LockedExposure.String(), o.Status, o.CreatedAt)
	if err != nil {
		return asStoreErr(err, "order")
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrderRow(t.q.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, asStoreErr(err, "order "+id)
	}
	return o, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE orders SET matched_stake = $2::NUMERIC, remaining_stake = $3::NUMERIC,
		        locked_exposure = $4::NUMERIC, status = $5
		 WHERE id = $1`,
		o.ID, o.MatchedStake.String(), o.RemainingStake.String(),
		o.LockedExposure.String(), o.Status)
	if err != nil {
		return asStoreErr(err, "order "+o.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
	}
	return nil
}

// NextCandidate claims the best resting counterparty with SKIP LOCKED so two
// matching runs on the same selection never fight over one row. Fully
// consumed candidates leave the status filter, so repeated calls walk the
// book in price-time order.
func (t *pgTx) NextCandidate(ctx context.Context, selectionID string, side model.Side, limitPrice decimal.Decimal, excludeUserID string) (*model.Order, error) {
	// The incoming BACK buys from the cheapest lay; the incoming LAY sells
	// to the dearest back. Ties resolve FIFO.
	cmp, dir := "<=", "ASC"
	if side == model.SideBack {
		cmp, dir = ">=", "DESC"
	}

	o, err := scanOrderRow(t.q.QueryRow(ctx,
		`SELECT `+orderCols+`
		 FROM orders
		 WHERE selection_id = $1 AND side = $2 AND status IN ('OPEN', 'PARTIAL')
		   AND user_id <> $3 AND price `+cmp+` $4::NUMERIC
		 ORDER BY price `+dir+`, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		selectionID, side, excludeUserID, limitPrice.String()))
	if err != nil {
		return nil, asStoreErr(err, "candidate")
	}
	return o, nil
}

func (t *pgTx) ActiveOrdersForUpdate(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+orderCols+`
		 FROM orders
		 WHERE market_id = $1 AND status IN ('OPEN', 'PARTIAL')
		 ORDER BY created_at
		 FOR UPDATE`, marketID)
	if err != nil {
		return nil, asStoreErr(err, "active orders")
	}
	return scanOrders(rows)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, market_id, selection_id, back_order_id, lay_order_id,
		                     back_user_id, lay_user_id, price, stake, settled, settled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		tr.ID, tr.MarketID, tr.SelectionID, tr.BackOrderID, tr.LayOrderID,
		tr.BackUserID, tr.LayUserID, tr.Price.String(), tr.Stake.String(),
		tr.Settled, tr.SettledAt, tr.CreatedAt)
	if err != nil {
		return asStoreErr(err, "trade")
	}
	return nil
}

const tradeCols = `id, market_id, selection_id, back_order_id, lay_order_id,
	back_user_id, lay_user_id, price::TEXT, stake::TEXT, settled, settled_at, created_at`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	defer rows.Close()
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var price, stake string
		if err := rows.Scan(&tr.ID, &tr.MarketID, &tr.SelectionID, &tr.BackOrderID,
			&tr.LayOrderID, &tr.BackUserID, &tr.LayUserID, &price, &stake,
			&tr.Settled, &tr.SettledAt, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.Price = dec(price)
		tr.Stake = dec(stake)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (t *pgTx) UnsettledTradesForUpdate(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+tradeCols+`
		 FROM trades
		 WHERE market_id = $1 AND settled = FALSE
		 ORDER BY created_at
		 FOR UPDATE`, marketID)
	if err != nil {
		return nil, asStoreErr(err, "unsettled trades")
	}
	return scanTrades(rows)
}

func (t *pgTx) MarkTradeSettled(ctx context.Context, tradeID string, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE trades SET settled = TRUE, settled_at = $2 WHERE id = $1`, tradeID, at)
	if err != nil {
		return asStoreErr(err, "trade "+tradeID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s", model.ErrNotFound, tradeID)
	}
	return nil
}

func (t *pgTx) AddMarketExposure(ctx context.Context, userID, marketID string, delta decimal.Decimal) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO market_exposures (user_id, market_id, exposure)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, market_id)
		 DO UPDATE SET exposure = market_exposures.exposure + EXCLUDED.exposure`,
		userID, marketID, delta.String())
	if err != nil {
		return asStoreErr(err, "market exposure")
	}
	return nil
}

func (t *pgTx) GetMarketExposure(ctx context.Context, userID, marketID string) (decimal.Decimal, error) {
	var exp string
	err := t.q.QueryRow(ctx,
		`SELECT exposure::TEXT FROM market_exposures WHERE user_id = $1 AND market_id = $2`,
		userID, marketID).Scan(&exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("market exposure: %w", err)
	}
	return dec(exp), nil
}

// --- Lockless snapshot reads ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, parent_id, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Role, &u.ParentID, &u.CreatedAt)
	if err != nil {
		return nil, asStoreErr(err, "user "+id)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, parent_id, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.Role, &u.ParentID, &u.CreatedAt)
	if err != nil {
		return nil, asStoreErr(err, "user "+email)
	}
	return &u, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, exposure::TEXT FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, asStoreErr(err, "wallet "+userID)
	}
	return w, nil
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, kind, post_balance::TEXT, notes, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, post string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Kind, &post, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.PostBalance = dec(post)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := scanMatch(s.pool.QueryRow(ctx,
		`SELECT `+matchCols+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, asStoreErr(err, "match "+id)
	}
	return m, nil
}

func (s *PostgresStore) ListMatchesByStatus(ctx context.Context, status model.MatchStatus) ([]model.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchCols+` FROM matches WHERE status = $1 ORDER BY start_time`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		var m model.Match
		if err := rows.Scan(&m.ID, &m.SportKey, &m.HomeTeam, &m.AwayTeam,
			&m.StartTime, &m.ExternalID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT id, match_id, name, status, created_at FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, asStoreErr(err, "market "+id)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, name, status, created_at FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.MatchID, &m.Name, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) MarketsByMatch(ctx context.Context, matchID string) ([]model.Market, error) {
	return marketsByMatch(ctx, s.pool, matchID)
}

func (s *PostgresStore) ListRunners(ctx context.Context, marketID string) ([]model.Runner, error) {
	return listRunners(ctx, s.pool, marketID)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrderRow(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, asStoreErr(err, "order "+id)
	}
	return o, nil
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

// OrderBook aggregates resting liquidity into price levels without taking
// locks; the snapshot may race with concurrent matches.
func (s *PostgresStore) OrderBook(ctx context.Context, marketID, selectionID string) (*model.OrderBook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT side, price::TEXT, SUM(remaining_stake)::TEXT, COUNT(*)
		 FROM orders
		 WHERE market_id = $1 AND selection_id = $2 AND status IN ('OPEN', 'PARTIAL')
		 GROUP BY side, price
		 ORDER BY side, price`, marketID, selectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	book := &model.OrderBook{
		MarketID:    marketID,
		SelectionID: selectionID,
		Back:        []model.PriceLevel{},
		Lay:         []model.PriceLevel{},
		UpdatedAt:   time.Now().UTC(),
	}
	for rows.Next() {
		var side model.Side
		var price, total string
		var count int
		if err := rows.Scan(&side, &price, &total, &count); err != nil {
			return nil, err
		}
		level := model.PriceLevel{Price: dec(price), TotalStake: dec(total), OrderCount: count}
		if side == model.SideBack {
			book.Back = append(book.Back, level)
		} else {
			book.Lay = append(book.Lay, level)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Back levels best-first: highest price at the top.
	for i, j := 0, len(book.Back)-1; i < j; i, j = i+1, j-1 {
		book.Back[i], book.Back[j] = book.Back[j], book.Back[i]
	}
	return book, nil
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (s *PostgresStore) MarketExposures(ctx context.Context, marketID string) ([]model.MarketExposure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, exposure::TEXT
		 FROM market_exposures WHERE market_id = $1 ORDER BY exposure DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exposures []model.MarketExposure
	for rows.Next() {
		var me model.MarketExposure
		var exp string
		if err := rows.Scan(&me.UserID, &me.MarketID, &exp); err != nil {
			return nil, err
		}
		me.Exposure = dec(exp)
		exposures = append(exposures, me)
	}
	return exposures, rows.Err()
}

func (s *PostgresStore) UpsertReferenceOdds(ctx context.Context, odds *model.ReferenceOdds) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reference_odds (market_id, selection_id, back_price, lay_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (market_id, selection_id)
		 DO UPDATE SET back_price = EXCLUDED.back_price,
		               lay_price = EXCLUDED.lay_price,
		               updated_at = EXCLUDED.updated_at`,
		odds.MarketID, odds.SelectionID, odds.BackPrice.String(), odds.LayPrice.String(), odds.UpdatedAt)
	if err != nil {
		return asStoreErr(err, "reference odds")
	}
	return nil
}

func (s *PostgresStore) ReferenceOddsByMarket(ctx context.Context, marketID string) ([]model.ReferenceOdds, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, selection_id, back_price::TEXT, lay_price::TEXT, updated_at
		 FROM reference_odds WHERE market_id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var odds []model.ReferenceOdds
	for rows.Next() {
		var o model.ReferenceOdds
		var back, lay string
		if err := rows.Scan(&o.MarketID, &o.SelectionID, &back, &lay, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.BackPrice = dec(back)
		o.LayPrice = dec(lay)
		odds = append(odds, o)
	}
	return odds, rows.Err()
}
