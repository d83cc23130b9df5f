package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/betmesh/exchange-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot display reads: markets and order-book snapshots.
// Transactions always hit the primary; book caches use a short TTL instead
// of write invalidation because the book changes inside transactions the
// wrapper cannot observe.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// InTx runs on the primary and drops the market cache afterwards, since a
// committed transaction may have changed market state.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.Store.InTx(ctx, fn); err != nil {
		return err
	}
	// Best effort; stale entries expire via TTL anyway.
	if keys, err := s.rdb.Keys(ctx, "market:*").Result(); err == nil && len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) OrderBook(ctx context.Context, marketID, selectionID string) (*model.OrderBook, error) {
	data, err := s.rdb.Get(ctx, bookKey(marketID, selectionID)).Bytes()
	if err == nil {
		var book model.OrderBook
		if json.Unmarshal(data, &book) == nil {
			return &book, nil
		}
	}

	book, err := s.Store.OrderBook(ctx, marketID, selectionID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(book); err == nil {
		s.rdb.Set(ctx, bookKey(marketID, selectionID), data, s.ttl)
	}
	return book, nil
}

func (s *CachedStore) ReferenceOddsByMarket(ctx context.Context, marketID string) ([]model.ReferenceOdds, error) {
	data, err := s.rdb.Get(ctx, oddsKey(marketID)).Bytes()
	if err == nil {
		var odds []model.ReferenceOdds
		if json.Unmarshal(data, &odds) == nil {
			return odds, nil
		}
	}

	odds, err := s.Store.ReferenceOddsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(odds); err == nil {
		s.rdb.Set(ctx, oddsKey(marketID), data, s.ttl)
	}
	return odds, nil
}

func (s *CachedStore) UpsertReferenceOdds(ctx context.Context, odds *model.ReferenceOdds) error {
	if err := s.Store.UpsertReferenceOdds(ctx, odds); err != nil {
		return err
	}
	s.rdb.Del(ctx, oddsKey(odds.MarketID))
	return nil
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func bookKey(marketID, selID string) string { return fmt.Sprintf("book:%s:%s", marketID, selID) }

func oddsKey(marketID string) string { return fmt.Sprintf("refodds:%s", marketID) }
