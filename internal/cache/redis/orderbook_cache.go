package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// bookTTL evicts books whose stream writer died; readers treat absence the
// same as staleness.
const bookTTL = 60 * time.Second

// OrderbookCache implements domain.OrderbookCache by storing whole JSON
// snapshots at "book:{venue}:{marketID}". The owning venue stream replaces
// the snapshot on every delta; scanners read copies and never mutate.
type OrderbookCache struct {
	rdb *redis.Client
}

// NewOrderbookCache creates an OrderbookCache backed by the given Client.
func NewOrderbookCache(c *Client) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying()}
}

func bookKey(venue domain.Venue, marketID string) string {
	return "book:" + string(venue) + ":" + marketID
}

type bookPayload struct {
	Bids      []domain.PriceLevel `json:"bids"`
	Asks      []domain.PriceLevel `json:"asks"`
	Timestamp int64               `json:"ts"` // Unix nanoseconds
}

// SetSnapshot replaces the stored snapshot for the market.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	payload, err := json.Marshal(bookPayload{
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal book %s/%s: %w", snap.Venue, snap.MarketID, err)
	}

	key := bookKey(snap.Venue, snap.MarketID)
	if err := oc.rdb.Set(ctx, key, payload, bookTTL).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", key, err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot, or domain.ErrNotFound.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, venue domain.Venue, marketID string) (domain.BookSnapshot, error) {
	key := bookKey(venue, marketID)
	raw, err := oc.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", key, err)
	}

	var p bookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: unmarshal book %s: %w", key, err)
	}

	return domain.BookSnapshot{
		Venue:     venue,
		MarketID:  marketID,
		Bids:      p.Bids,
		Asks:      p.Asks,
		Timestamp: time.Unix(0, p.Timestamp),
	}, nil
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
