package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// priceTTL bounds how long a stale price survives with no writer. Scanners
// apply their own, tighter freshness checks on top.
const priceTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each market's
// price is stored at "price:{venue}:{marketID}" with fields "price" and "ts"
// (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(venue domain.Venue, marketID string) string {
	return "price:" + string(venue) + ":" + marketID
}

// SetPrice stores the latest price and observation timestamp for a market.
func (pc *PriceCache) SetPrice(ctx context.Context, venue domain.Venue, marketID string, price float64, ts time.Time) error {
	key := priceKey(venue, marketID)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a market. It returns
// domain.ErrNotFound when no writer has published one.
func (pc *PriceCache) GetPrice(ctx context.Context, venue domain.Venue, marketID string) (float64, time.Time, error) {
	key := priceKey(venue, marketID)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", key, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
