// Package feed pumps live venue order-book streams into the shared snapshot
// cache. One BookFeed per streaming venue keeps the subscription list in sync
// with the venue's active markets and republishes fresh snapshots so every
// scanner in the tenant reads the same books without its own subscription.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultPumpInterval    = 2 * time.Second
	defaultMarketLimit     = 100
)

// BookFeed couples one venue's WebSocket stream with its market lister and
// the tenant's orderbook cache.
type BookFeed struct {
	venue  domain.Venue
	stream domain.BookStreamer
	lister domain.MarketLister
	books  domain.OrderbookCache
	logger *slog.Logger

	refreshInterval time.Duration
	pumpInterval    time.Duration
	marketLimit     int

	mu         sync.Mutex
	subscribed []string
}

// NewBookFeed creates a feed for one venue. books may be nil, in which case
// the stream still runs and scanners fall back to REST snapshots.
func NewBookFeed(v domain.Venue, stream domain.BookStreamer, lister domain.MarketLister, books domain.OrderbookCache, logger *slog.Logger) *BookFeed {
	return &BookFeed{
		venue:           v,
		stream:          stream,
		lister:          lister,
		books:           books,
		logger:          logger.With(slog.String("component", "book_feed"), slog.String("venue", string(v))),
		refreshInterval: defaultRefreshInterval,
		pumpInterval:    defaultPumpInterval,
		marketLimit:     defaultMarketLimit,
	}
}

// Run drives the stream's reconnect loop, the subscription refresher, and
// the snapshot pump until the context ends.
func (f *BookFeed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.stream.RunStream(ctx)
	})
	g.Go(func() error {
		return f.refreshLoop(ctx)
	})
	if f.books != nil {
		g.Go(func() error {
			return f.pumpLoop(ctx)
		})
	}
	return g.Wait()
}

// refreshLoop re-reads the venue's active markets and keeps the stream
// subscribed to them. Lister errors keep the previous subscription list.
func (f *BookFeed) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for {
		f.refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *BookFeed) refresh(ctx context.Context) {
	if f.lister == nil {
		return
	}
	markets, err := f.lister.ListMarkets(ctx, f.marketLimit)
	if err != nil {
		f.logger.Warn("market listing failed, keeping current subscriptions",
			slog.String("error", err.Error()))
		return
	}

	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.Status == domain.MarketStatusActive {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := f.stream.Subscribe(ctx, ids); err != nil {
		f.logger.Warn("stream subscribe failed", slog.String("error", err.Error()))
		return
	}
	f.mu.Lock()
	f.subscribed = ids
	f.mu.Unlock()
}

// pumpLoop copies fresh stream snapshots into the shared cache.
func (f *BookFeed) pumpLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f.mu.Lock()
		ids := append([]string(nil), f.subscribed...)
		f.mu.Unlock()
		for _, id := range ids {
			snap, ok := f.stream.Snapshot(id)
			if !ok {
				continue
			}
			if err := f.books.SetSnapshot(ctx, snap); err != nil {
				f.logger.Warn("snapshot cache write failed",
					slog.String("market_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
}
