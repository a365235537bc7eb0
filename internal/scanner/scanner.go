// Package scanner implements the strategy scanners. Each scanner is a
// long-lived task that periodically evaluates venue data, logs every market
// it looks at, and emits qualifying opportunities onto the tenant's channel.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue"
)

// Scanner is one long-running strategy scanner.
type Scanner interface {
	Name() string
	Run(ctx context.Context) error
}

// Deps is the dependency set shared by every scanner in one tenant runtime.
// Snapshot returns the current resolved config; scanners call it each tick
// so hot reloads propagate without restart.
type Deps struct {
	TenantID string
	Snapshot func() config.TenantConfig
	Venues   *venue.Set
	Books    domain.OrderbookCache
	Prices   domain.PriceCache
	Scans    domain.ScanStore
	Whales   domain.WhaleStore
	Limiter  domain.RateLimiter
	Out      chan<- domain.Opportunity
	Logger   *slog.Logger
}

// Base is the chassis embedded by every scanner: the tick loop, the
// per-market cooldown map, scan logging, and opportunity emission.
type Base struct {
	name string
	deps Deps

	logger *slog.Logger

	mu        sync.Mutex
	cooldowns map[domain.MarketKey]time.Time
}

func newBase(name string, deps Deps) Base {
	return Base{
		name:      name,
		deps:      deps,
		logger:    deps.Logger.With(slog.String("scanner", name)),
		cooldowns: make(map[domain.MarketKey]time.Time),
	}
}

// Name returns the scanner identifier.
func (b *Base) Name() string { return b.name }

// loop runs tick at the given cadence until the context ends. Tick errors
// are logged and never terminate the loop; sibling scanners must keep
// running regardless of one scanner's venue trouble.
func (b *Base) loop(ctx context.Context, interval time.Duration, tick func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("scan tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// onCooldown reports whether the market emitted within the window.
func (b *Base) onCooldown(key domain.MarketKey, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.cooldowns[key]
	return ok && time.Since(last) < cooldown
}

// markCooldown records an emission and evicts entries older than twice the
// cooldown so the map stays bounded.
func (b *Base) markCooldown(key domain.MarketKey, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.cooldowns[key] = now
	horizon := 2 * cooldown
	for k, t := range b.cooldowns {
		if now.Sub(t) > horizon {
			delete(b.cooldowns, k)
		}
	}
}

// logScan records one market evaluation, qualifying or not. Logging is
// best-effort; a failed insert never blocks scanning.
func (b *Base) logScan(ctx context.Context, v domain.Venue, marketID string, qualified bool, reason string, metrics map[string]float64) {
	if b.deps.Scans == nil {
		return
	}
	scan := domain.MarketScan{
		TenantID:  b.deps.TenantID,
		Scanner:   b.name,
		Venue:     v,
		MarketID:  marketID,
		Qualified: qualified,
		Reason:    reason,
		Metrics:   metrics,
		ScannedAt: time.Now().UTC(),
	}
	if err := b.deps.Scans.LogScan(ctx, scan); err != nil {
		b.logger.Warn("scan log failed", slog.String("error", err.Error()))
	}
}

// emit stamps identity fields and sends the opportunity to the tenant
// channel. Zero confidence forces skipped status before the send so the
// executor never acts on fully stale data.
func (b *Base) emit(ctx context.Context, opp domain.Opportunity) {
	opp.ID = uuid.NewString()
	opp.TenantID = b.deps.TenantID
	opp.Scanner = b.name
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = time.Now().UTC()
	}
	if opp.Status == "" {
		opp.Status = domain.OppDetected
	}
	if opp.Confidence == 0 && opp.Status == domain.OppDetected {
		opp.Status = domain.OppSkipped
		if opp.SkipReason == "" {
			opp.SkipReason = "zero confidence"
		}
	}

	b.logger.Info("opportunity",
		slog.String("id", opp.ID),
		slog.String("kind", string(opp.Kind)),
		slog.Float64("profit_pct", opp.ProfitPct),
		slog.Float64("total_usd", opp.TotalProfitUSD),
		slog.String("status", string(opp.Status)))

	select {
	case b.deps.Out <- opp:
	case <-ctx.Done():
	}
}

// restRateLimit bounds REST book fetches per venue across every tenant
// sharing the Redis limiter.
const (
	restRateLimit  = 30
	restRateWindow = time.Second
)

// book fetches the freshest snapshot: cache first, REST fallback. The REST
// path goes through the shared rate limiter so many tenants scanning the
// same venue do not trip its API limits together.
func (b *Base) book(ctx context.Context, v domain.Venue, marketID string, depth int) (domain.BookSnapshot, error) {
	if b.deps.Books != nil {
		snap, err := b.deps.Books.GetSnapshot(ctx, v, marketID)
		if err == nil && len(snap.Bids)+len(snap.Asks) > 0 {
			return snap, nil
		}
	}
	client := b.deps.Venues.Client(v)
	if client == nil {
		return domain.BookSnapshot{}, domain.ErrNotSupported
	}
	if b.deps.Limiter != nil {
		ok, err := b.deps.Limiter.Allow(ctx, "rest:"+string(v), restRateLimit, restRateWindow)
		if err == nil && !ok {
			return domain.BookSnapshot{}, domain.ErrRateLimited
		}
	}
	return client.GetOrderBook(ctx, marketID, depth)
}

// ageConfidence returns the linear data-age confidence max(0, 1−age/maxAge).
func ageConfidence(oldest time.Time, maxAge time.Duration) float64 {
	if maxAge <= 0 {
		return 1
	}
	age := time.Since(oldest)
	if age <= 0 {
		return 1
	}
	c := 1 - age.Seconds()/maxAge.Seconds()
	if c < 0 {
		return 0
	}
	return c
}
