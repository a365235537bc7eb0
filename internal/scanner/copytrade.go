package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue/polymarket"
)

type copyCfg = config.CopyTradeConfig

const (
	leaderboardSize    = 50
	activityBatch      = 20
	discoveryInterval  = time.Hour
	winRateProfitScale = 0.25
)

// whaleFeed is the slice of the Polymarket client the copy-trade scanner
// needs: leaderboard rankings and per-wallet fill history.
type whaleFeed interface {
	Leaderboard(ctx context.Context, limit int) ([]polymarket.LeaderboardEntry, error)
	UserActivity(ctx context.Context, address string, limit int) ([]polymarket.UserTrade, error)
}

// CopyTrade follows ranked wallets and mirrors their new fills, scaled down
// and guarded against entry drift.
type CopyTrade struct {
	Base
	feed whaleFeed

	lastSeen      map[string]time.Time
	lastDiscovery time.Time
	tradeCounts   map[string]int
}

// NewCopyTrade creates the scanner. The feed defaults to the tenant's
// Polymarket client when it provides wallet activity.
func NewCopyTrade(deps Deps) *CopyTrade {
	s := &CopyTrade{
		Base:        newBase("copytrade", deps),
		lastSeen:    make(map[string]time.Time),
		tradeCounts: make(map[string]int),
	}
	if feed, ok := deps.Venues.Client(domain.VenuePolymarket).(whaleFeed); ok {
		s.feed = feed
	}
	return s
}

// Run executes the scan loop until the context ends.
func (s *CopyTrade) Run(ctx context.Context) error {
	cfg := s.deps.Snapshot().CopyTrade
	return s.loop(ctx, time.Duration(cfg.ScanIntervalSec)*time.Second, s.tick)
}

func (s *CopyTrade) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().CopyTrade
	if !cfg.Enabled || s.feed == nil || s.deps.Whales == nil {
		return nil
	}

	if time.Since(s.lastDiscovery) >= discoveryInterval {
		if err := s.discover(ctx); err != nil {
			s.logger.Warn("whale discovery failed", slog.String("error", err.Error()))
		} else {
			s.lastDiscovery = time.Now()
		}
	}

	whales, err := s.deps.Whales.ListWhales(ctx, true)
	if err != nil {
		return fmt.Errorf("list whales: %w", err)
	}
	for _, w := range whales {
		if err := s.follow(ctx, w, cfg); err != nil {
			s.logger.Warn("whale follow failed",
				slog.String("address", w.Address),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// discover refreshes the tracked-whale set from the leaderboard. Retail-tier
// wallets are stored inactive so they stop being followed without losing
// their history.
func (s *CopyTrade) discover(ctx context.Context) error {
	entries, err := s.feed.Leaderboard(ctx, leaderboardSize)
	if err != nil {
		return fmt.Errorf("fetch leaderboard: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		tradeCount := s.tradeCounts[e.Address]
		tier := domain.ClassifyWhale(e.VolumeUSD, estimateWinRate(e), tradeCount)
		w := domain.TrackedWhale{
			Address:    e.Address,
			TenantID:   s.deps.TenantID,
			Label:      e.Name,
			Tier:       tier,
			Volume30d:  e.VolumeUSD,
			WinRate:    estimateWinRate(e),
			TradeCount: tradeCount,
			Active:     tier != domain.TierRetail,
			UpdatedAt:  now,
		}
		if err := s.deps.Whales.UpsertWhale(ctx, w); err != nil {
			return fmt.Errorf("upsert whale %s: %w", e.Address, err)
		}
	}
	s.logger.Info("leaderboard refreshed", slog.Int("wallets", len(entries)))
	return nil
}

// estimateWinRate maps 30-day profitability onto the tier classifier's
// win-rate axis: breakeven reads as a coin flip, profit up to 25% of volume
// raises it linearly.
func estimateWinRate(e polymarket.LeaderboardEntry) float64 {
	if e.VolumeUSD <= 0 {
		return 0.5
	}
	ratio := e.ProfitUSD / e.VolumeUSD
	if ratio < 0 {
		ratio = 0
	}
	if ratio > winRateProfitScale {
		ratio = winRateProfitScale
	}
	return 0.5 + ratio
}

func (s *CopyTrade) follow(ctx context.Context, w domain.TrackedWhale, cfg copyCfg) error {
	trades, err := s.feed.UserActivity(ctx, w.Address, activityBatch)
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}
	s.tradeCounts[w.Address] = len(trades)

	horizon, seen := s.lastSeen[w.Address]
	if !seen {
		// First observation: anchor on the newest fill so history is not
		// replayed as fresh signals.
		if len(trades) > 0 {
			s.lastSeen[w.Address] = trades[0].TradedAt
		} else {
			s.lastSeen[w.Address] = time.Now().UTC()
		}
		return nil
	}

	// Activity is newest-first; walk oldest-first so lastSeen advances in
	// trade order.
	for i := len(trades) - 1; i >= 0; i-- {
		tr := trades[i]
		if !tr.TradedAt.After(horizon) {
			continue
		}
		s.lastSeen[w.Address] = tr.TradedAt
		s.evaluateCopy(ctx, w, tr, cfg)
	}
	return nil
}

func (s *CopyTrade) evaluateCopy(ctx context.Context, w domain.TrackedWhale, tr polymarket.UserTrade, cfg copyCfg) {
	wt := domain.WhaleTrade{
		ID:           uuid.NewString(),
		WhaleAddress: w.Address,
		Venue:        domain.VenuePolymarket,
		MarketID:     tr.TokenID,
		MarketTitle:  tr.Title,
		Side:         tr.Side,
		Price:        tr.Price,
		SizeUSD:      tr.SizeUSD,
		DetectedAt:   time.Now().UTC(),
		TradedAt:     tr.TradedAt,
	}
	if err := s.deps.Whales.LogWhaleTrade(ctx, wt); err != nil {
		s.logger.Warn("whale trade log failed", slog.String("error", err.Error()))
	}

	snap, err := s.book(ctx, domain.VenuePolymarket, tr.TokenID, 1)
	if err != nil {
		s.recordCopy(ctx, wt, 0, 0, "no book for copied market")
		return
	}
	entry := snap.BestAsk()
	if tr.Side == domain.SideSell {
		entry = snap.BestBid()
	}
	if entry <= 0 || tr.Price <= 0 {
		s.recordCopy(ctx, wt, 0, 0, "unpriced market")
		return
	}

	driftPct := (entry - tr.Price) / tr.Price * 100
	adverse := driftPct
	if tr.Side == domain.SideSell {
		adverse = -driftPct
	}
	if adverse > cfg.MaxSlippagePct {
		s.logScan(ctx, wt.Venue, tr.TokenID, false, "entry drifted past slippage limit",
			map[string]float64{"drift_pct": driftPct, "whale_price": tr.Price, "entry": entry})
		s.recordCopy(ctx, wt, 0, driftPct, "slippage")
		return
	}

	copyUSD := tr.SizeUSD * cfg.CopyMultiplier
	if cfg.MaxCopySizeUSD > 0 && copyUSD > cfg.MaxCopySizeUSD {
		copyUSD = cfg.MaxCopySizeUSD
	}
	if bal := s.usableBalanceUSD(ctx); bal > 0 && cfg.MaxBalancePct > 0 {
		if limit := bal * cfg.MaxBalancePct / 100; copyUSD > limit {
			copyUSD = limit
		}
	}
	if copyUSD <= 0 {
		s.recordCopy(ctx, wt, 0, driftPct, "zero copy size")
		return
	}

	confidence := w.Tier.Confidence()
	s.logScan(ctx, wt.Venue, tr.TokenID, true, "copying whale fill",
		map[string]float64{"copy_usd": copyUSD, "drift_pct": driftPct, "confidence": confidence})

	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbCopyTrade,
		Legs: []domain.Leg{{
			Side: tr.Side, Venue: wt.Venue, MarketID: tr.TokenID,
			Title: tr.Title, Price: entry, MaxSize: copyUSD / entry,
		}},
		MaxSize:    copyUSD / entry,
		Confidence: confidence,
		Score:      confidence * 100,
	})
	s.recordCopy(ctx, wt, copyUSD/tr.SizeUSD, driftPct, "")
}

func (s *CopyTrade) recordCopy(ctx context.Context, wt domain.WhaleTrade, scale, driftPct float64, skipReason string) {
	ct := domain.CopyTrade{
		ID:            uuid.NewString(),
		TenantID:      s.deps.TenantID,
		WhaleTradeID:  wt.ID,
		WhaleAddress:  wt.WhaleAddress,
		SizeScale:     scale,
		EntryDriftPct: driftPct,
		Copied:        skipReason == "",
		SkipReason:    skipReason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.deps.Whales.LogCopyTrade(ctx, ct); err != nil {
		s.logger.Warn("copy trade log failed", slog.String("error", err.Error()))
	}
}

// usableBalanceUSD is a best-effort read of the tenant's USDC balance for the
// balance-percentage cap. Zero disables the cap for this evaluation.
func (s *CopyTrade) usableBalanceUSD(ctx context.Context) float64 {
	client := s.deps.Venues.Client(domain.VenuePolymarket)
	if client == nil {
		return 0
	}
	balances, err := client.GetBalance(ctx, "USDC")
	if err != nil {
		return 0
	}
	return balances["USDC"].Free
}
