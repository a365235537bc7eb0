// Package sim is the paper-mode execution backend. It applies realistic
// execution frictions (latency drift, slippage, partial fills, failures,
// venue fees, cooldowns, daily limits) so simulated P&L is a usable proxy
// for live P&L.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

// Rand is the randomness source for the friction model. *math/rand.Rand
// satisfies it; tests inject scripted sequences.
type Rand interface {
	Float64() float64
}

// Deps is the dependency set for one tenant's simulator.
type Deps struct {
	TenantID string
	Snapshot func() config.TenantConfig
	Paper    domain.PaperStore
	Opps     domain.OpportunityStore
	Logger   *slog.Logger
	In       <-chan domain.Opportunity

	// Rand defaults to a time-seeded source; Sleep defaults to a real
	// context-aware sleep. Both exist so tests can pin frictions.
	Rand  Rand
	Sleep func(ctx context.Context, d time.Duration)
}

// Simulator drains the tenant's opportunity channel in paper mode. It owns
// the simulated balance and the per-market cooldown ledger; all mutation
// happens on the single Run goroutine plus the stats saver, guarded by mu.
type Simulator struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	stats    domain.StatsSnapshot
	cooldown map[domain.MarketKey][]time.Time
	day      time.Time
	dayCount int
}

// New creates a simulator. Call Init before Run to hydrate the balance from
// the tenant's stats anchor.
func New(deps Deps) *Simulator {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Sleep == nil {
		deps.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	return &Simulator{
		deps:     deps,
		logger:   deps.Logger.With(slog.String("component", "simulator")),
		cooldown: make(map[domain.MarketKey][]time.Time),
		day:      utcDay(time.Now()),
	}
}

func utcDay(t time.Time) time.Time { return t.UTC().Truncate(24 * time.Hour) }

// Init loads the stats anchor, seeding a fresh one at the configured start
// balance on first run, and cross-checks the anchor's trade count against
// the paper-trades table. A divergence beyond 50% means rows were lost or
// the anchor was reset out-of-band; it is worth a loud warning but never
// blocks startup.
func (s *Simulator) Init(ctx context.Context) error {
	cfg := s.deps.Snapshot().Sim

	stats, err := s.deps.Paper.GetStats(ctx)
	switch {
	case err == nil:
		s.mu.Lock()
		s.stats = stats
		s.mu.Unlock()
	case errors.Is(err, domain.ErrNotFound):
		s.mu.Lock()
		s.stats = domain.StatsSnapshot{
			TenantID:     s.deps.TenantID,
			Balance:      cfg.StartBalanceUSD,
			StartBalance: cfg.StartBalanceUSD,
		}
		s.mu.Unlock()
		if err := s.deps.Paper.UpsertStats(ctx, s.snapshotLocked()); err != nil {
			return fmt.Errorf("sim: seeding stats anchor: %w", err)
		}
	default:
		return fmt.Errorf("sim: loading stats anchor: %w", err)
	}

	if rows, err := s.deps.Paper.CountPaperTrades(ctx); err == nil {
		anchor := s.Stats().TradeCount + s.Stats().SkipCount
		if anchor > 0 && diverges(anchor, rows) {
			s.logger.Warn("stats anchor diverges from paper trade rows",
				slog.Int64("anchor_count", anchor),
				slog.Int64("row_count", rows))
		}
	}
	return nil
}

// diverges reports whether two counts differ by more than 50% of the larger.
func diverges(a, b int64) bool {
	hi, lo := a, b
	if b > a {
		hi, lo = b, a
	}
	if hi == 0 {
		return false
	}
	return float64(hi-lo)/float64(hi) > 0.5
}

// Run drains the opportunity channel until the context ends.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("simulator started", slog.Float64("balance", s.Balance()))
	defer s.logger.Info("simulator stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-s.deps.In:
			if !ok {
				return nil
			}
			s.Simulate(ctx, opp)
		}
	}
}

// Balance returns the current simulated balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Balance
}

// Stats returns a copy of the aggregate counters.
func (s *Simulator) Stats() domain.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Simulator) snapshotLocked() domain.StatsSnapshot {
	snap := s.stats
	snap.TenantID = s.deps.TenantID
	snap.UpdatedAt = time.Now().UTC()
	return snap
}

// Reset re-anchors the simulator at a fresh start balance and clears the
// cooldown ledger and daily counter. The caller resets the persisted rows;
// without this the in-memory state would keep suppressing trades and the
// next SaveStats would resurrect the old counters.
func (s *Simulator) Reset(startBalance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = domain.StatsSnapshot{
		TenantID:     s.deps.TenantID,
		Balance:      startBalance,
		StartBalance: startBalance,
	}
	s.cooldown = make(map[domain.MarketKey][]time.Time)
	s.day = utcDay(time.Now())
	s.dayCount = 0
}

// SaveStats upserts the stats anchor. The runtime calls this on a bounded
// cadence so bursts of paper trades coalesce into one write.
func (s *Simulator) SaveStats(ctx context.Context) error {
	if err := s.deps.Paper.UpsertStats(ctx, s.Stats()); err != nil {
		return fmt.Errorf("sim: saving stats: %w", err)
	}
	return nil
}

// Simulate runs one opportunity through the full friction model and persists
// a paper trade row for every attempt, skips included.
func (s *Simulator) Simulate(ctx context.Context, opp domain.Opportunity) {
	if err := s.deps.Opps.Log(ctx, opp); err != nil {
		s.logger.Warn("opportunity log failed", slog.String("error", err.Error()))
	}
	if opp.Status == domain.OppSkipped {
		return
	}

	cfg := s.deps.Snapshot().Sim
	pt := s.paperFrom(opp)
	log := s.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("kind", string(pt.ArbKind)),
		slog.Float64("spread_pct", pt.OriginalSpread))

	// Pre-flight filters. Each failure is a named skip recorded for
	// missed-revenue analysis.
	if reason := s.preflight(cfg, opp, pt); reason != "" {
		log.Info("simulated trade skipped", slog.String("reason", reason))
		s.recordSkip(ctx, opp.ID, pt, reason)
		return
	}

	// Latency: the quoted spread ages while the simulated legs travel.
	delay := cfg.ExecDelayMinSec + s.deps.Rand.Float64()*(cfg.ExecDelayMaxSec-cfg.ExecDelayMinSec)
	s.deps.Sleep(ctx, time.Duration(delay*float64(time.Second)))
	if ctx.Err() != nil {
		return
	}

	pt.ExecutedSpread = pt.OriginalSpread - s.drift(delay, cfg.DriftVolatilityPerSec)
	if pt.ExecutedSpread <= 0 {
		reason := fmt.Sprintf("spread collapsed to %.2f%% during %.1fs execution latency (drift)",
			pt.ExecutedSpread, delay)
		log.Info("simulated execution failed", slog.String("reason", reason))
		s.recordFailure(ctx, opp.ID, pt, reason)
		return
	}

	// Sizing, with a chance of a partial fill.
	s.mu.Lock()
	balance := s.stats.Balance
	s.mu.Unlock()
	size := balance * cfg.MaxPositionPct / 100
	if size > cfg.MaxPositionUSD {
		size = cfg.MaxPositionUSD
	}
	partial := false
	if s.deps.Rand.Float64() < cfg.PartialFillChance {
		partial = true
		size *= cfg.PartialFillMinPct + s.deps.Rand.Float64()*(1-cfg.PartialFillMinPct)
	}
	pt.SizeUSD = size

	// Execution outcome per the family risk profile.
	prof := profileFor(pt.ArbKind)
	if s.deps.Rand.Float64() < prof.execFailureRate {
		reason := "venue rejected or timed out one leg"
		log.Info("simulated execution failed", slog.String("reason", reason))
		s.recordFailure(ctx, opp.ID, pt, reason)
		return
	}

	if s.deps.Rand.Float64() < prof.lossRate {
		maxLoss := prof.maxLossPct(pt.OriginalSpread)
		lossPct := prof.lossMinPct + s.deps.Rand.Float64()*(maxLoss-prof.lossMinPct)
		pt.GrossProfitUSD = -size * lossPct / 100
		pt.NetProfitUSD = pt.GrossProfitUSD
		s.recordResolved(ctx, opp.ID, pt, domain.PaperLost,
			fmt.Sprintf("adverse resolution: %.1f%% loss", lossPct), partial)
		return
	}

	// Success: frictions shave the spread, then fees take their share of
	// what is left.
	profitPct := pt.ExecutedSpread - cfg.AvgSlippagePct - cfg.SpreadCostPct
	pt.SlippagePct = cfg.AvgSlippagePct
	gross := size * profitPct / 100
	feePct := avgFeePct(pt.ArbKind, pt.VenueA, pt.VenueB)
	fees := 0.0
	if gross > 0 {
		fees = gross * feePct / 100
	}
	pt.GrossProfitUSD = gross
	pt.FeesUSD = fees
	pt.NetProfitUSD = gross - fees

	if pt.NetProfitUSD <= 0 {
		s.recordResolved(ctx, opp.ID, pt, domain.PaperLost,
			fmt.Sprintf("frictions ate the edge: %.2f%% spread left %.2f USD", pt.ExecutedSpread, pt.NetProfitUSD), partial)
		return
	}
	s.recordResolved(ctx, opp.ID, pt, domain.PaperWon, "", partial)
}

// paperFrom maps an opportunity's first two legs onto the simulator's A/B
// market pair. Dutch books repeat the venue on both sides.
func (s *Simulator) paperFrom(opp domain.Opportunity) domain.PaperTrade {
	pt := domain.PaperTrade{
		TenantID:       s.deps.TenantID,
		ArbKind:        opp.Kind,
		OriginalSpread: opp.ProfitPct,
		CreatedAt:      time.Now().UTC(),
	}
	if len(opp.Legs) > 0 {
		a := opp.Legs[0]
		pt.VenueA, pt.MarketAID, pt.MarketATitle, pt.PriceA = a.Venue, a.MarketID, a.Title, a.Price
	}
	if len(opp.Legs) > 1 {
		b := opp.Legs[1]
		pt.VenueB, pt.MarketBID, pt.MarketBTitle, pt.PriceB = b.Venue, b.MarketID, b.Title, b.Price
	} else {
		pt.VenueB, pt.MarketBID, pt.MarketBTitle, pt.PriceB = pt.VenueA, pt.MarketAID, pt.MarketATitle, pt.PriceA
	}
	return pt
}

// preflight returns the first failing filter's reason, or "".
func (s *Simulator) preflight(cfg config.SimConfig, opp domain.Opportunity, pt domain.PaperTrade) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()

	now := time.Now()
	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	for _, key := range pairKeys(pt) {
		stamps := s.cooldown[key]
		if n := len(stamps); n > 0 && now.Sub(stamps[n-1]) < cooldown {
			return fmt.Sprintf("Cooldown active on %s/%s: last trade %.0fs ago",
				key.Venue, key.MarketID, now.Sub(stamps[n-1]).Seconds())
		}
		if cfg.MaxTradesPerMarketPerDay > 0 && tradesToday(stamps, now) >= cfg.MaxTradesPerMarketPerDay {
			return fmt.Sprintf("market %s/%s hit its daily trade cap (%d)",
				key.Venue, key.MarketID, cfg.MaxTradesPerMarketPerDay)
		}
	}

	if cfg.MaxDailyTrades > 0 && s.dayCount >= cfg.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached (%d)", cfg.MaxDailyTrades)
	}

	if cfg.SkipSameVenueOverlap && pt.VenueA == pt.VenueB &&
		opp.Kind != domain.ArbSinglePlatform && opp.Kind != domain.ArbMultiOutcome {
		return "same-venue overlap pair: correlation, not arbitrage"
	}

	if cfg.MaxRealisticSpreadPct > 0 && pt.OriginalSpread > cfg.MaxRealisticSpreadPct {
		return fmt.Sprintf("spread %.1f%% above the %.0f%% realism ceiling: almost certainly bad data",
			pt.OriginalSpread, cfg.MaxRealisticSpreadPct)
	}

	if s.stats.Balance < cfg.MinPositionUSD {
		return fmt.Sprintf("balance %.2f USD below minimum position %.2f USD",
			s.stats.Balance, cfg.MinPositionUSD)
	}
	return ""
}

// drift returns the percentage points the spread lost to latency. 70% of the
// time the move is adverse and scales with delay; otherwise it is noise.
func (s *Simulator) drift(delaySec, volPerSec float64) float64 {
	if s.deps.Rand.Float64() < 0.7 {
		hi := delaySec * volPerSec
		if hi < 0.05 {
			hi = 0.05
		}
		return 0.05 + s.deps.Rand.Float64()*(hi-0.05)
	}
	return -0.05 + s.deps.Rand.Float64()*0.10
}

func pairKeys(pt domain.PaperTrade) []domain.MarketKey {
	a := domain.MarketKey{Venue: pt.VenueA, MarketID: pt.MarketAID}
	b := domain.MarketKey{Venue: pt.VenueB, MarketID: pt.MarketBID}
	if a == b {
		return []domain.MarketKey{a}
	}
	return []domain.MarketKey{a, b}
}

func tradesToday(stamps []time.Time, now time.Time) int {
	day := utcDay(now)
	n := 0
	for _, t := range stamps {
		if utcDay(t).Equal(day) {
			n++
		}
	}
	return n
}

// rolloverLocked resets the daily counter across the UTC day boundary and
// prunes cooldown stamps older than the current day.
func (s *Simulator) rolloverLocked() {
	today := utcDay(time.Now())
	if today.Equal(s.day) {
		return
	}
	s.day = today
	s.dayCount = 0
	for key, stamps := range s.cooldown {
		kept := stamps[:0]
		for _, t := range stamps {
			if utcDay(t).Equal(today) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.cooldown, key)
			continue
		}
		s.cooldown[key] = kept
	}
}

func (s *Simulator) recordSkip(ctx context.Context, oppID string, pt domain.PaperTrade, reason string) {
	pt.Outcome = domain.PaperSkipped
	pt.OutcomeReason = reason

	s.mu.Lock()
	s.stats.SkipCount++
	pt.BalanceAfter = s.stats.Balance
	s.mu.Unlock()

	s.persist(ctx, pt)
	s.setStatus(ctx, oppID, domain.OppSkipped, reason, nil)
}

func (s *Simulator) recordFailure(ctx context.Context, oppID string, pt domain.PaperTrade, reason string) {
	pt.Outcome = domain.PaperFailedExec
	pt.OutcomeReason = reason
	pt.GrossProfitUSD = 0
	pt.NetProfitUSD = 0

	s.mu.Lock()
	s.rolloverLocked()
	s.dayCount++
	s.stats.TradeCount++
	pt.BalanceAfter = s.stats.Balance
	s.markCooldownLocked(pt)
	s.mu.Unlock()

	s.persist(ctx, pt)
	s.setStatus(ctx, oppID, domain.OppFailed, reason, nil)
}

func (s *Simulator) recordResolved(ctx context.Context, oppID string, pt domain.PaperTrade, outcome domain.PaperOutcome, reason string, partial bool) {
	pt.Outcome = outcome
	pt.OutcomeReason = reason
	if partial && outcome == domain.PaperWon {
		pt.Outcome = domain.PaperPartialFill
	}

	s.mu.Lock()
	s.rolloverLocked()
	s.dayCount++
	s.stats.TradeCount++
	s.stats.TotalFeesUSD += pt.FeesUSD
	switch {
	case pt.NetProfitUSD > 0:
		s.stats.WinCount++
		s.stats.Balance += pt.NetProfitUSD
		s.stats.TotalPnLUSD += pt.NetProfitUSD
	default:
		s.stats.LossCount++
		s.stats.Balance -= -pt.NetProfitUSD
		s.stats.TotalPnLUSD += pt.NetProfitUSD
	}
	if pt.NetProfitUSD > s.stats.BestTradeUSD {
		s.stats.BestTradeUSD = pt.NetProfitUSD
	}
	if pt.NetProfitUSD < s.stats.WorstTradeUSD {
		s.stats.WorstTradeUSD = pt.NetProfitUSD
	}
	pt.BalanceAfter = s.stats.Balance
	s.markCooldownLocked(pt)
	s.mu.Unlock()

	now := time.Now().UTC()
	s.persist(ctx, pt)
	s.setStatus(ctx, oppID, domain.OppExecuted, reason, &now)

	s.logger.Info("simulated trade resolved",
		slog.String("outcome", string(pt.Outcome)),
		slog.Float64("size_usd", pt.SizeUSD),
		slog.Float64("net_usd", pt.NetProfitUSD),
		slog.Float64("balance", pt.BalanceAfter))
}

// markCooldownLocked appends a strictly monotonic stamp for both legs.
func (s *Simulator) markCooldownLocked(pt domain.PaperTrade) {
	now := time.Now()
	for _, key := range pairKeys(pt) {
		stamps := s.cooldown[key]
		if n := len(stamps); n > 0 && !now.After(stamps[n-1]) {
			now = stamps[n-1].Add(time.Nanosecond)
		}
		s.cooldown[key] = append(stamps, now)
	}
}

func (s *Simulator) persist(ctx context.Context, pt domain.PaperTrade) {
	if err := s.deps.Paper.LogPaperTrade(ctx, pt); err != nil {
		s.logger.Warn("paper trade log failed", slog.String("error", err.Error()))
	}
}

func (s *Simulator) setStatus(ctx context.Context, id string, status domain.OpportunityStatus, reason string, executedAt *time.Time) {
	if err := s.deps.Opps.UpdateStatus(ctx, id, status, reason, executedAt); err != nil {
		s.logger.Warn("opportunity status update failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()))
	}
}
