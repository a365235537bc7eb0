package scanner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type fundingCfg = config.FundingConfig

// Funding captures perpetual funding payments delta-neutrally: short the
// perp and hold spot while the annualized rate clears the entry floor, exit
// when the rate decays or the hold ages out.
type Funding struct {
	Base

	// entries tracks positions this scanner has signaled into, keyed by
	// venue+perp symbol, so it can signal the exit.
	entries map[domain.MarketKey]time.Time
}

// NewFunding creates the scanner.
func NewFunding(deps Deps) *Funding {
	return &Funding{
		Base:    newBase("funding", deps),
		entries: make(map[domain.MarketKey]time.Time),
	}
}

// Run executes the scan loop until the context ends.
func (s *Funding) Run(ctx context.Context) error {
	cfg := s.deps.Snapshot().Funding
	return s.loop(ctx, time.Duration(cfg.ScanIntervalSec)*time.Second, s.tick)
}

func (s *Funding) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().Funding
	if !cfg.Enabled {
		return nil
	}

	for v, client := range s.deps.Venues.Funding {
		rates, err := client.GetFundingRates(ctx)
		if err != nil {
			return fmt.Errorf("fetch %s funding rates: %w", v, err)
		}
		for symbol, rate := range rates {
			key := domain.MarketKey{Venue: v, MarketID: symbol}
			if enteredAt, open := s.entries[key]; open {
				s.evaluateExit(ctx, key, rate, enteredAt, cfg)
			} else {
				s.evaluateEntry(ctx, key, rate, cfg)
			}
		}
	}
	return nil
}

func (s *Funding) evaluateEntry(ctx context.Context, key domain.MarketKey, rate domain.FundingRate, cfg fundingCfg) {
	apy := rate.AnnualizedPct()
	metrics := map[string]float64{
		"apy_pct": apy,
		"rate":    rate.Rate,
	}

	// Only positive funding is harvestable delta-neutrally here: the short
	// perp leg collects while spot hedges it.
	if apy < cfg.MinAPYPct {
		s.logScan(ctx, key.Venue, key.MarketID, false, "apy below entry floor", metrics)
		return
	}

	if rate.IndexPrice > 0 {
		basisPct := (rate.MarkPrice - rate.IndexPrice) / rate.IndexPrice * 100
		metrics["basis_pct"] = basisPct
		if math.Abs(basisPct) > cfg.MaxBasisPct {
			s.logScan(ctx, key.Venue, key.MarketID, false, "basis too wide", metrics)
			return
		}
	}

	if !rate.NextFundingAt.IsZero() {
		hoursToFunding := time.Until(rate.NextFundingAt).Hours()
		metrics["hours_to_funding"] = hoursToFunding
		if hoursToFunding < cfg.MinHoursToFunding {
			s.logScan(ctx, key.Venue, key.MarketID, false, "funding too imminent", metrics)
			return
		}
	}

	mark := rate.MarkPrice
	if mark <= 0 {
		s.logScan(ctx, key.Venue, key.MarketID, false, "no mark price", metrics)
		return
	}
	size := cfg.PositionUSD / mark

	s.logScan(ctx, key.Venue, key.MarketID, true, "funding capture entry", metrics)
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbFundingRate,
		Legs: []domain.Leg{
			{Side: domain.SideSell, Venue: key.Venue, MarketID: key.MarketID,
				Title: key.MarketID + " perp", Price: mark, MaxSize: size},
			{Side: domain.SideBuy, Venue: key.Venue, MarketID: spotSymbol(key.MarketID),
				Title: spotSymbol(key.MarketID) + " spot", Price: mark, MaxSize: size},
		},
		ProfitPct:      apy,
		MaxSize:        size,
		TotalProfitUSD: cfg.PositionUSD * apy / 100 / 365 * cfg.MaxHoldHours / 24,
		Confidence:     1,
		Score:          apy,
	})
	s.entries[key] = time.Now().UTC()
}

func (s *Funding) evaluateExit(ctx context.Context, key domain.MarketKey, rate domain.FundingRate, enteredAt time.Time, cfg fundingCfg) {
	apy := rate.AnnualizedPct()
	heldHours := time.Since(enteredAt).Hours()

	var reason string
	switch {
	case apy < cfg.ExitAPYPct:
		reason = "apy decayed below exit floor"
	case cfg.MaxHoldHours > 0 && heldHours > cfg.MaxHoldHours:
		reason = "max hold reached"
	default:
		return
	}

	mark := rate.MarkPrice
	size := cfg.PositionUSD / math.Max(mark, 1e-9)
	s.logScan(ctx, key.Venue, key.MarketID, true, reason,
		map[string]float64{"apy_pct": apy, "held_hours": heldHours})
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbFundingRate,
		Legs: []domain.Leg{
			{Side: domain.SideBuy, Venue: key.Venue, MarketID: key.MarketID,
				Title: key.MarketID + " perp close", Price: mark, MaxSize: size},
			{Side: domain.SideSell, Venue: key.Venue, MarketID: spotSymbol(key.MarketID),
				Title: spotSymbol(key.MarketID) + " spot close", Price: mark, MaxSize: size},
		},
		MaxSize:    size,
		Confidence: 1,
	})
	delete(s.entries, key)
}

// spotSymbol maps a perp instrument to its spot counterpart. Venues that
// share one symbol across both books pass through unchanged.
func spotSymbol(perp string) string {
	return strings.TrimSuffix(perp, "-SWAP")
}
