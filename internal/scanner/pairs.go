package scanner

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type pairsCfg = config.PairsConfig

// pairsPosition is the open two-legged position, nil when flat.
type pairsPosition struct {
	// shortA is true when the entry shorted symbol A against a long B.
	shortA   bool
	openedAt time.Time
}

// Pairs trades the spread A − β·B between two cointegrated symbols: enter
// when the spread's z-score stretches, exit when it reverts, bail when it
// keeps diverging or the hold ages out.
type Pairs struct {
	Base

	venue domain.Venue
	open  *pairsPosition
}

// NewPairs creates the scanner.
func NewPairs(deps Deps) *Pairs {
	return &Pairs{Base: newBase("pairs", deps)}
}

// Run executes the scan loop until the context ends.
func (s *Pairs) Run(ctx context.Context) error {
	return s.loop(ctx, time.Minute, s.tick)
}

func (s *Pairs) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().Pairs
	if !cfg.Enabled || cfg.SymbolA == "" || cfg.SymbolB == "" {
		return nil
	}
	window := cfg.Window
	if window < 10 {
		window = 60
	}

	closesA, err := s.closes(ctx, cfg.SymbolA, window)
	if err != nil {
		return fmt.Errorf("pairs history %s: %w", cfg.SymbolA, err)
	}
	closesB, err := s.closes(ctx, cfg.SymbolB, window)
	if err != nil {
		return fmt.Errorf("pairs history %s: %w", cfg.SymbolB, err)
	}
	n := len(closesA)
	if len(closesB) < n {
		n = len(closesB)
	}
	if n < window/2 {
		s.logScan(ctx, s.venue, pairKey(cfg), false, "insufficient history",
			map[string]float64{"bars": float64(n)})
		return nil
	}
	closesA, closesB = closesA[len(closesA)-n:], closesB[len(closesB)-n:]

	beta := cfg.Beta
	if beta == 0 {
		beta = 1
	}
	spread := make([]float64, n)
	for i := range spread {
		spread[i] = closesA[i] - beta*closesB[i]
	}

	mean := stat.Mean(spread, nil)
	sigma := stat.StdDev(spread, nil)
	if sigma == 0 {
		return nil
	}
	z := (spread[n-1] - mean) / sigma

	priceA, priceB := closesA[n-1], closesB[n-1]
	metrics := map[string]float64{"z": z, "mean": mean, "sigma": sigma}

	if s.open != nil {
		s.evaluateExit(ctx, z, priceA, priceB, cfg, metrics)
		return nil
	}

	if math.Abs(z) < cfg.EntryZ {
		s.logScan(ctx, s.venue, pairKey(cfg), false, "spread within entry band", metrics)
		return nil
	}

	// Rich spread: short A, long B. Cheap spread: the reverse.
	shortA := z > 0
	s.logScan(ctx, s.venue, pairKey(cfg), true, "spread stretched", metrics)
	s.emitPair(ctx, cfg, shortA, priceA, priceB, z)
	s.open = &pairsPosition{shortA: shortA, openedAt: time.Now().UTC()}
	return nil
}

func (s *Pairs) evaluateExit(ctx context.Context, z, priceA, priceB float64, cfg pairsCfg, metrics map[string]float64) {
	heldHours := time.Since(s.open.openedAt).Hours()
	metrics["held_hours"] = heldHours

	var reason string
	switch {
	case math.Abs(z) <= cfg.ExitZ:
		reason = "spread reverted"
	case cfg.StopZ > 0 && math.Abs(z) > cfg.StopZ:
		reason = "spread diverged past stop"
	case cfg.MaxHoldHours > 0 && heldHours > cfg.MaxHoldHours:
		reason = "max hold reached"
	default:
		s.logScan(ctx, s.venue, pairKey(cfg), false, "holding", metrics)
		return
	}

	s.logScan(ctx, s.venue, pairKey(cfg), true, reason, metrics)
	// Closing flips the entry legs.
	s.emitPair(ctx, cfg, !s.open.shortA, priceA, priceB, z)
	s.open = nil
}

func (s *Pairs) emitPair(ctx context.Context, cfg pairsCfg, shortA bool, priceA, priceB, z float64) {
	sideA, sideB := domain.SideSell, domain.SideBuy
	if !shortA {
		sideA, sideB = domain.SideBuy, domain.SideSell
	}
	half := cfg.PositionUSD / 2

	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbPairs,
		Legs: []domain.Leg{
			{Side: sideA, Venue: s.venue, MarketID: cfg.SymbolA,
				Title: cfg.SymbolA, Price: priceA, MaxSize: half / priceA},
			{Side: sideB, Venue: s.venue, MarketID: cfg.SymbolB,
				Title: cfg.SymbolB, Price: priceB, MaxSize: half / priceB},
		},
		MaxSize:    half / priceA,
		Confidence: 1,
		Score:      math.Abs(z),
	})
}

// closes fetches hourly closing prices, oldest first.
func (s *Pairs) closes(ctx context.Context, symbol string, limit int) ([]float64, error) {
	candles, err := s.candles(ctx, symbol, "1h", limit)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out, nil
}

// candles reads OHLCV from whichever enabled venue quotes the symbol,
// remembering the venue once found.
func (s *Pairs) candles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if s.venue != "" {
		return s.deps.Venues.Client(s.venue).GetOHLCV(ctx, symbol, timeframe, limit)
	}
	for v := range s.deps.Venues.Clients {
		candles, err := s.deps.Venues.Client(v).GetOHLCV(ctx, symbol, timeframe, limit)
		if err != nil || len(candles) == 0 {
			continue
		}
		s.venue = v
		return candles, nil
	}
	return nil, domain.ErrNotFound
}

func pairKey(cfg pairsCfg) string {
	return cfg.SymbolA + "/" + cfg.SymbolB
}
