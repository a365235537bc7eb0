package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type gridCfg = config.GridConfig

// gridLevel is one resting grid rung. A triggered rung flips side and
// re-arms at the same price, so a fill on the way down is harvested on the
// way back up.
type gridLevel struct {
	price float64
	side  domain.Side
}

// Grid runs a symmetric price grid on one symbol: buys ladder below the
// anchor, sells ladder above, and a breakout past the stop or target tears
// the grid down.
type Grid struct {
	Base

	venue    domain.Venue
	anchor   float64
	levels   []gridLevel
	position float64 // net units accumulated by triggered rungs
}

// NewGrid creates the scanner.
func NewGrid(deps Deps) *Grid {
	return &Grid{Base: newBase("grid", deps)}
}

// Run executes the scan loop until the context ends.
func (s *Grid) Run(ctx context.Context) error {
	return s.loop(ctx, time.Minute, s.tick)
}

func (s *Grid) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().Grid
	if !cfg.Enabled || cfg.Symbol == "" || cfg.Levels < 2 {
		return nil
	}

	price, err := s.lastPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("grid price %s: %w", cfg.Symbol, err)
	}

	if s.anchor == 0 {
		s.rebuild(ctx, price, cfg)
		return nil
	}

	if reason, breakout := s.breakout(price, cfg); breakout {
		s.teardown(ctx, price, cfg, reason)
		s.rebuild(ctx, price, cfg)
		return nil
	}

	s.fire(ctx, price, cfg)
	return nil
}

// lastPrice reads the symbol's last trade from whichever enabled venue
// quotes it, remembering the venue once found.
func (s *Grid) lastPrice(ctx context.Context, symbol string) (float64, error) {
	if s.venue != "" {
		t, err := s.deps.Venues.Client(s.venue).GetTicker(ctx, symbol)
		if err != nil {
			return 0, err
		}
		return t.Last, nil
	}
	for v := range s.deps.Venues.Clients {
		t, err := s.deps.Venues.Client(v).GetTicker(ctx, symbol)
		if err != nil || t.Last <= 0 {
			continue
		}
		s.venue = v
		return t.Last, nil
	}
	return 0, domain.ErrNotFound
}

// rebuild lays a fresh grid centered on price: buys below, sells above,
// evenly spaced across ±range.
func (s *Grid) rebuild(ctx context.Context, price float64, cfg gridCfg) {
	s.anchor = price
	s.position = 0
	s.levels = s.levels[:0]

	span := price * cfg.RangePct / 100
	step := 2 * span / float64(cfg.Levels)
	for i := 1; i <= cfg.Levels/2; i++ {
		s.levels = append(s.levels,
			gridLevel{price: price - float64(i)*step, side: domain.SideBuy},
			gridLevel{price: price + float64(i)*step, side: domain.SideSell},
		)
	}

	s.logger.Info("grid rebuilt")
	s.logScan(ctx, s.venue, cfg.Symbol, true, "grid rebuilt",
		map[string]float64{"anchor": price, "levels": float64(len(s.levels)), "step": step})
}

func (s *Grid) breakout(price float64, cfg gridCfg) (string, bool) {
	if cfg.StopLossPct > 0 && price <= s.anchor*(1-cfg.StopLossPct/100) {
		return "stop loss breakout", true
	}
	if cfg.TakeProfitPct > 0 && price >= s.anchor*(1+cfg.TakeProfitPct/100) {
		return "take profit breakout", true
	}
	return "", false
}

// teardown flattens whatever the grid accumulated before it is rebuilt.
func (s *Grid) teardown(ctx context.Context, price float64, cfg gridCfg, reason string) {
	s.logScan(ctx, s.venue, cfg.Symbol, true, reason,
		map[string]float64{"price": price, "anchor": s.anchor, "position": s.position})
	if s.position == 0 {
		return
	}

	side := domain.SideSell
	size := s.position
	if size < 0 {
		side = domain.SideBuy
		size = -size
	}
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbGrid,
		Legs: []domain.Leg{{
			Side: side, Venue: s.venue, MarketID: cfg.Symbol,
			Title: cfg.Symbol + " grid close", Price: price, MaxSize: size,
		}},
		MaxSize:    size,
		Confidence: 1,
	})
}

// fire triggers every rung the price has crossed, flipping each to the
// opposite side at the same price.
func (s *Grid) fire(ctx context.Context, price float64, cfg gridCfg) {
	size := cfg.OrderSizeUSD / price
	for i := range s.levels {
		lvl := &s.levels[i]
		crossed := (lvl.side == domain.SideBuy && price <= lvl.price) ||
			(lvl.side == domain.SideSell && price >= lvl.price)
		if !crossed {
			continue
		}

		s.logScan(ctx, s.venue, cfg.Symbol, true, "grid level crossed",
			map[string]float64{"level": lvl.price, "price": price})
		s.emit(ctx, domain.Opportunity{
			Kind: domain.ArbGrid,
			Legs: []domain.Leg{{
				Side: lvl.side, Venue: s.venue, MarketID: cfg.Symbol,
				Title: cfg.Symbol + " grid", Price: lvl.price, MaxSize: size,
			}},
			MaxSize:    size,
			Confidence: 1,
		})

		if lvl.side == domain.SideBuy {
			s.position += size
			lvl.side = domain.SideSell
		} else {
			s.position -= size
			lvl.side = domain.SideBuy
		}
	}
}
