package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type mmCfg = config.MarketMakerConfig

// MarketMaker quotes both sides of liquid prediction markets around the book
// mid, skewing the quotes against accumulated inventory so fills mean-revert
// the position instead of growing it.
type MarketMaker struct {
	Base

	// inventoryUSD is signed net exposure per quoted market, updated from
	// venue positions each refresh.
	inventoryUSD map[domain.MarketKey]float64
}

// NewMarketMaker creates the scanner.
func NewMarketMaker(deps Deps) *MarketMaker {
	return &MarketMaker{
		Base:         newBase("marketmaker", deps),
		inventoryUSD: make(map[domain.MarketKey]float64),
	}
}

// Run executes the quote refresh loop until the context ends.
func (s *MarketMaker) Run(ctx context.Context) error {
	cfg := s.deps.Snapshot().MarketMaker
	return s.loop(ctx, time.Duration(cfg.RefreshSec)*time.Second, s.tick)
}

func (s *MarketMaker) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().MarketMaker
	if !cfg.Enabled {
		return nil
	}

	s.refreshInventory(ctx)

	for v, lister := range s.deps.Venues.Listers {
		markets, err := lister.ListMarkets(ctx, 500)
		if err != nil {
			return fmt.Errorf("list %s markets: %w", v, err)
		}
		for _, mkt := range markets {
			s.quoteMarket(ctx, mkt, cfg)
		}
	}
	return nil
}

// refreshInventory reads venue positions so the skew reflects fills that
// happened since the last refresh.
func (s *MarketMaker) refreshInventory(ctx context.Context) {
	for v := range s.deps.Venues.Clients {
		client := s.deps.Venues.Client(v)
		positions, err := client.GetPositions(ctx, "")
		if err != nil {
			continue
		}
		for _, p := range positions {
			key := domain.MarketKey{Venue: v, MarketID: p.Symbol}
			exposure := p.Size * p.MarkPrice
			if p.Side == domain.SideSell {
				exposure = -exposure
			}
			s.inventoryUSD[key] = exposure
		}
	}
}

func (s *MarketMaker) quoteMarket(ctx context.Context, mkt domain.Market, cfg mmCfg) {
	if mkt.Volume24h < cfg.MinVolumeUSD {
		s.logScan(ctx, mkt.Venue, mkt.ID, false, "volume below floor",
			map[string]float64{"volume_24h": mkt.Volume24h})
		return
	}
	if mkt.ResolvesAt != nil {
		hoursLeft := time.Until(*mkt.ResolvesAt).Hours()
		if hoursLeft < cfg.MinHoursToResolve {
			s.logScan(ctx, mkt.Venue, mkt.ID, false, "too close to resolution",
				map[string]float64{"hours_to_resolve": hoursLeft})
			return
		}
	}

	symbol := yesSymbol(mkt)
	snap, err := s.book(ctx, mkt.Venue, symbol, 1)
	if err != nil || snap.BestBid() <= 0 || snap.BestAsk() <= 0 {
		s.logScan(ctx, mkt.Venue, mkt.ID, false, "no two-sided book", nil)
		return
	}
	mid := (snap.BestBid() + snap.BestAsk()) / 2

	inventory := s.inventoryUSD[domain.MarketKey{Venue: mkt.Venue, MarketID: symbol}]
	bid, ask := quotePrices(mid, cfg.SpreadBps, inventory, cfg.MaxInventoryUSD, cfg.InventorySkewFactor)
	if bid <= 0 || ask >= 1 || bid >= ask {
		s.logScan(ctx, mkt.Venue, mkt.ID, false, "quotes out of range",
			map[string]float64{"bid": bid, "ask": ask, "inventory_usd": inventory})
		return
	}

	quoteSize := cfg.QuoteSizeUSD / mid
	legs := make([]domain.Leg, 0, 2)
	// Over the inventory cap, quote only the side that reduces the position.
	if cfg.MaxInventoryUSD <= 0 || inventory < cfg.MaxInventoryUSD {
		legs = append(legs, domain.Leg{
			Side: domain.SideBuy, Venue: mkt.Venue, MarketID: symbol,
			Title: mkt.Title, Price: bid, MaxSize: quoteSize,
		})
	}
	if cfg.MaxInventoryUSD <= 0 || inventory > -cfg.MaxInventoryUSD {
		legs = append(legs, domain.Leg{
			Side: domain.SideSell, Venue: mkt.Venue, MarketID: symbol,
			Title: mkt.Title, Price: ask, MaxSize: quoteSize,
		})
	}
	if len(legs) == 0 {
		s.logScan(ctx, mkt.Venue, mkt.ID, false, "inventory cap on both sides",
			map[string]float64{"inventory_usd": inventory})
		return
	}

	spreadPct := (ask - bid) / mid * 100
	metrics := map[string]float64{
		"mid":           mid,
		"bid":           bid,
		"ask":           ask,
		"spread_pct":    spreadPct,
		"inventory_usd": inventory,
	}
	s.logScan(ctx, mkt.Venue, mkt.ID, true, "quoting", metrics)
	s.emit(ctx, domain.Opportunity{
		Kind:              domain.ArbMarketMaker,
		Legs:              legs,
		ProfitPerContract: ask - bid,
		ProfitPct:         spreadPct,
		MaxSize:           quoteSize,
		TotalProfitUSD:    (ask - bid) * quoteSize,
		Confidence:        ageConfidence(snap.Timestamp, 10*time.Second),
		Score:             spreadPct,
	})
}

// quotePrices centers a spreadBps-wide quote on mid, shifted down as long
// inventory grows and up as short inventory grows. The shift is the
// inventory fraction of the cap scaled by the skew factor, applied in units
// of the half-spread.
func quotePrices(mid float64, spreadBps int, inventoryUSD, maxInventoryUSD, skewFactor float64) (bid, ask float64) {
	half := mid * float64(spreadBps) / 10_000 / 2

	var skew float64
	if maxInventoryUSD > 0 {
		skew = inventoryUSD / maxInventoryUSD * skewFactor * half
	}
	return mid - half - skew, mid + half - skew
}
