package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type meanrevCfg = config.MeanReversionConfig

// meanrevPosition tracks one open long and its high-water mark for the
// trailing stop.
type meanrevPosition struct {
	entry float64
	peak  float64
}

// MeanReversion buys watchlist stocks stretched below their moving average
// and sells the snap-back, with a trailing stop under the recovery.
type MeanReversion struct {
	Base

	open map[string]*meanrevPosition
}

// NewMeanReversion creates the scanner.
func NewMeanReversion(deps Deps) *MeanReversion {
	return &MeanReversion{
		Base: newBase("meanrev", deps),
		open: make(map[string]*meanrevPosition),
	}
}

// Run executes the scan loop until the context ends.
func (s *MeanReversion) Run(ctx context.Context) error {
	return s.loop(ctx, 5*time.Minute, s.tick)
}

func (s *MeanReversion) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().MeanReversion
	if !cfg.Enabled || len(cfg.Watchlist) == 0 {
		return nil
	}
	client := s.deps.Venues.Client(domain.VenueAlpaca)
	if client == nil {
		return nil
	}
	lookback := cfg.LookbackDays
	if lookback < 5 {
		lookback = 20
	}

	for _, symbol := range cfg.Watchlist {
		candles, err := client.GetOHLCV(ctx, symbol, "1d", lookback*2)
		if err != nil {
			s.logger.Warn("bars fetch failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
			continue
		}
		s.evaluate(ctx, symbol, candles, lookback, cfg)
	}
	return nil
}

func (s *MeanReversion) evaluate(ctx context.Context, symbol string, candles []domain.Candle, lookback int, cfg meanrevCfg) {
	if len(candles) < lookback {
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "insufficient history",
			map[string]float64{"bars": float64(len(candles))})
		return
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	sma := talib.Sma(closes, lookback)
	sigma := talib.StdDev(closes, lookback, 1.0)

	last := len(closes) - 1
	price := closes[last]
	if sigma[last] == 0 {
		return
	}
	z := (price - sma[last]) / sigma[last]
	metrics := map[string]float64{"z": z, "sma": sma[last], "sigma": sigma[last], "price": price}

	if pos, held := s.open[symbol]; held {
		if price > pos.peak {
			pos.peak = price
		}
		s.evaluateExit(ctx, symbol, price, z, pos, cfg, metrics)
		return
	}

	if z > -cfg.EntryZ {
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "inside entry band", metrics)
		return
	}

	s.logScan(ctx, domain.VenueAlpaca, symbol, true, "stretched below mean", metrics)
	s.emitOrder(ctx, symbol, domain.SideBuy, price, cfg.PositionUSD, -z)
	s.open[symbol] = &meanrevPosition{entry: price, peak: price}
}

func (s *MeanReversion) evaluateExit(ctx context.Context, symbol string, price, z float64, pos *meanrevPosition, cfg meanrevCfg, metrics map[string]float64) {
	metrics["peak"] = pos.peak

	var reason string
	switch {
	case z >= -cfg.ExitZ:
		reason = "reverted to mean"
	case cfg.TrailingStopPct > 0 && price <= pos.peak*(1-cfg.TrailingStopPct/100):
		reason = "trailing stop"
	default:
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "holding", metrics)
		return
	}

	s.logScan(ctx, domain.VenueAlpaca, symbol, true, reason, metrics)
	s.emitOrder(ctx, symbol, domain.SideSell, price, cfg.PositionUSD, 0)
	delete(s.open, symbol)
}

func (s *MeanReversion) emitOrder(ctx context.Context, symbol string, side domain.Side, price, positionUSD, score float64) {
	size := positionUSD / price
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbMeanReversion,
		Legs: []domain.Leg{{
			Side: side, Venue: domain.VenueAlpaca, MarketID: symbol,
			Title: symbol, Price: price, MaxSize: size,
		}},
		MaxSize:    size,
		Confidence: 1,
		Score:      score,
	})
}
