package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type momentumCfg = config.MomentumConfig

const (
	rsiPeriod     = 14
	momentumBars  = 40
	rsiOverbought = 70
	volumeAvgBars = 20
)

// Composite weights over the five momentum components.
const (
	weightReturn1d  = 0.20
	weightReturn5d  = 0.30
	weightReturn20d = 0.20
	weightRSI       = 0.15
	weightVolume    = 0.15
)

// momentumPosition tracks one open long and its high-water mark.
type momentumPosition struct {
	entry float64
	peak  float64
}

// Momentum scores watchlist stocks on a weighted blend of trailing returns,
// RSI, and volume surge, buying strong composites and trailing a stop under
// winners.
type Momentum struct {
	Base

	open map[string]*momentumPosition
}

// NewMomentum creates the scanner.
func NewMomentum(deps Deps) *Momentum {
	return &Momentum{
		Base: newBase("momentum", deps),
		open: make(map[string]*momentumPosition),
	}
}

// Run executes the scan loop until the context ends.
func (s *Momentum) Run(ctx context.Context) error {
	return s.loop(ctx, 5*time.Minute, s.tick)
}

func (s *Momentum) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().Momentum
	if !cfg.Enabled || len(cfg.Watchlist) == 0 {
		return nil
	}
	client := s.deps.Venues.Client(domain.VenueAlpaca)
	if client == nil {
		return nil
	}

	for _, symbol := range cfg.Watchlist {
		candles, err := client.GetOHLCV(ctx, symbol, "1d", momentumBars)
		if err != nil {
			s.logger.Warn("bars fetch failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
			continue
		}
		s.evaluate(ctx, symbol, candles, cfg)
	}
	return nil
}

func (s *Momentum) evaluate(ctx context.Context, symbol string, candles []domain.Candle, cfg momentumCfg) {
	if len(candles) < volumeAvgBars+1 {
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "insufficient history",
			map[string]float64{"bars": float64(len(candles))})
		return
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	last := len(closes) - 1
	price := closes[last]

	rsi := talib.Rsi(closes, rsiPeriod)[last]
	score := compositeMomentum(closes, volumes, rsi)
	metrics := map[string]float64{"score": score, "rsi": rsi, "price": price}

	if pos, held := s.open[symbol]; held {
		if price > pos.peak {
			pos.peak = price
		}
		s.evaluateExit(ctx, symbol, price, pos, cfg, metrics)
		return
	}

	var signal string
	switch {
	case score >= cfg.StrongBuyScore && rsi < rsiOverbought:
		signal = "strong buy"
	case score >= cfg.BuyScore:
		signal = "buy"
	default:
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "composite below buy score", metrics)
		return
	}

	confidence := 0.75
	if signal == "strong buy" {
		confidence = 0.95
	}
	s.logScan(ctx, domain.VenueAlpaca, symbol, true, signal, metrics)

	size := cfg.PositionUSD / price
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbMomentum,
		Legs: []domain.Leg{{
			Side: domain.SideBuy, Venue: domain.VenueAlpaca, MarketID: symbol,
			Title: symbol, Price: price, MaxSize: size,
		}},
		MaxSize:    size,
		Confidence: confidence,
		Score:      score,
	})
	s.open[symbol] = &momentumPosition{entry: price, peak: price}
}

func (s *Momentum) evaluateExit(ctx context.Context, symbol string, price float64, pos *momentumPosition, cfg momentumCfg, metrics map[string]float64) {
	metrics["peak"] = pos.peak
	if cfg.TrailingStopPct <= 0 || price > pos.peak*(1-cfg.TrailingStopPct/100) {
		s.logScan(ctx, domain.VenueAlpaca, symbol, false, "holding", metrics)
		return
	}

	s.logScan(ctx, domain.VenueAlpaca, symbol, true, "trailing stop", metrics)
	size := cfg.PositionUSD / price
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbMomentum,
		Legs: []domain.Leg{{
			Side: domain.SideSell, Venue: domain.VenueAlpaca, MarketID: symbol,
			Title: symbol, Price: price, MaxSize: size,
		}},
		MaxSize:    size,
		Confidence: 1,
	})
	delete(s.open, symbol)
}

// compositeMomentum blends trailing returns, RSI, and volume surge into a
// 0-100 score. Each return component maps its percent move onto 0-100
// around a neutral 50; the volume component rewards trading above the
// 20-day average.
func compositeMomentum(closes, volumes []float64, rsi float64) float64 {
	last := len(closes) - 1

	r1 := returnScore(closes, last, 1, 10)
	r5 := returnScore(closes, last, 5, 4)
	r20 := returnScore(closes, last, 20, 2)

	var avgVol float64
	for _, v := range volumes[len(volumes)-volumeAvgBars:] {
		avgVol += v
	}
	avgVol /= volumeAvgBars
	volScore := 50.0
	if avgVol > 0 {
		volScore = clamp(volumes[last]/avgVol*50, 0, 100)
	}

	return r1*weightReturn1d + r5*weightReturn5d + r20*weightReturn20d +
		rsi*weightRSI + volScore*weightVolume
}

// returnScore maps the percent return over the window onto 0-100, neutral
// at 50, saturating at ±50/gain percent.
func returnScore(closes []float64, last, window int, gain float64) float64 {
	if last-window < 0 || closes[last-window] <= 0 {
		return 50
	}
	retPct := (closes[last] - closes[last-window]) / closes[last-window] * 100
	return clamp(50+retPct*gain, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
