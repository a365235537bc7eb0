package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue"
	"github.com/tradefleet/tradefleet/internal/venue/polymarket"
)

// fakeClient is a canned-data venue client for strategy tests.
type fakeClient struct {
	venue   domain.Venue
	tickers map[string]domain.Ticker
	candles map[string][]domain.Candle
}

func (f *fakeClient) Venue() domain.Venue { return f.venue }

func (f *fakeClient) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return domain.Ticker{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeClient) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	out := make(map[string]domain.Ticker)
	for _, s := range symbols {
		if t, err := f.GetTicker(ctx, s); err == nil {
			out[s] = t
		}
	}
	return out, nil
}

func (f *fakeClient) GetOrderBook(context.Context, string, int) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{}, domain.ErrNotFound
}

func (f *fakeClient) GetOHLCV(_ context.Context, symbol, _ string, _ int) ([]domain.Candle, error) {
	c, ok := f.candles[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeClient) GetBalance(context.Context, string) (map[string]domain.Balance, error) {
	return nil, domain.ErrNotSupported
}

func (f *fakeClient) GetPositions(context.Context, string) ([]domain.Position, error) {
	return nil, domain.ErrNotSupported
}

func (f *fakeClient) CreateOrder(context.Context, domain.OrderRequest) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotSupported
}

func (f *fakeClient) CancelOrder(context.Context, string, string) (bool, error) {
	return false, domain.ErrNotSupported
}

func (f *fakeClient) GetOrder(context.Context, string, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotSupported
}

func (f *fakeClient) GetOpenOrders(context.Context, string) ([]domain.Order, error) {
	return nil, domain.ErrNotSupported
}

func (f *fakeClient) Fees() domain.FeeSchedule { return domain.FeeSchedule{} }

type fakeFunding struct {
	rates map[string]domain.FundingRate
}

func (f *fakeFunding) GetFundingRate(_ context.Context, symbol string) (domain.FundingRate, error) {
	return f.rates[symbol], nil
}

func (f *fakeFunding) GetFundingRates(context.Context) (map[string]domain.FundingRate, error) {
	return f.rates, nil
}

func (f *fakeFunding) GetFundingRateHistory(context.Context, string, int) ([]domain.FundingRate, error) {
	return nil, domain.ErrNotSupported
}

func (f *fakeFunding) SetLeverage(context.Context, string, float64) error { return nil }

func TestQuotePrices(t *testing.T) {
	bid, ask := quotePrices(0.50, 200, 0, 1000, 0.5)
	assert.InDelta(t, 0.495, bid, 1e-9)
	assert.InDelta(t, 0.505, ask, 1e-9)

	// Long half the inventory cap shifts both quotes down to favor sells.
	bid, ask = quotePrices(0.50, 200, 500, 1000, 0.5)
	assert.InDelta(t, 0.49375, bid, 1e-9)
	assert.InDelta(t, 0.50375, ask, 1e-9)

	// Short inventory shifts quotes up to favor buys.
	bid, ask = quotePrices(0.50, 200, -500, 1000, 0.5)
	assert.InDelta(t, 0.49625, bid, 1e-9)
	assert.InDelta(t, 0.50625, ask, 1e-9)
}

func TestReturnScore(t *testing.T) {
	closes := []float64{100, 101}
	assert.InDelta(t, 60, returnScore(closes, 1, 1, 10), 1e-9, "one percent gain at 10x gain adds 10 points")
	assert.InDelta(t, 50, returnScore(closes, 1, 5, 4), 1e-9, "window longer than history is neutral")

	surge := []float64{100, 120}
	assert.InDelta(t, 100, returnScore(surge, 1, 1, 10), 1e-9, "saturates at 100")
}

func TestEstimateWinRate(t *testing.T) {
	assert.Equal(t, 0.5, estimateWinRate(polymarket.LeaderboardEntry{}))
	assert.InDelta(t, 0.6, estimateWinRate(polymarket.LeaderboardEntry{VolumeUSD: 1000, ProfitUSD: 100}), 1e-9)
	assert.Equal(t, 0.5, estimateWinRate(polymarket.LeaderboardEntry{VolumeUSD: 1000, ProfitUSD: -400}))
	assert.Equal(t, 0.75, estimateWinRate(polymarket.LeaderboardEntry{VolumeUSD: 1000, ProfitUSD: 900}), "capped")
}

func gridDeps(t *testing.T, fc *fakeClient, cfg config.TenantConfig, out chan domain.Opportunity) Deps {
	t.Helper()
	deps := testDeps(newFakeBooks(), &fakeScans{}, nil, cfg, out)
	deps.Venues = &venue.Set{Clients: map[domain.Venue]domain.TradingClient{fc.venue: fc}}
	return deps
}

func TestGridFiresCrossedLevelsAndFlips(t *testing.T) {
	fc := &fakeClient{
		venue:   domain.VenueBybit,
		tickers: map[string]domain.Ticker{"BTCUSDT": {Symbol: "BTCUSDT", Last: 100}},
	}
	var cfg config.TenantConfig
	cfg.Grid = config.GridConfig{
		Enabled: true, Symbol: "BTCUSDT", RangePct: 10, Levels: 4,
		OrderSizeUSD: 100, StopLossPct: 10, TakeProfitPct: 10,
	}

	out := make(chan domain.Opportunity, 8)
	g := NewGrid(gridDeps(t, fc, cfg, out))
	ctx := context.Background()

	// First tick anchors the grid at 100 with rungs at 95/105/90/110.
	require.NoError(t, g.tick(ctx))
	assert.Empty(t, drain(out))
	assert.InDelta(t, 100, g.anchor, 1e-9)
	assert.Len(t, g.levels, 4)

	// Price drops through the first buy rung.
	fc.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 94}
	require.NoError(t, g.tick(ctx))
	opps := drain(out)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.ArbGrid, opps[0].Kind)
	assert.Equal(t, domain.SideBuy, opps[0].Legs[0].Side)
	assert.InDelta(t, 95, opps[0].Legs[0].Price, 1e-9)
	assert.Positive(t, g.position)

	// Recovery back through the flipped rung sells the same level.
	fc.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 96}
	require.NoError(t, g.tick(ctx))
	opps = drain(out)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.SideSell, opps[0].Legs[0].Side)
	assert.InDelta(t, 95, opps[0].Legs[0].Price, 1e-9)
}

func TestGridStopLossTearsDownAndRebuilds(t *testing.T) {
	fc := &fakeClient{
		venue:   domain.VenueBybit,
		tickers: map[string]domain.Ticker{"BTCUSDT": {Symbol: "BTCUSDT", Last: 100}},
	}
	var cfg config.TenantConfig
	cfg.Grid = config.GridConfig{
		Enabled: true, Symbol: "BTCUSDT", RangePct: 10, Levels: 4,
		OrderSizeUSD: 100, StopLossPct: 10,
	}

	out := make(chan domain.Opportunity, 8)
	g := NewGrid(gridDeps(t, fc, cfg, out))
	ctx := context.Background()

	require.NoError(t, g.tick(ctx))
	fc.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 94}
	require.NoError(t, g.tick(ctx))
	drain(out)
	require.Positive(t, g.position)

	fc.tickers["BTCUSDT"] = domain.Ticker{Symbol: "BTCUSDT", Last: 89}
	require.NoError(t, g.tick(ctx))

	opps := drain(out)
	require.Len(t, opps, 1, "teardown flattens the accumulated position")
	assert.Equal(t, domain.SideSell, opps[0].Legs[0].Side)
	assert.InDelta(t, 89, g.anchor, 1e-9, "grid re-anchors at the breakout price")
	assert.Zero(t, g.position)
}

func TestFundingEntryThenExit(t *testing.T) {
	feed := &fakeFunding{rates: map[string]domain.FundingRate{
		"BTC-USDT-SWAP": {
			Symbol: "BTC-USDT-SWAP", Rate: 0.0005, IntervalsPerYr: 1095,
			MarkPrice: 50_000, IndexPrice: 50_010,
			NextFundingAt: time.Now().Add(4 * time.Hour),
		},
	}}

	var cfg config.TenantConfig
	cfg.Funding = config.FundingConfig{
		Enabled: true, MinAPYPct: 30, ExitAPYPct: 10,
		MaxBasisPct: 0.5, MinHoursToFunding: 1, MaxHoldHours: 48, PositionUSD: 1000,
	}

	out := make(chan domain.Opportunity, 4)
	deps := testDeps(newFakeBooks(), &fakeScans{}, nil, cfg, out)
	deps.Venues = &venue.Set{
		Clients: map[domain.Venue]domain.TradingClient{},
		Funding: map[domain.Venue]domain.FundingRateClient{domain.VenueOKX: feed},
	}
	f := NewFunding(deps)
	ctx := context.Background()

	// APY 54.75% clears the 30% floor: short perp, long spot.
	require.NoError(t, f.tick(ctx))
	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, domain.ArbFundingRate, opp.Kind)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, domain.SideSell, opp.Legs[0].Side)
	assert.Equal(t, "BTC-USDT-SWAP", opp.Legs[0].MarketID)
	assert.Equal(t, domain.SideBuy, opp.Legs[1].Side)
	assert.Equal(t, "BTC-USDT", opp.Legs[1].MarketID, "spot leg drops the swap suffix")
	assert.InDelta(t, 54.75, opp.ProfitPct, 1e-9)

	// While open and healthy nothing new is emitted.
	require.NoError(t, f.tick(ctx))
	assert.Empty(t, drain(out))

	// Rate decay below the exit floor unwinds both legs.
	feed.rates["BTC-USDT-SWAP"] = domain.FundingRate{
		Symbol: "BTC-USDT-SWAP", Rate: 0.00005, IntervalsPerYr: 1095, MarkPrice: 50_000,
	}
	require.NoError(t, f.tick(ctx))
	opps = drain(out)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.SideBuy, opps[0].Legs[0].Side, "perp leg closes with a buy")
	assert.Equal(t, domain.SideSell, opps[0].Legs[1].Side)
}

func TestPairsEntryOnStretchedSpread(t *testing.T) {
	// B is flat at 100; A jumps 10 on the final bar, stretching the spread
	// well past two sigmas.
	window := 20
	candlesA := make([]domain.Candle, window)
	candlesB := make([]domain.Candle, window)
	for i := 0; i < window; i++ {
		candlesA[i] = domain.Candle{Close: 100}
		candlesB[i] = domain.Candle{Close: 100}
	}
	candlesA[window-1].Close = 110

	fc := &fakeClient{
		venue: domain.VenueKraken,
		candles: map[string][]domain.Candle{
			"ETHUSD": candlesA,
			"BTCUSD": candlesB,
		},
	}

	var cfg config.TenantConfig
	cfg.Pairs = config.PairsConfig{
		Enabled: true, SymbolA: "ETHUSD", SymbolB: "BTCUSD", Beta: 1,
		Window: window, EntryZ: 2, ExitZ: 0.5, StopZ: 4, PositionUSD: 1000,
	}

	out := make(chan domain.Opportunity, 4)
	p := NewPairs(gridDeps(t, fc, cfg, out))

	require.NoError(t, p.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, domain.ArbPairs, opp.Kind)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, domain.SideSell, opp.Legs[0].Side, "rich spread shorts A")
	assert.Equal(t, "ETHUSD", opp.Legs[0].MarketID)
	assert.Equal(t, domain.SideBuy, opp.Legs[1].Side)
	require.NotNil(t, p.open)
	assert.True(t, p.open.shortA)
}

func TestSpotSymbol(t *testing.T) {
	assert.Equal(t, "BTC-USDT", spotSymbol("BTC-USDT-SWAP"))
	assert.Equal(t, "BTCUSDT", spotSymbol("BTCUSDT"))
}
