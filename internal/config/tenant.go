package config

import (
	"strconv"
	"strings"
)

// TenantConfig is the typed per-tenant tunable set. Resolution order for
// every key: tenant row, then TRADEFLEET_* environment variable, then the
// compile-time default. Strategies read a snapshot on every scan tick so a
// hot reload propagates without restart.
type TenantConfig struct {
	Trading        TradingGuards        `toml:"trading"`
	Venues         VenueToggles         `toml:"venues"`
	SinglePlatform SinglePlatformConfig `toml:"single_platform"`
	CrossPlatform  CrossPlatformConfig  `toml:"cross_platform"`
	CopyTrade      CopyTradeConfig      `toml:"copy_trade"`
	MarketMaker    MarketMakerConfig    `toml:"market_maker"`
	Funding        FundingConfig        `toml:"funding"`
	Grid           GridConfig           `toml:"grid"`
	Pairs          PairsConfig          `toml:"pairs"`
	MeanReversion  MeanReversionConfig  `toml:"mean_reversion"`
	Momentum       MomentumConfig       `toml:"momentum"`
	Sim            SimConfig            `toml:"sim"`
}

// TradingGuards are the global pre-trade risk controls.
type TradingGuards struct {
	DryRun                 bool    `toml:"dry_run"`
	MaxTradeSizeUSD        float64 `toml:"max_trade_size_usd"`
	MinTradeSizeUSD        float64 `toml:"min_trade_size_usd"`
	MaxDailyLossUSD        float64 `toml:"max_daily_loss_usd"`
	MaxConsecutiveFailures int     `toml:"max_consecutive_failures"`
	SlippageTolerancePct   float64 `toml:"slippage_tolerance_pct"`
	ScanIntervalSec        int     `toml:"scan_interval_sec"`
	ManualApprovalTrades   int     `toml:"manual_approval_trades"`
}

// VenueToggles enables venues per tenant. A venue enabled in live mode
// without resolvable credentials is a fatal startup error.
type VenueToggles struct {
	Polymarket bool `toml:"polymarket"`
	Kalshi     bool `toml:"kalshi"`
	BinanceUS  bool `toml:"binanceus"`
	Coinbase   bool `toml:"coinbase"`
	Kraken     bool `toml:"kraken"`
	Bybit      bool `toml:"bybit"`
	OKX        bool `toml:"okx"`
	KuCoin     bool `toml:"kucoin"`
	Alpaca     bool `toml:"alpaca"`
}

// SinglePlatformConfig tunes the YES/NO and multi-outcome arbitrage scanner.
type SinglePlatformConfig struct {
	Enabled         bool    `toml:"enabled"`
	MinProfitPct    float64 `toml:"min_profit_pct"`
	MaxSpreadPct    float64 `toml:"max_spread_pct"`
	MaxPositionUSD  float64 `toml:"max_position_usd"`
	ScanIntervalSec int     `toml:"scan_interval_sec"`
	CooldownSec     int     `toml:"cooldown_sec"`
}

// CrossPlatformConfig tunes the Polymarket/Kalshi cross-venue scanner,
// including the asymmetric fee-aware minimum thresholds.
type CrossPlatformConfig struct {
	Enabled          bool    `toml:"enabled"`
	BuyZeroFeeMinPct float64 `toml:"buy_zero_fee_min_pct"`
	BuyHighFeeMinPct float64 `toml:"buy_high_fee_min_pct"`
	MaxDataAgeSec    float64 `toml:"max_data_age_sec"`
	MinConfidence    float64 `toml:"min_confidence"`
	MaxPositionUSD   float64 `toml:"max_position_usd"`
	ScanIntervalSec  int     `toml:"scan_interval_sec"`
	CooldownSec      int     `toml:"cooldown_sec"`
}

// CopyTradeConfig tunes whale copy-trading.
type CopyTradeConfig struct {
	Enabled         bool    `toml:"enabled"`
	CopyMultiplier  float64 `toml:"copy_multiplier"`
	MaxCopySizeUSD  float64 `toml:"max_copy_size_usd"`
	MaxBalancePct   float64 `toml:"max_balance_pct"`
	MaxSlippagePct  float64 `toml:"max_slippage_pct"`
	ScanIntervalSec int     `toml:"scan_interval_sec"`
}

// MarketMakerConfig tunes two-sided quoting.
type MarketMakerConfig struct {
	Enabled             bool    `toml:"enabled"`
	SpreadBps           int     `toml:"spread_bps"`
	InventorySkewFactor float64 `toml:"inventory_skew_factor"`
	MinVolumeUSD        float64 `toml:"min_volume_usd"`
	MinHoursToResolve   float64 `toml:"min_hours_to_resolve"`
	RefreshSec          int     `toml:"refresh_sec"`
	MaxInventoryUSD     float64 `toml:"max_inventory_usd"`
	QuoteSizeUSD        float64 `toml:"quote_size_usd"`
}

// FundingConfig tunes delta-neutral funding-rate capture.
type FundingConfig struct {
	Enabled           bool    `toml:"enabled"`
	MinAPYPct         float64 `toml:"min_apy_pct"`
	ExitAPYPct        float64 `toml:"exit_apy_pct"`
	MaxBasisPct       float64 `toml:"max_basis_pct"`
	MinHoursToFunding float64 `toml:"min_hours_to_funding"`
	MaxHoldHours      float64 `toml:"max_hold_hours"`
	PositionUSD       float64 `toml:"position_usd"`
	ScanIntervalSec   int     `toml:"scan_interval_sec"`
}

// GridConfig tunes grid trading for one symbol.
type GridConfig struct {
	Enabled       bool    `toml:"enabled"`
	Symbol        string  `toml:"symbol"`
	RangePct      float64 `toml:"range_pct"`
	Levels        int     `toml:"levels"`
	OrderSizeUSD  float64 `toml:"order_size_usd"`
	StopLossPct   float64 `toml:"stop_loss_pct"`
	TakeProfitPct float64 `toml:"take_profit_pct"`
}

// PairsConfig tunes statistical pairs trading.
type PairsConfig struct {
	Enabled      bool    `toml:"enabled"`
	SymbolA      string  `toml:"symbol_a"`
	SymbolB      string  `toml:"symbol_b"`
	Beta         float64 `toml:"beta"`
	Window       int     `toml:"window"`
	EntryZ       float64 `toml:"entry_z"`
	ExitZ        float64 `toml:"exit_z"`
	StopZ        float64 `toml:"stop_z"`
	MaxHoldHours float64 `toml:"max_hold_hours"`
	PositionUSD  float64 `toml:"position_usd"`
}

// MeanReversionConfig tunes the stock mean-reversion scanner.
type MeanReversionConfig struct {
	Enabled         bool     `toml:"enabled"`
	Watchlist       []string `toml:"watchlist"`
	LookbackDays    int      `toml:"lookback_days"`
	EntryZ          float64  `toml:"entry_z"`
	ExitZ           float64  `toml:"exit_z"`
	TrailingStopPct float64  `toml:"trailing_stop_pct"`
	PositionUSD     float64  `toml:"position_usd"`
}

// MomentumConfig tunes the stock momentum scanner.
type MomentumConfig struct {
	Enabled         bool     `toml:"enabled"`
	Watchlist       []string `toml:"watchlist"`
	StrongBuyScore  float64  `toml:"strong_buy_score"`
	BuyScore        float64  `toml:"buy_score"`
	TrailingStopPct float64  `toml:"trailing_stop_pct"`
	PositionUSD     float64  `toml:"position_usd"`
}

// SimConfig tunes the paper-trading simulator's friction model.
type SimConfig struct {
	StartBalanceUSD          float64 `toml:"start_balance_usd"`
	CooldownSec              int     `toml:"cooldown_sec"`
	MaxTradesPerMarketPerDay int     `toml:"max_trades_per_market_per_day"`
	MaxDailyTrades           int     `toml:"max_daily_trades"`
	SkipSameVenueOverlap     bool    `toml:"skip_same_venue_overlap"`
	MaxRealisticSpreadPct    float64 `toml:"max_realistic_spread_pct"`
	MinPositionUSD           float64 `toml:"min_position_usd"`
	MaxPositionUSD           float64 `toml:"max_position_usd"`
	MaxPositionPct           float64 `toml:"max_position_pct"`
	ExecDelayMinSec          float64 `toml:"exec_delay_min_sec"`
	ExecDelayMaxSec          float64 `toml:"exec_delay_max_sec"`
	DriftVolatilityPerSec    float64 `toml:"drift_volatility_per_sec"`
	PartialFillChance        float64 `toml:"partial_fill_chance"`
	PartialFillMinPct        float64 `toml:"partial_fill_min_pct"`
	AvgSlippagePct           float64 `toml:"avg_slippage_pct"`
	SpreadCostPct            float64 `toml:"spread_cost_pct"`
}

// TenantDefaults returns the compile-time default tenant configuration.
func TenantDefaults() TenantConfig {
	return TenantConfig{
		Trading: TradingGuards{
			DryRun:                 true,
			MaxTradeSizeUSD:        100,
			MinTradeSizeUSD:        5,
			MaxDailyLossUSD:        50,
			MaxConsecutiveFailures: 3,
			SlippageTolerancePct:   2.0,
			ScanIntervalSec:        30,
			ManualApprovalTrades:   0,
		},
		Venues: VenueToggles{
			Polymarket: true,
			Kalshi:     true,
		},
		SinglePlatform: SinglePlatformConfig{
			Enabled:         true,
			MinProfitPct:    1.0,
			MaxSpreadPct:    35,
			MaxPositionUSD:  100,
			ScanIntervalSec: 30,
			CooldownSec:     3600,
		},
		CrossPlatform: CrossPlatformConfig{
			Enabled:          true,
			BuyZeroFeeMinPct: 3.0,
			BuyHighFeeMinPct: 5.0,
			MaxDataAgeSec:    10,
			MinConfidence:    0.5,
			MaxPositionUSD:   100,
			ScanIntervalSec:  30,
			CooldownSec:      3600,
		},
		CopyTrade: CopyTradeConfig{
			Enabled:         false,
			CopyMultiplier:  0.1,
			MaxCopySizeUSD:  50,
			MaxBalancePct:   10,
			MaxSlippagePct:  3.0,
			ScanIntervalSec: 60,
		},
		MarketMaker: MarketMakerConfig{
			Enabled:             false,
			SpreadBps:           200,
			InventorySkewFactor: 0.5,
			MinVolumeUSD:        10_000,
			MinHoursToResolve:   48,
			RefreshSec:          15,
			MaxInventoryUSD:     200,
			QuoteSizeUSD:        25,
		},
		Funding: FundingConfig{
			Enabled:           false,
			MinAPYPct:         10,
			ExitAPYPct:        3,
			MaxBasisPct:       0.5,
			MinHoursToFunding: 1,
			MaxHoldHours:      72,
			PositionUSD:       100,
			ScanIntervalSec:   300,
		},
		Grid: GridConfig{
			Enabled:       false,
			RangePct:      5,
			Levels:        10,
			OrderSizeUSD:  20,
			StopLossPct:   8,
			TakeProfitPct: 10,
		},
		Pairs: PairsConfig{
			Enabled:      false,
			Beta:         1.0,
			Window:       120,
			EntryZ:       2.0,
			ExitZ:        0.5,
			StopZ:        4.0,
			MaxHoldHours: 48,
			PositionUSD:  100,
		},
		MeanReversion: MeanReversionConfig{
			Enabled:         false,
			LookbackDays:    20,
			EntryZ:          2.0,
			ExitZ:           0.5,
			TrailingStopPct: 3.0,
			PositionUSD:     100,
		},
		Momentum: MomentumConfig{
			Enabled:         false,
			StrongBuyScore:  80,
			BuyScore:        65,
			TrailingStopPct: 5.0,
			PositionUSD:     100,
		},
		Sim: SimConfig{
			StartBalanceUSD:          1000,
			CooldownSec:              600,
			MaxTradesPerMarketPerDay: 8,
			MaxDailyTrades:           50,
			SkipSameVenueOverlap:     true,
			MaxRealisticSpreadPct:    35,
			MinPositionUSD:           10,
			MaxPositionUSD:           100,
			MaxPositionPct:           5,
			ExecDelayMinSec:          0.5,
			ExecDelayMaxSec:          2.0,
			DriftVolatilityPerSec:    0.8,
			PartialFillChance:        0.15,
			PartialFillMinPct:        0.4,
			AvgSlippagePct:           0.5,
			SpreadCostPct:            0.3,
		},
	}
}

// Apply overwrites the matching field for a recognized flat key with a
// leniently coerced value. Unknown keys are ignored so newer admin rows do
// not break older workers. It reports whether the key was recognized.
func (c *TenantConfig) Apply(key, value string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	// Trading guards.
	case "dry_run":
		return coerceBool(&c.Trading.DryRun, value)
	case "max_trade_size_usd", "max_trade_size":
		return coerceFloat(&c.Trading.MaxTradeSizeUSD, value)
	case "min_trade_size_usd", "min_trade_size":
		return coerceFloat(&c.Trading.MinTradeSizeUSD, value)
	case "max_daily_loss_usd", "max_daily_loss":
		return coerceFloat(&c.Trading.MaxDailyLossUSD, value)
	case "max_consecutive_failures":
		return coerceInt(&c.Trading.MaxConsecutiveFailures, value)
	case "slippage_tolerance_pct", "slippage_tolerance":
		return coerceFloat(&c.Trading.SlippageTolerancePct, value)
	case "scan_interval_sec", "scan_interval":
		return coerceInt(&c.Trading.ScanIntervalSec, value)
	case "manual_approval_trades":
		return coerceInt(&c.Trading.ManualApprovalTrades, value)

	// Venue toggles.
	case "venue_polymarket":
		return coerceBool(&c.Venues.Polymarket, value)
	case "venue_kalshi":
		return coerceBool(&c.Venues.Kalshi, value)
	case "venue_binanceus":
		return coerceBool(&c.Venues.BinanceUS, value)
	case "venue_coinbase":
		return coerceBool(&c.Venues.Coinbase, value)
	case "venue_kraken":
		return coerceBool(&c.Venues.Kraken, value)
	case "venue_bybit":
		return coerceBool(&c.Venues.Bybit, value)
	case "venue_okx":
		return coerceBool(&c.Venues.OKX, value)
	case "venue_kucoin":
		return coerceBool(&c.Venues.KuCoin, value)
	case "venue_alpaca":
		return coerceBool(&c.Venues.Alpaca, value)

	// Single-platform arb.
	case "single_platform_enabled":
		return coerceBool(&c.SinglePlatform.Enabled, value)
	case "single_platform_min_profit_pct":
		return coerceFloat(&c.SinglePlatform.MinProfitPct, value)
	case "single_platform_max_spread_pct":
		return coerceFloat(&c.SinglePlatform.MaxSpreadPct, value)
	case "single_platform_max_position_usd":
		return coerceFloat(&c.SinglePlatform.MaxPositionUSD, value)
	case "single_platform_scan_interval_sec":
		return coerceInt(&c.SinglePlatform.ScanIntervalSec, value)
	case "single_platform_cooldown_sec":
		return coerceInt(&c.SinglePlatform.CooldownSec, value)

	// Cross-platform arb.
	case "cross_platform_enabled":
		return coerceBool(&c.CrossPlatform.Enabled, value)
	case "buy_zero_fee_min_pct", "cross_platform_buy_zero_fee_min_pct":
		return coerceFloat(&c.CrossPlatform.BuyZeroFeeMinPct, value)
	case "buy_high_fee_min_pct", "cross_platform_buy_high_fee_min_pct":
		return coerceFloat(&c.CrossPlatform.BuyHighFeeMinPct, value)
	case "cross_platform_max_data_age_sec":
		return coerceFloat(&c.CrossPlatform.MaxDataAgeSec, value)
	case "cross_platform_min_confidence":
		return coerceFloat(&c.CrossPlatform.MinConfidence, value)
	case "cross_platform_max_position_usd":
		return coerceFloat(&c.CrossPlatform.MaxPositionUSD, value)
	case "cross_platform_scan_interval_sec":
		return coerceInt(&c.CrossPlatform.ScanIntervalSec, value)
	case "cross_platform_cooldown_sec":
		return coerceInt(&c.CrossPlatform.CooldownSec, value)

	// Copy trading.
	case "copy_trade_enabled":
		return coerceBool(&c.CopyTrade.Enabled, value)
	case "copy_multiplier":
		return coerceFloat(&c.CopyTrade.CopyMultiplier, value)
	case "max_copy_size_usd", "max_copy_size":
		return coerceFloat(&c.CopyTrade.MaxCopySizeUSD, value)
	case "copy_max_balance_pct":
		return coerceFloat(&c.CopyTrade.MaxBalancePct, value)
	case "copy_max_slippage_pct":
		return coerceFloat(&c.CopyTrade.MaxSlippagePct, value)
	case "copy_scan_interval_sec":
		return coerceInt(&c.CopyTrade.ScanIntervalSec, value)

	// Market maker.
	case "market_maker_enabled":
		return coerceBool(&c.MarketMaker.Enabled, value)
	case "market_maker_spread_bps":
		return coerceInt(&c.MarketMaker.SpreadBps, value)
	case "market_maker_inventory_skew_factor":
		return coerceFloat(&c.MarketMaker.InventorySkewFactor, value)
	case "market_maker_min_volume_usd":
		return coerceFloat(&c.MarketMaker.MinVolumeUSD, value)
	case "market_maker_refresh_sec":
		return coerceInt(&c.MarketMaker.RefreshSec, value)
	case "market_maker_quote_size_usd":
		return coerceFloat(&c.MarketMaker.QuoteSizeUSD, value)

	// Funding-rate arb.
	case "funding_enabled":
		return coerceBool(&c.Funding.Enabled, value)
	case "funding_min_apy_pct", "funding_apy_floor":
		return coerceFloat(&c.Funding.MinAPYPct, value)
	case "funding_exit_apy_pct":
		return coerceFloat(&c.Funding.ExitAPYPct, value)
	case "funding_max_basis_pct":
		return coerceFloat(&c.Funding.MaxBasisPct, value)
	case "funding_max_hold_hours":
		return coerceFloat(&c.Funding.MaxHoldHours, value)
	case "funding_position_usd":
		return coerceFloat(&c.Funding.PositionUSD, value)

	// Grid.
	case "grid_enabled":
		return coerceBool(&c.Grid.Enabled, value)
	case "grid_symbol":
		return coerceString(&c.Grid.Symbol, value)
	case "grid_range_pct":
		return coerceFloat(&c.Grid.RangePct, value)
	case "grid_levels":
		return coerceInt(&c.Grid.Levels, value)
	case "grid_order_size_usd":
		return coerceFloat(&c.Grid.OrderSizeUSD, value)
	case "grid_stop_loss_pct":
		return coerceFloat(&c.Grid.StopLossPct, value)
	case "grid_take_profit_pct":
		return coerceFloat(&c.Grid.TakeProfitPct, value)

	// Pairs.
	case "pairs_enabled":
		return coerceBool(&c.Pairs.Enabled, value)
	case "pairs_symbol_a":
		return coerceString(&c.Pairs.SymbolA, value)
	case "pairs_symbol_b":
		return coerceString(&c.Pairs.SymbolB, value)
	case "pairs_entry_z":
		return coerceFloat(&c.Pairs.EntryZ, value)
	case "pairs_exit_z":
		return coerceFloat(&c.Pairs.ExitZ, value)
	case "pairs_stop_z":
		return coerceFloat(&c.Pairs.StopZ, value)
	case "pairs_max_hold_hours":
		return coerceFloat(&c.Pairs.MaxHoldHours, value)

	// Stock scanners.
	case "mean_reversion_enabled":
		return coerceBool(&c.MeanReversion.Enabled, value)
	case "mean_reversion_watchlist":
		return coerceStringSlice(&c.MeanReversion.Watchlist, value)
	case "mean_reversion_entry_z":
		return coerceFloat(&c.MeanReversion.EntryZ, value)
	case "mean_reversion_exit_z":
		return coerceFloat(&c.MeanReversion.ExitZ, value)
	case "momentum_enabled":
		return coerceBool(&c.Momentum.Enabled, value)
	case "momentum_watchlist":
		return coerceStringSlice(&c.Momentum.Watchlist, value)
	case "momentum_strong_buy_score":
		return coerceFloat(&c.Momentum.StrongBuyScore, value)
	case "momentum_buy_score":
		return coerceFloat(&c.Momentum.BuyScore, value)

	// Simulator.
	case "sim_start_balance_usd", "sim_start_balance":
		return coerceFloat(&c.Sim.StartBalanceUSD, value)
	case "sim_cooldown_sec", "cooldown_sec":
		return coerceInt(&c.Sim.CooldownSec, value)
	case "max_trades_per_market_per_day":
		return coerceInt(&c.Sim.MaxTradesPerMarketPerDay, value)
	case "max_daily_trades":
		return coerceInt(&c.Sim.MaxDailyTrades, value)
	case "skip_same_platform_overlap", "skip_same_venue_overlap":
		return coerceBool(&c.Sim.SkipSameVenueOverlap, value)
	case "max_realistic_spread_pct":
		return coerceFloat(&c.Sim.MaxRealisticSpreadPct, value)
	case "min_position_usd":
		return coerceFloat(&c.Sim.MinPositionUSD, value)
	case "max_position_usd":
		return coerceFloat(&c.Sim.MaxPositionUSD, value)
	case "max_position_pct":
		return coerceFloat(&c.Sim.MaxPositionPct, value)
	case "exec_delay_min_sec", "exec_delay_min":
		return coerceFloat(&c.Sim.ExecDelayMinSec, value)
	case "exec_delay_max_sec", "exec_delay_max":
		return coerceFloat(&c.Sim.ExecDelayMaxSec, value)
	case "drift_volatility_per_sec":
		return coerceFloat(&c.Sim.DriftVolatilityPerSec, value)
	case "partial_fill_chance":
		return coerceFloat(&c.Sim.PartialFillChance, value)
	case "partial_fill_min_pct":
		return coerceFloat(&c.Sim.PartialFillMinPct, value)
	}
	return false
}

// ---------------------------------------------------------------------------
// Lenient string coercion. Each helper only mutates the target when the
// value parses; a malformed admin row never clobbers a good default.
// ---------------------------------------------------------------------------

var truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true, "off": true}

func coerceBool(dst *bool, v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	if truthy[s] {
		*dst = true
		return true
	}
	if falsy[s] {
		*dst = false
		return true
	}
	return false
}

func coerceInt(dst *int, v string) bool {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
		return true
	}
	// Admin rows sometimes store integers as "50.0".
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		*dst = int(f)
		return true
	}
	return false
}

func coerceFloat(dst *float64, v string) bool {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		*dst = f
		return true
	}
	return false
}

func coerceString(dst *string, v string) bool {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
		return true
	}
	return false
}

func coerceStringSlice(dst *[]string, v string) bool {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return false
	}
	*dst = out
	return true
}
