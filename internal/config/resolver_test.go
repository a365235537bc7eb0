package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigStore struct {
	row map[string]string
	err error
}

func (f *fakeConfigStore) Load(context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.row, nil
}

func (f *fakeConfigStore) Set(_ context.Context, key, value string) error {
	if f.row == nil {
		f.row = map[string]string{}
	}
	f.row[key] = value
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolverPrecedenceRowOverEnvOverDefault(t *testing.T) {
	t.Setenv("TRADEFLEET_TENANT_MAX_TRADE_SIZE_USD", "250")
	t.Setenv("TRADEFLEET_TENANT_MAX_DAILY_LOSS_USD", "75")

	store := &fakeConfigStore{row: map[string]string{
		"max_trade_size_usd": "500",
	}}
	r := NewResolver(store, TenantDefaults(), discardLogger())
	require.NoError(t, r.Reload(context.Background()))

	cfg := r.Snapshot()
	assert.Equal(t, 500.0, cfg.Trading.MaxTradeSizeUSD, "tenant row wins over env")
	assert.Equal(t, 75.0, cfg.Trading.MaxDailyLossUSD, "env wins over default")
	assert.Equal(t, 3, cfg.Trading.MaxConsecutiveFailures, "default survives untouched keys")
}

func TestResolverMalformedRowValueKeepsDefault(t *testing.T) {
	store := &fakeConfigStore{row: map[string]string{
		"max_trade_size_usd":       "not-a-number",
		"dry_run":                  "banana",
		"max_consecutive_failures": "5",
	}}
	r := NewResolver(store, TenantDefaults(), discardLogger())
	require.NoError(t, r.Reload(context.Background()))

	cfg := r.Snapshot()
	assert.Equal(t, 100.0, cfg.Trading.MaxTradeSizeUSD)
	assert.True(t, cfg.Trading.DryRun)
	assert.Equal(t, 5, cfg.Trading.MaxConsecutiveFailures)
}

func TestResolverReloadErrorKeepsPreviousSnapshot(t *testing.T) {
	store := &fakeConfigStore{row: map[string]string{"max_trade_size_usd": "42"}}
	r := NewResolver(store, TenantDefaults(), discardLogger())
	require.NoError(t, r.Reload(context.Background()))
	require.Equal(t, 42.0, r.Snapshot().Trading.MaxTradeSizeUSD)

	store.err = errors.New("connection refused")
	err := r.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 42.0, r.Snapshot().Trading.MaxTradeSizeUSD, "stale snapshot stays in effect")
}

func TestResolverSetWritesThroughAndReloads(t *testing.T) {
	store := &fakeConfigStore{}
	r := NewResolver(store, TenantDefaults(), discardLogger())

	require.NoError(t, r.Set(context.Background(), "sim_cooldown_sec", "120"))
	assert.Equal(t, 120, r.Snapshot().Sim.CooldownSec)
}

func TestTenantApplyCoercion(t *testing.T) {
	tc := TenantDefaults()

	assert.True(t, tc.Apply("dry_run", "FALSE"))
	assert.False(t, tc.Trading.DryRun)

	assert.True(t, tc.Apply("dry_run", "1"))
	assert.True(t, tc.Trading.DryRun)

	assert.True(t, tc.Apply("max_daily_trades", "50.0"), "float-formatted integers parse")
	assert.Equal(t, 50, tc.Sim.MaxDailyTrades)

	assert.True(t, tc.Apply("momentum_watchlist", "AAPL, MSFT,,NVDA "))
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, tc.Momentum.Watchlist)

	assert.False(t, tc.Apply("no_such_key", "1"), "unknown keys are ignored")
}

func TestTenantDefaultsMatchDocumentedGuards(t *testing.T) {
	tc := TenantDefaults()

	assert.True(t, tc.Trading.DryRun, "new tenants start in paper mode")
	assert.Equal(t, 3.0, tc.CrossPlatform.BuyZeroFeeMinPct)
	assert.Equal(t, 5.0, tc.CrossPlatform.BuyHighFeeMinPct)
	assert.Equal(t, 600, tc.Sim.CooldownSec)
	assert.Equal(t, 8, tc.Sim.MaxTradesPerMarketPerDay)
	assert.Equal(t, 50, tc.Sim.MaxDailyTrades)
	assert.Equal(t, 35.0, tc.Sim.MaxRealisticSpreadPct)
	assert.True(t, tc.Sim.SkipSameVenueOverlap)
}

func TestConfigValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate(false))

	assert.Error(t, cfg.Validate(true), "live mode requires a vault master key")

	cfg.Vault.MasterKey = "k"
	assert.NoError(t, cfg.Validate(true))

	cfg.Redis.Addr = ""
	cfg.LogLevel = "verbose"
	err := cfg.Validate(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "log_level")
}
