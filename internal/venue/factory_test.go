package venue

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildPaperModeWithoutCreds(t *testing.T) {
	set, err := Build(config.VenueToggles{
		Polymarket: true,
		Kalshi:     true,
		Bybit:      true,
		Alpaca:     true,
	}, nil, false, testLogger())
	require.NoError(t, err)

	assert.Len(t, set.Clients, 4)
	assert.Contains(t, set.Streams, domain.VenuePolymarket)
	assert.Contains(t, set.Streams, domain.VenueKalshi)
	assert.Contains(t, set.Funding, domain.VenueBybit, "bybit exposes funding rates")
	assert.NotContains(t, set.Funding, domain.VenueAlpaca)
	assert.Contains(t, set.Listers, domain.VenuePolymarket)
}

func TestBuildLiveModeRequiresCreds(t *testing.T) {
	_, err := Build(config.VenueToggles{Kraken: true}, nil, true, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kraken")

	set, err := Build(config.VenueToggles{Kraken: true}, map[string]string{
		"kraken_api_key":    "k",
		"kraken_api_secret": "c2VjcmV0",
	}, true, testLogger())
	require.NoError(t, err)
	assert.Contains(t, set.Clients, domain.VenueKraken)
}

func TestBuildNoVenuesEnabledFails(t *testing.T) {
	_, err := Build(config.VenueToggles{}, nil, false, testLogger())
	assert.Error(t, err)
}

func TestBuildOnlyTogglesSelectedVenues(t *testing.T) {
	set, err := Build(config.VenueToggles{OKX: true, KuCoin: true}, map[string]string{
		"okx_api_key":       "k",
		"okx_api_secret":    "s",
		"okx_passphrase":    "p",
		"kucoin_api_key":    "k2",
		"kucoin_api_secret": "s2",
		"kucoin_passphrase": "p2",
	}, false, testLogger())
	require.NoError(t, err)

	assert.Len(t, set.Clients, 2)
	assert.NotContains(t, set.Clients, domain.VenueBinanceUS)
	assert.Contains(t, set.Funding, domain.VenueOKX)
	assert.NotContains(t, set.Funding, domain.VenueKuCoin)

	venues := set.Venues()
	assert.Len(t, venues, 2)
}
