// Package venue assembles per-tenant venue clients. Each tenant gets fresh
// client instances built from its own decrypted credentials; nothing here is
// shared across tenants.
package venue

import (
	"fmt"
	"log/slog"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue/cex"
	"github.com/tradefleet/tradefleet/internal/venue/kalshi"
	"github.com/tradefleet/tradefleet/internal/venue/polymarket"
	"github.com/tradefleet/tradefleet/internal/venue/stocks"
)

// Set holds every client built for one tenant, keyed by venue. Funding and
// Streams carry only the venues that support those capabilities.
type Set struct {
	Clients map[domain.Venue]domain.TradingClient
	Listers map[domain.Venue]domain.MarketLister
	Streams map[domain.Venue]domain.BookStreamer
	Funding map[domain.Venue]domain.FundingRateClient
}

// Client returns the trading client for a venue, nil when not enabled.
func (s *Set) Client(v domain.Venue) domain.TradingClient {
	return s.Clients[v]
}

// Venues returns the enabled venue list.
func (s *Set) Venues() []domain.Venue {
	out := make([]domain.Venue, 0, len(s.Clients))
	for v := range s.Clients {
		out = append(out, v)
	}
	return out
}

// Build constructs clients for every enabled venue from the tenant's secret
// map. In live mode a toggled-on venue with missing credentials is an error;
// in paper mode the client is still built for market data and the missing
// keys only disable signed calls.
func Build(toggles config.VenueToggles, secrets map[string]string, live bool, logger *slog.Logger) (*Set, error) {
	set := &Set{
		Clients: make(map[domain.Venue]domain.TradingClient),
		Listers: make(map[domain.Venue]domain.MarketLister),
		Streams: make(map[domain.Venue]domain.BookStreamer),
		Funding: make(map[domain.Venue]domain.FundingRateClient),
	}

	if toggles.Polymarket {
		cfg := polymarket.Config{
			PrivateKey: secrets["polymarket_private_key"],
			APIKey:     secrets["polymarket_api_key"],
			APISecret:  secrets["polymarket_api_secret"],
			Passphrase: secrets["polymarket_passphrase"],
		}
		if live && (cfg.PrivateKey == "" || cfg.APIKey == "") {
			return nil, missingCreds(domain.VenuePolymarket)
		}
		client, err := polymarket.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("venue: polymarket: %w", err)
		}
		set.Clients[domain.VenuePolymarket] = client
		set.Listers[domain.VenuePolymarket] = client
		set.Streams[domain.VenuePolymarket] = polymarket.NewStream("", logger)
	}

	if toggles.Kalshi {
		cfg := kalshi.Config{
			APIKeyID:      secrets["kalshi_api_key_id"],
			PrivateKeyPEM: []byte(secrets["kalshi_private_key"]),
		}
		if live && (cfg.APIKeyID == "" || len(cfg.PrivateKeyPEM) == 0) {
			return nil, missingCreds(domain.VenueKalshi)
		}
		client, err := kalshi.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("venue: kalshi: %w", err)
		}
		set.Clients[domain.VenueKalshi] = client
		set.Listers[domain.VenueKalshi] = client
		set.Streams[domain.VenueKalshi] = kalshi.NewStream("", logger)
	}

	type cexEntry struct {
		enabled bool
		venue   domain.Venue
		build   func(cex.Credentials) domain.TradingClient
	}
	entries := []cexEntry{
		{toggles.BinanceUS, domain.VenueBinanceUS, func(c cex.Credentials) domain.TradingClient {
			return cex.NewBinanceUS(c, "")
		}},
		{toggles.Bybit, domain.VenueBybit, func(c cex.Credentials) domain.TradingClient {
			return cex.NewBybit(c, "", "")
		}},
		{toggles.OKX, domain.VenueOKX, func(c cex.Credentials) domain.TradingClient {
			return cex.NewOKX(c, "")
		}},
		{toggles.Kraken, domain.VenueKraken, func(c cex.Credentials) domain.TradingClient {
			return cex.NewKraken(c, "")
		}},
		{toggles.Coinbase, domain.VenueCoinbase, func(c cex.Credentials) domain.TradingClient {
			return cex.NewCoinbase(c, "")
		}},
		{toggles.KuCoin, domain.VenueKuCoin, func(c cex.Credentials) domain.TradingClient {
			return cex.NewKuCoin(c, "")
		}},
	}
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		creds := cexCredentials(e.venue, secrets)
		if live && creds.Key == "" {
			return nil, missingCreds(e.venue)
		}
		client := e.build(creds)
		set.Clients[e.venue] = client
		if fc, ok := client.(domain.FundingRateClient); ok {
			set.Funding[e.venue] = fc
		}
	}

	if toggles.Alpaca {
		cfg := stocks.Config{
			APIKeyID:  secrets["alpaca_api_key"],
			APISecret: secrets["alpaca_api_secret"],
		}
		if live {
			if cfg.APIKeyID == "" || cfg.APISecret == "" {
				return nil, missingCreds(domain.VenueAlpaca)
			}
			cfg.TradingURL = "https://api.alpaca.markets"
		}
		set.Clients[domain.VenueAlpaca] = stocks.NewAlpaca(cfg)
	}

	if len(set.Clients) == 0 {
		return nil, fmt.Errorf("venue: no venues enabled")
	}
	return set, nil
}

func cexCredentials(v domain.Venue, secrets map[string]string) cex.Credentials {
	prefix := string(v) + "_"
	return cex.Credentials{
		Key:        secrets[prefix+"api_key"],
		Secret:     secrets[prefix+"api_secret"],
		Passphrase: secrets[prefix+"passphrase"],
	}
}

func missingCreds(v domain.Venue) error {
	return fmt.Errorf("venue: %s enabled in live mode without credentials", v)
}
