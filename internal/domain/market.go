package domain

import "time"

// Venue identifies a market venue.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
	VenueBinanceUS  Venue = "binanceus"
	VenueCoinbase   Venue = "coinbase"
	VenueKraken     Venue = "kraken"
	VenueBybit      Venue = "bybit"
	VenueOKX        Venue = "okx"
	VenueKuCoin     Venue = "kucoin"
	VenueAlpaca     Venue = "alpaca"
	VenueIBKR       Venue = "ibkr"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is a tradable market identified by (venue, market ID). For binary
// prediction markets Outcomes and TokenIDs carry the YES/NO pair; for
// multi-outcome events each outcome market links back via EventID.
type Market struct {
	Venue      Venue
	ID         string
	EventID    string
	Title      string
	Slug       string
	Outcomes   []string
	TokenIDs   []string
	Volume24h  float64
	Liquidity  float64
	Status     MarketStatus
	ResolvesAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MarketKey is the canonical map key for per-market state such as cooldowns.
type MarketKey struct {
	Venue    Venue
	MarketID string
}

// Key returns the MarketKey for m.
func (m Market) Key() MarketKey {
	return MarketKey{Venue: m.Venue, MarketID: m.ID}
}
