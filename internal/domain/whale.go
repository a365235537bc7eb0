package domain

import "time"

// WhaleTier classifies a tracked wallet by rolling volume and win rate.
// The tier drives copy-trade confidence and sizing.
type WhaleTier string

const (
	TierRetail     WhaleTier = "retail"
	TierSmartMoney WhaleTier = "smart_money"
	TierWhale      WhaleTier = "whale"
	TierMegaWhale  WhaleTier = "mega_whale"
)

// Confidence returns the copy-signal confidence for the tier.
func (t WhaleTier) Confidence() float64 {
	switch t {
	case TierMegaWhale:
		return 0.95
	case TierWhale:
		return 0.85
	case TierSmartMoney:
		return 0.75
	default:
		return 0.50
	}
}

// ClassifyWhale derives a tier from rolling 30-day volume, win rate, and
// trade count. Thresholds follow the public leaderboard tiers.
func ClassifyWhale(volume30d, winRate float64, tradeCount int) WhaleTier {
	switch {
	case volume30d >= 1_000_000 && winRate >= 0.60 && tradeCount >= 50:
		return TierMegaWhale
	case volume30d >= 250_000 && winRate >= 0.55 && tradeCount >= 30:
		return TierWhale
	case volume30d >= 50_000 && winRate >= 0.52 && tradeCount >= 20:
		return TierSmartMoney
	default:
		return TierRetail
	}
}

// TrackedWhale is a wallet the copy-trading scanner follows.
type TrackedWhale struct {
	Address    string
	TenantID   string
	Label      string
	Tier       WhaleTier
	Volume30d  float64
	WinRate    float64
	TradeCount int
	Active     bool
	AddedAt    time.Time
	UpdatedAt  time.Time
}

// WhaleTrade is one detected trade by a tracked whale.
type WhaleTrade struct {
	ID           string
	WhaleAddress string
	Venue        Venue
	MarketID     string
	MarketTitle  string
	Side         Side
	Price        float64
	SizeUSD      float64
	DetectedAt   time.Time
	TradedAt     time.Time
}

// CopyTrade links a copied trade back to the whale trade that triggered it.
type CopyTrade struct {
	ID            string
	TenantID      string
	WhaleTradeID  string
	WhaleAddress  string
	TradeID       string
	SizeScale     float64 // our size / whale size
	EntryDriftPct float64 // mid move between whale entry and our check
	Copied        bool
	SkipReason    string
	CreatedAt     time.Time
}
