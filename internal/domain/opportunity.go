package domain

import "time"

// Side indicates whether a leg buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ArbKind classifies the arbitrage family an opportunity belongs to. The
// simulator keys its execution risk profile and fee averages off this tag.
type ArbKind string

const (
	ArbSinglePlatform   ArbKind = "single_platform"
	ArbMultiOutcome     ArbKind = "multi_outcome"
	ArbCrossPlatform    ArbKind = "cross_platform"
	ArbSplitMarket      ArbKind = "split_market"
	ArbSameVenueOverlap ArbKind = "same_venue_overlap"
	ArbCopyTrade        ArbKind = "copy_trade"
	ArbMarketMaker      ArbKind = "market_maker"
	ArbFundingRate      ArbKind = "funding_rate"
	ArbGrid             ArbKind = "grid"
	ArbPairs            ArbKind = "pairs"
	ArbMeanReversion    ArbKind = "mean_reversion"
	ArbMomentum         ArbKind = "momentum"
)

// OpportunityStatus is the lifecycle state of a detected edge. Opportunities
// are terminal within minutes of detection.
type OpportunityStatus string

const (
	OppDetected OpportunityStatus = "detected"
	OppSkipped  OpportunityStatus = "skipped"
	OppExecuted OpportunityStatus = "executed"
	OppMissed   OpportunityStatus = "missed"
	OppFailed   OpportunityStatus = "failed"
)

// Leg is one side of an opportunity: what to trade, where, and at what price.
type Leg struct {
	Side     Side
	Venue    Venue
	MarketID string
	Title    string
	Price    float64
	MaxSize  float64
}

// Opportunity is a detected tradable edge with enough detail to size and
// route a trade. ProfitPct is computed from the same snapshot used to size
// the legs; Confidence decays linearly with the age of the staler snapshot
// and a confidence of zero forces status skipped.
type Opportunity struct {
	ID                string
	TenantID          string
	Scanner           string
	Kind              ArbKind
	Legs              []Leg
	ProfitPerContract float64
	ProfitPct         float64
	MaxSize           float64
	TotalProfitUSD    float64
	Confidence        float64
	Score             float64
	Status            OpportunityStatus
	SkipReason        string
	DetectedAt        time.Time
	ExecutedAt        *time.Time
}

// SameVenue reports whether every leg trades on one venue.
func (o Opportunity) SameVenue() bool {
	if len(o.Legs) == 0 {
		return false
	}
	v := o.Legs[0].Venue
	for _, l := range o.Legs[1:] {
		if l.Venue != v {
			return false
		}
	}
	return true
}

// BuyLeg returns the first buy-side leg, or a zero Leg when absent.
func (o Opportunity) BuyLeg() Leg {
	for _, l := range o.Legs {
		if l.Side == SideBuy {
			return l
		}
	}
	return Leg{}
}

// HasSellLeg reports whether any leg sells. Dutch-book opportunities are
// all buys; their payout comes from resolution, not an offsetting sale.
func (o Opportunity) HasSellLeg() bool {
	for _, l := range o.Legs {
		if l.Side == SideSell {
			return true
		}
	}
	return false
}

// SellLeg returns the first sell-side leg, or a zero Leg when absent.
func (o Opportunity) SellLeg() Leg {
	for _, l := range o.Legs {
		if l.Side == SideSell {
			return l
		}
	}
	return Leg{}
}

// MarketScan records one scanner evaluation of one market, qualifying or not.
// Every evaluated market is logged so missed-edge analysis can run offline.
type MarketScan struct {
	ID        int64
	TenantID  string
	Scanner   string
	Venue     Venue
	MarketID  string
	Qualified bool
	Reason    string
	Metrics   map[string]float64
	ScannedAt time.Time
}
