package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is an immutable snapshot of bids and asks for one market.
// Bids are sorted price-descending, asks price-ascending; within a single
// snapshot the two sides never cross. The owning venue stream is the only
// writer; readers always receive copies.
type BookSnapshot struct {
	Venue     Venue
	MarketID  string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the highest bid price, or 0 when the side is empty.
func (b BookSnapshot) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the side is empty.
func (b BookSnapshot) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns the midpoint of the best bid and ask, or whichever side exists.
func (b BookSnapshot) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case ask > 0:
		return ask
	default:
		return bid
	}
}

// Age reports how stale the snapshot is relative to now.
func (b BookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.Timestamp)
}

// Ticker is a top-of-book quote plus daily volume.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume24h float64
	Timestamp time.Time
}

// Mid returns the ticker midpoint, falling back to the last trade price.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Candle is one OHLCV bar. Timestamp is the bar open in Unix milliseconds,
// matching the wire format every exchange in scope emits.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FundingRate describes one perpetual-future funding observation.
type FundingRate struct {
	Symbol         string
	Rate           float64 // per-interval rate, e.g. 0.0001 = 1 bp
	IntervalsPerYr int     // funding intervals per year (3/day => 1095)
	NextFundingAt  time.Time
	MarkPrice      float64
	IndexPrice     float64
}

// AnnualizedPct returns the funding rate annualized as a percentage.
func (f FundingRate) AnnualizedPct() float64 {
	n := f.IntervalsPerYr
	if n <= 0 {
		n = 1095
	}
	return f.Rate * float64(n) * 100
}
