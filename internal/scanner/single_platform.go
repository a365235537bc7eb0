package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type singleCfg = config.SinglePlatformConfig

// Liquidity bands for the bonus multiplier. Thin books hold a mispricing
// longer; very deep books arb out before we can act.
const (
	lowLiquidityUSD  = 10_000
	highLiquidityUSD = 250_000
)

// SinglePlatform detects Dutch-book arbitrage inside one prediction venue:
// binary YES/NO pairs whose asks sum away from 1, and multi-outcome events
// whose YES asks sum away from 1.
type SinglePlatform struct {
	Base
}

// NewSinglePlatform creates the scanner.
func NewSinglePlatform(deps Deps) *SinglePlatform {
	return &SinglePlatform{Base: newBase("single_platform", deps)}
}

// Run executes the scan loop until the context ends.
func (s *SinglePlatform) Run(ctx context.Context) error {
	cfg := s.deps.Snapshot().SinglePlatform
	return s.loop(ctx, time.Duration(cfg.ScanIntervalSec)*time.Second, s.tick)
}

func (s *SinglePlatform) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().SinglePlatform
	if !cfg.Enabled {
		return nil
	}

	for v, lister := range s.deps.Venues.Listers {
		markets, err := lister.ListMarkets(ctx, 500)
		if err != nil {
			return fmt.Errorf("list %s markets: %w", v, err)
		}
		s.scanBinary(ctx, v, markets, cfg)
		s.scanEvents(ctx, v, markets, cfg)
	}
	return nil
}

// eventQuote is one priced arbitrage candidate ready for scoring. The long
// side buys the full outcome set at the asks; the short side sells the set
// at the bids. At most one side can price below (resp. above) the $1 payout.
type eventQuote struct {
	venue     domain.Venue
	marketID  string
	title     string
	buyLegs   []domain.Leg
	sellLegs  []domain.Leg
	totalAsk  float64
	totalBid  float64
	sellOK    bool
	outcomes  int
	liquidity float64
	oldest    time.Time
}

func (s *SinglePlatform) scanBinary(ctx context.Context, v domain.Venue, markets []domain.Market, cfg singleCfg) {
	for _, mkt := range markets {
		if len(mkt.Outcomes) != 2 || mkt.EventID != "" {
			continue
		}
		quote, ok := s.quoteBinary(ctx, mkt)
		if !ok {
			s.logScan(ctx, v, mkt.ID, false, "no usable book", nil)
			continue
		}
		s.evaluate(ctx, quote, cfg)
	}
}

// scanEvents groups multi-outcome markets by event and sums their YES asks.
func (s *SinglePlatform) scanEvents(ctx context.Context, v domain.Venue, markets []domain.Market, cfg singleCfg) {
	events := make(map[string][]domain.Market)
	for _, mkt := range markets {
		if mkt.EventID != "" {
			events[mkt.EventID] = append(events[mkt.EventID], mkt)
		}
	}

	for eventID, outcomes := range events {
		if len(outcomes) < 2 {
			continue
		}
		quote := eventQuote{
			venue:    v,
			marketID: eventID,
			title:    outcomes[0].Title,
			outcomes: len(outcomes),
			sellOK:   true,
			oldest:   time.Now(),
		}
		usable := true
		for _, mkt := range outcomes {
			snap, err := s.book(ctx, v, yesSymbol(mkt), 1)
			if err != nil || snap.BestAsk() <= 0 {
				usable = false
				break
			}
			quote.totalAsk += snap.BestAsk()
			quote.liquidity += mkt.Liquidity
			quote.buyLegs = append(quote.buyLegs, domain.Leg{
				Side:     domain.SideBuy,
				Venue:    v,
				MarketID: yesSymbol(mkt),
				Title:    mkt.Title,
				Price:    snap.BestAsk(),
				MaxSize:  topSize(snap.Asks),
			})
			if snap.BestBid() > 0 {
				quote.totalBid += snap.BestBid()
				quote.sellLegs = append(quote.sellLegs, domain.Leg{
					Side:     domain.SideSell,
					Venue:    v,
					MarketID: yesSymbol(mkt),
					Title:    mkt.Title,
					Price:    snap.BestBid(),
					MaxSize:  topSize(snap.Bids),
				})
			} else {
				quote.sellOK = false
			}
			if snap.Timestamp.Before(quote.oldest) {
				quote.oldest = snap.Timestamp
			}
		}
		if !usable {
			s.logScan(ctx, v, eventID, false, "incomplete event books", nil)
			continue
		}
		s.evaluate(ctx, quote, cfg)
	}
}

// quoteBinary prices the YES and NO side of a binary market. On Polymarket
// the two outcome tokens carry separate books; on Kalshi a single book
// already folds NO bids into YES asks, so the NO ask is 1 − YES bid.
func (s *SinglePlatform) quoteBinary(ctx context.Context, mkt domain.Market) (eventQuote, bool) {
	quote := eventQuote{
		venue:     mkt.Venue,
		marketID:  mkt.ID,
		title:     mkt.Title,
		outcomes:  2,
		liquidity: mkt.Liquidity,
	}

	if len(mkt.TokenIDs) == 2 {
		yes, err := s.book(ctx, mkt.Venue, mkt.TokenIDs[0], 1)
		if err != nil || yes.BestAsk() <= 0 {
			return quote, false
		}
		no, err := s.book(ctx, mkt.Venue, mkt.TokenIDs[1], 1)
		if err != nil || no.BestAsk() <= 0 {
			return quote, false
		}
		quote.totalAsk = yes.BestAsk() + no.BestAsk()
		quote.oldest = yes.Timestamp
		if no.Timestamp.Before(quote.oldest) {
			quote.oldest = no.Timestamp
		}
		quote.buyLegs = []domain.Leg{
			{Side: domain.SideBuy, Venue: mkt.Venue, MarketID: mkt.TokenIDs[0], Title: mkt.Title,
				Price: yes.BestAsk(), MaxSize: topSize(yes.Asks)},
			{Side: domain.SideBuy, Venue: mkt.Venue, MarketID: mkt.TokenIDs[1], Title: mkt.Title,
				Price: no.BestAsk(), MaxSize: topSize(no.Asks)},
		}
		if yes.BestBid() > 0 && no.BestBid() > 0 {
			quote.totalBid = yes.BestBid() + no.BestBid()
			quote.sellOK = true
			quote.sellLegs = []domain.Leg{
				{Side: domain.SideSell, Venue: mkt.Venue, MarketID: mkt.TokenIDs[0], Title: mkt.Title,
					Price: yes.BestBid(), MaxSize: topSize(yes.Bids)},
				{Side: domain.SideSell, Venue: mkt.Venue, MarketID: mkt.TokenIDs[1], Title: mkt.Title,
					Price: no.BestBid(), MaxSize: topSize(no.Bids)},
			}
		}
		return quote, true
	}

	snap, err := s.book(ctx, mkt.Venue, mkt.ID, 1)
	if err != nil || snap.BestAsk() <= 0 || snap.BestBid() <= 0 {
		return quote, false
	}
	// On a folded book the set costs ask + (1 - bid): exactly 1 plus the
	// bid-ask spread unless the book is crossed. An uncrossed book prices
	// no edge on either side, so only the long side is ever populated.
	noAsk := 1 - snap.BestBid()
	quote.totalAsk = snap.BestAsk() + noAsk
	quote.oldest = snap.Timestamp
	quote.buyLegs = []domain.Leg{
		{Side: domain.SideBuy, Venue: mkt.Venue, MarketID: mkt.ID, Title: mkt.Title,
			Price: snap.BestAsk(), MaxSize: topSize(snap.Asks)},
		{Side: domain.SideSell, Venue: mkt.Venue, MarketID: mkt.ID, Title: mkt.Title,
			Price: snap.BestBid(), MaxSize: topSize(snap.Bids)},
	}
	return quote, true
}

func (s *SinglePlatform) evaluate(ctx context.Context, q eventQuote, cfg singleCfg) {
	// Direction rule: the set pays exactly $1, so buy every outcome when the
	// asks sum below 1, sell every outcome when the bids sum above 1. A book
	// where neither holds carries no edge, whatever its spread looks like.
	legs := q.buyLegs
	perContract := 1 - q.totalAsk
	if q.sellOK && q.totalBid-1 > perContract {
		legs = q.sellLegs
		perContract = q.totalBid - 1
	}
	profitPct := perContract * 100
	score := scoreDutchBook(profitPct, q.outcomes, q.liquidity)

	metrics := map[string]float64{
		"total_ask":  q.totalAsk,
		"total_bid":  q.totalBid,
		"profit_pct": profitPct,
		"score":      score,
		"outcomes":   float64(q.outcomes),
		"liquidity":  q.liquidity,
	}

	if profitPct <= 0 {
		s.logScan(ctx, q.venue, q.marketID, false, "no mispricing", metrics)
		return
	}
	if profitPct < cfg.MinProfitPct {
		s.logScan(ctx, q.venue, q.marketID, false, "below profit floor", metrics)
		return
	}

	key := domain.MarketKey{Venue: q.venue, MarketID: q.marketID}
	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	if s.onCooldown(key, cooldown) {
		s.logScan(ctx, q.venue, q.marketID, false, "cooldown", metrics)
		return
	}

	maxSize := legMinSize(legs)
	if cfg.MaxPositionUSD > 0 && q.totalAsk > 0 {
		if limit := cfg.MaxPositionUSD / q.totalAsk; limit < maxSize {
			maxSize = limit
		}
	}

	kind := domain.ArbSinglePlatform
	if q.outcomes > 2 {
		kind = domain.ArbMultiOutcome
	}

	s.logScan(ctx, q.venue, q.marketID, true, "dutch book", metrics)
	s.emit(ctx, domain.Opportunity{
		Kind:              kind,
		Legs:              legs,
		ProfitPerContract: perContract,
		ProfitPct:         profitPct,
		MaxSize:           maxSize,
		TotalProfitUSD:    perContract * maxSize,
		Confidence:        ageConfidence(q.oldest, 10*time.Second),
		Score:             score,
	})
	s.markCooldown(key, cooldown)
}

// scoreDutchBook applies the bonus multipliers to a raw profit percent:
// +30% for 3+ outcomes, +50% for 5+, ±20% for very-low/very-high liquidity.
func scoreDutchBook(profitPct float64, outcomes int, liquidityUSD float64) float64 {
	if profitPct <= 0 {
		return 0
	}
	multiplier := 1.0
	switch {
	case outcomes >= 5:
		multiplier = 1.5
	case outcomes >= 3:
		multiplier = 1.3
	}
	switch {
	case liquidityUSD > 0 && liquidityUSD < lowLiquidityUSD:
		multiplier *= 1.2
	case liquidityUSD > highLiquidityUSD:
		multiplier *= 0.8
	}
	return profitPct * multiplier
}

// yesSymbol returns the tradable symbol for a market's YES outcome.
func yesSymbol(mkt domain.Market) string {
	if len(mkt.TokenIDs) > 0 {
		return mkt.TokenIDs[0]
	}
	return mkt.ID
}

func topSize(levels []domain.PriceLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	return levels[0].Size
}

func legMinSize(legs []domain.Leg) float64 {
	if len(legs) == 0 {
		return 0
	}
	minSize := legs[0].MaxSize
	for _, l := range legs[1:] {
		if l.MaxSize < minSize {
			minSize = l.MaxSize
		}
	}
	return minSize
}
