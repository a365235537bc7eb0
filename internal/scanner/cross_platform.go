package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
)

type crossCfg = config.CrossPlatformConfig

// CrossPlatform detects price gaps between matched prediction markets on
// two venues, in both directions, plus split-market structures where one
// venue prices outcome ranges that the other combines into one market.
type CrossPlatform struct {
	Base
}

// NewCrossPlatform creates the scanner.
func NewCrossPlatform(deps Deps) *CrossPlatform {
	return &CrossPlatform{Base: newBase("cross_platform", deps)}
}

// Run executes the scan loop until the context ends.
func (s *CrossPlatform) Run(ctx context.Context) error {
	cfg := s.deps.Snapshot().CrossPlatform
	return s.loop(ctx, time.Duration(cfg.ScanIntervalSec)*time.Second, s.tick)
}

func (s *CrossPlatform) tick(ctx context.Context) error {
	cfg := s.deps.Snapshot().CrossPlatform
	if !cfg.Enabled {
		return nil
	}

	pm := s.deps.Venues.Listers[domain.VenuePolymarket]
	ks := s.deps.Venues.Listers[domain.VenueKalshi]
	if pm == nil || ks == nil {
		return nil
	}

	pmMarkets, err := pm.ListMarkets(ctx, 500)
	if err != nil {
		return fmt.Errorf("list polymarket markets: %w", err)
	}
	ksMarkets, err := ks.ListMarkets(ctx, 500)
	if err != nil {
		return fmt.Errorf("list kalshi markets: %w", err)
	}

	for _, pair := range matchMarkets(pmMarkets, ksMarkets) {
		s.evaluatePair(ctx, pair, cfg)
	}
	for _, split := range matchSplits(pmMarkets, ksMarkets) {
		s.evaluateSplit(ctx, split, cfg)
	}
	return nil
}

// marketPair is one matched market across two venues.
type marketPair struct {
	a, b domain.Market
}

// matchMarkets pairs markets across venues by normalized title.
func matchMarkets(as, bs []domain.Market) []marketPair {
	byTitle := make(map[string]domain.Market, len(bs))
	for _, m := range bs {
		byTitle[normTitle(m.Title)] = m
	}

	var pairs []marketPair
	for _, m := range as {
		key := normTitle(m.Title)
		if key == "" {
			continue
		}
		if other, ok := byTitle[key]; ok {
			pairs = append(pairs, marketPair{a: m, b: other})
		}
	}
	return pairs
}

// splitMatch is a combined market on one venue matched against the outcome
// markets another venue splits it into.
type splitMatch struct {
	combined domain.Market
	parts    []domain.Market
}

// matchSplits finds events on the split venue whose shared event title
// matches a single combined market on the other venue.
func matchSplits(combined, split []domain.Market) []splitMatch {
	events := make(map[string][]domain.Market)
	for _, m := range split {
		if m.EventID != "" {
			events[m.EventID] = append(events[m.EventID], m)
		}
	}

	byTitle := make(map[string]domain.Market, len(combined))
	for _, m := range combined {
		byTitle[normTitle(m.Title)] = m
	}

	var out []splitMatch
	for _, parts := range events {
		if len(parts) < 2 {
			continue
		}
		base := normTitle(eventBaseTitle(parts))
		if base == "" {
			continue
		}
		if c, ok := byTitle[base]; ok {
			out = append(out, splitMatch{combined: c, parts: parts})
		}
	}
	return out
}

func (s *CrossPlatform) evaluatePair(ctx context.Context, pair marketPair, cfg crossCfg) {
	bookA, errA := s.book(ctx, pair.a.Venue, yesSymbol(pair.a), 1)
	bookB, errB := s.book(ctx, pair.b.Venue, yesSymbol(pair.b), 1)
	if errA != nil || errB != nil {
		s.logScan(ctx, pair.a.Venue, pair.a.ID, false, "missing pair books", nil)
		return
	}

	// Both directions: buy where it is cheap, sell where it is rich.
	s.evaluateDirection(ctx, pair.a, bookA, pair.b, bookB, cfg)
	s.evaluateDirection(ctx, pair.b, bookB, pair.a, bookA, cfg)
}

func (s *CrossPlatform) evaluateDirection(ctx context.Context, buyMkt domain.Market, buyBook domain.BookSnapshot,
	sellMkt domain.Market, sellBook domain.BookSnapshot, cfg crossCfg) {

	buyAsk := buyBook.BestAsk()
	sellBid := sellBook.BestBid()
	if buyAsk <= 0 || sellBid <= 0 {
		s.logScan(ctx, buyMkt.Venue, buyMkt.ID, false, "empty book side", nil)
		return
	}

	profitPct := (sellBid - buyAsk) / buyAsk * 100
	minPct := buyThresholdPct(buyMkt.Venue, cfg)

	metrics := map[string]float64{
		"buy_ask":    buyAsk,
		"sell_bid":   sellBid,
		"profit_pct": profitPct,
		"min_pct":    minPct,
	}

	if profitPct < minPct {
		s.logScan(ctx, buyMkt.Venue, buyMkt.ID, false, "below venue threshold", metrics)
		return
	}

	oldest := buyBook.Timestamp
	if sellBook.Timestamp.Before(oldest) {
		oldest = sellBook.Timestamp
	}
	confidence := ageConfidence(oldest, time.Duration(cfg.MaxDataAgeSec*float64(time.Second)))
	metrics["confidence"] = confidence
	if confidence < cfg.MinConfidence {
		s.logScan(ctx, buyMkt.Venue, buyMkt.ID, false, "stale data", metrics)
		return
	}

	key := domain.MarketKey{Venue: buyMkt.Venue, MarketID: buyMkt.ID}
	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	if s.onCooldown(key, cooldown) {
		s.logScan(ctx, buyMkt.Venue, buyMkt.ID, false, "cooldown", metrics)
		return
	}

	maxSize := topSize(buyBook.Asks)
	if sz := topSize(sellBook.Bids); sz < maxSize {
		maxSize = sz
	}
	if cfg.MaxPositionUSD > 0 {
		if limit := cfg.MaxPositionUSD / buyAsk; limit < maxSize {
			maxSize = limit
		}
	}
	profitPerContract := sellBid - buyAsk

	s.logScan(ctx, buyMkt.Venue, buyMkt.ID, true, "cross-venue gap", metrics)
	s.emit(ctx, domain.Opportunity{
		Kind: domain.ArbCrossPlatform,
		Legs: []domain.Leg{
			{Side: domain.SideBuy, Venue: buyMkt.Venue, MarketID: yesSymbol(buyMkt),
				Title: buyMkt.Title, Price: buyAsk, MaxSize: topSize(buyBook.Asks)},
			{Side: domain.SideSell, Venue: sellMkt.Venue, MarketID: yesSymbol(sellMkt),
				Title: sellMkt.Title, Price: sellBid, MaxSize: topSize(sellBook.Bids)},
		},
		ProfitPerContract: profitPerContract,
		ProfitPct:         profitPct,
		MaxSize:           maxSize,
		TotalProfitUSD:    profitPerContract * maxSize,
		Confidence:        confidence,
		Score:             profitPct,
	})
	s.markCooldown(key, cooldown)
}

// evaluateSplit compares the sum of the split venue's YES asks against the
// combined venue's single price, both directions.
func (s *CrossPlatform) evaluateSplit(ctx context.Context, split splitMatch, cfg crossCfg) {
	combinedBook, err := s.book(ctx, split.combined.Venue, yesSymbol(split.combined), 1)
	if err != nil {
		s.logScan(ctx, split.combined.Venue, split.combined.ID, false, "missing combined book", nil)
		return
	}

	var sumAsk, sumBid, minAskSize, minBidSize float64
	oldest := combinedBook.Timestamp
	legs := make([]domain.Leg, 0, len(split.parts)+1)
	for i, part := range split.parts {
		book, err := s.book(ctx, part.Venue, yesSymbol(part), 1)
		if err != nil || book.BestAsk() <= 0 || book.BestBid() <= 0 {
			s.logScan(ctx, part.Venue, part.ID, false, "incomplete split books", nil)
			return
		}
		sumAsk += book.BestAsk()
		sumBid += book.BestBid()
		if sz := topSize(book.Asks); i == 0 || sz < minAskSize {
			minAskSize = sz
		}
		if sz := topSize(book.Bids); i == 0 || sz < minBidSize {
			minBidSize = sz
		}
		if book.Timestamp.Before(oldest) {
			oldest = book.Timestamp
		}
		legs = append(legs, domain.Leg{
			Side: domain.SideBuy, Venue: part.Venue, MarketID: yesSymbol(part),
			Title: part.Title, Price: book.BestAsk(), MaxSize: topSize(book.Asks),
		})
	}

	// Direction 1: buy the split legs, sell the combined market.
	if combinedBook.BestBid() > 0 && sumAsk > 0 {
		profitPct := (combinedBook.BestBid() - sumAsk) / sumAsk * 100
		splitVenue := split.parts[0].Venue
		s.emitSplit(ctx, split, legs, combinedBook, profitPct, sumAsk,
			combinedBook.BestBid()-sumAsk, minSizeOf(minAskSize, topSize(combinedBook.Bids)),
			oldest, buyThresholdPct(splitVenue, cfg), cfg, domain.SideSell)
	}

	// Direction 2: buy the combined market, sell the split legs.
	if combinedBook.BestAsk() > 0 && sumBid > 0 {
		profitPct := (sumBid - combinedBook.BestAsk()) / combinedBook.BestAsk() * 100
		sellLegs := make([]domain.Leg, len(legs))
		for i, l := range legs {
			l.Side = domain.SideSell
			sellLegs[i] = l
		}
		s.emitSplit(ctx, split, sellLegs, combinedBook, profitPct, combinedBook.BestAsk(),
			sumBid-combinedBook.BestAsk(), minSizeOf(minBidSize, topSize(combinedBook.Asks)),
			oldest, buyThresholdPct(split.combined.Venue, cfg), cfg, domain.SideBuy)
	}
}

func (s *CrossPlatform) emitSplit(ctx context.Context, split splitMatch, partLegs []domain.Leg,
	combinedBook domain.BookSnapshot, profitPct, basis, profitPerContract, maxSize float64,
	oldest time.Time, minPct float64, cfg crossCfg, combinedSide domain.Side) {

	metrics := map[string]float64{
		"profit_pct": profitPct,
		"basis":      basis,
		"min_pct":    minPct,
	}
	if profitPct < minPct {
		s.logScan(ctx, split.combined.Venue, split.combined.ID, false, "split below threshold", metrics)
		return
	}

	confidence := ageConfidence(oldest, time.Duration(cfg.MaxDataAgeSec*float64(time.Second)))
	if confidence < cfg.MinConfidence {
		s.logScan(ctx, split.combined.Venue, split.combined.ID, false, "split stale data", metrics)
		return
	}

	key := domain.MarketKey{Venue: split.combined.Venue, MarketID: split.combined.ID}
	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	if s.onCooldown(key, cooldown) {
		return
	}

	combinedPrice := combinedBook.BestBid()
	combinedSize := topSize(combinedBook.Bids)
	if combinedSide == domain.SideBuy {
		combinedPrice = combinedBook.BestAsk()
		combinedSize = topSize(combinedBook.Asks)
	}
	legs := append(append([]domain.Leg{}, partLegs...), domain.Leg{
		Side: combinedSide, Venue: split.combined.Venue, MarketID: yesSymbol(split.combined),
		Title: split.combined.Title, Price: combinedPrice, MaxSize: combinedSize,
	})
	if cfg.MaxPositionUSD > 0 && basis > 0 {
		if limit := cfg.MaxPositionUSD / basis; limit < maxSize {
			maxSize = limit
		}
	}

	s.logScan(ctx, split.combined.Venue, split.combined.ID, true, "split-market gap", metrics)
	s.emit(ctx, domain.Opportunity{
		Kind:              domain.ArbSplitMarket,
		Legs:              legs,
		ProfitPerContract: profitPerContract,
		ProfitPct:         profitPct,
		MaxSize:           maxSize,
		TotalProfitUSD:    profitPerContract * maxSize,
		Confidence:        confidence,
		Score:             profitPct,
	})
	s.markCooldown(key, cooldown)
}

// buyThresholdPct returns the minimum profit for a buy on the given venue:
// the zero-fee venue clears at a lower bar than the profit-fee venue.
func buyThresholdPct(buyVenue domain.Venue, cfg crossCfg) float64 {
	if buyVenue == domain.VenueKalshi {
		return cfg.BuyHighFeeMinPct
	}
	return cfg.BuyZeroFeeMinPct
}

// normTitle canonicalizes a market title for cross-venue matching.
func normTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// eventBaseTitle returns the longest common prefix of the outcome titles,
// trimmed at a word boundary.
func eventBaseTitle(parts []domain.Market) string {
	if len(parts) == 0 {
		return ""
	}
	base := parts[0].Title
	for _, p := range parts[1:] {
		base = commonPrefix(base, p.Title)
	}
	if i := strings.LastIndex(base, " "); i > 0 {
		base = base[:i]
	}
	return strings.TrimSpace(base)
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func minSizeOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
