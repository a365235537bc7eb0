package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue"
)

type fakeBooks struct {
	mu    sync.Mutex
	snaps map[string]domain.BookSnapshot
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{snaps: make(map[string]domain.BookSnapshot)}
}

func (f *fakeBooks) SetSnapshot(_ context.Context, snap domain.BookSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[string(snap.Venue)+"/"+snap.MarketID] = snap
	return nil
}

func (f *fakeBooks) GetSnapshot(_ context.Context, v domain.Venue, marketID string) (domain.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[string(v)+"/"+marketID]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeBooks) put(v domain.Venue, marketID string, bid, bidSize, ask, askSize float64, ts time.Time) {
	snap := domain.BookSnapshot{Venue: v, MarketID: marketID, Timestamp: ts}
	if bid > 0 {
		snap.Bids = []domain.PriceLevel{{Price: bid, Size: bidSize}}
	}
	if ask > 0 {
		snap.Asks = []domain.PriceLevel{{Price: ask, Size: askSize}}
	}
	_ = f.SetSnapshot(context.Background(), snap)
}

type fakeScans struct {
	mu    sync.Mutex
	scans []domain.MarketScan
}

func (f *fakeScans) LogScan(_ context.Context, scan domain.MarketScan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scan)
	return nil
}

func (f *fakeScans) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.scans))
	for i, s := range f.scans {
		out[i] = s.Reason
	}
	return out
}

type fakeLister struct {
	markets []domain.Market
}

func (f *fakeLister) ListMarkets(context.Context, int) ([]domain.Market, error) {
	return f.markets, nil
}

func testDeps(books *fakeBooks, scans *fakeScans, listers map[domain.Venue]domain.MarketLister, cfg config.TenantConfig, out chan domain.Opportunity) Deps {
	return Deps{
		TenantID: "tenant-1",
		Snapshot: func() config.TenantConfig { return cfg },
		Venues:   &venue.Set{Listers: listers, Clients: map[domain.Venue]domain.TradingClient{}},
		Books:    books,
		Scans:    scans,
		Out:      out,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func drain(ch chan domain.Opportunity) []domain.Opportunity {
	var out []domain.Opportunity
	for {
		select {
		case opp := <-ch:
			out = append(out, opp)
		default:
			return out
		}
	}
}

func TestScoreDutchBook(t *testing.T) {
	cases := []struct {
		name      string
		profitPct float64
		outcomes  int
		liquidity float64
		score     float64
	}{
		{"binary five percent", 5, 2, 50_000, 5},
		{"three outcome bonus", 5, 3, 50_000, 6.5},
		{"five outcome bonus", 10, 5, 50_000, 15},
		{"thin book bonus", 5, 2, 5_000, 6},
		{"deep book penalty", 5, 2, 300_000, 4},
		{"fair market", 0, 2, 50_000, 0},
		{"negative edge scores zero", -3, 5, 5_000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.score, scoreDutchBook(tc.profitPct, tc.outcomes, tc.liquidity), 1e-9)
		})
	}
}

func TestSinglePlatformBinaryDutchBook(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	books.put(domain.VenuePolymarket, "tok-yes", 0.54, 100, 0.55, 200, now)
	books.put(domain.VenuePolymarket, "tok-no", 0.39, 100, 0.40, 150, now)

	markets := []domain.Market{{
		Venue:    domain.VenuePolymarket,
		ID:       "mkt-1",
		Title:    "Will it rain tomorrow?",
		Outcomes: []string{"Yes", "No"},
		TokenIDs: []string{"tok-yes", "tok-no"},
	}}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{
		Enabled: true, MinProfitPct: 2, CooldownSec: 3600,
	}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewSinglePlatform(testDeps(books, scans,
		map[domain.Venue]domain.MarketLister{domain.VenuePolymarket: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, domain.ArbSinglePlatform, opp.Kind)
	assert.Equal(t, domain.OppDetected, opp.Status)
	assert.Equal(t, "tenant-1", opp.TenantID)
	assert.Equal(t, "single_platform", opp.Scanner)
	assert.InDelta(t, 5.0, opp.ProfitPct, 1e-9)
	assert.InDelta(t, 0.05, opp.ProfitPerContract, 1e-9)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, domain.SideBuy, opp.Legs[0].Side)
	assert.Equal(t, domain.SideBuy, opp.Legs[1].Side)
	assert.InDelta(t, 150, opp.MaxSize, 1e-9, "capped by the thinner leg")
	assert.Greater(t, opp.Confidence, 0.9)
}

func TestSinglePlatformCooldownSuppressesRepeat(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	books.put(domain.VenuePolymarket, "tok-yes", 0.54, 100, 0.55, 200, now)
	books.put(domain.VenuePolymarket, "tok-no", 0.39, 100, 0.40, 150, now)

	markets := []domain.Market{{
		Venue:    domain.VenuePolymarket,
		ID:       "mkt-1",
		Title:    "Will it rain tomorrow?",
		Outcomes: []string{"Yes", "No"},
		TokenIDs: []string{"tok-yes", "tok-no"},
	}}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewSinglePlatform(testDeps(books, scans,
		map[domain.Venue]domain.MarketLister{domain.VenuePolymarket: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))
	require.NoError(t, s.tick(context.Background()))

	assert.Len(t, drain(out), 1, "second tick inside the cooldown must not emit")
	assert.Contains(t, scans.reasons(), "cooldown")
}

func TestSinglePlatformBelowProfitFloor(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	books.put(domain.VenuePolymarket, "tok-yes", 0.54, 100, 0.55, 200, now)
	books.put(domain.VenuePolymarket, "tok-no", 0.43, 100, 0.44, 150, now)

	markets := []domain.Market{{
		Venue:    domain.VenuePolymarket,
		ID:       "mkt-1",
		Title:    "Close call",
		Outcomes: []string{"Yes", "No"},
		TokenIDs: []string{"tok-yes", "tok-no"},
	}}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewSinglePlatform(testDeps(books, scans,
		map[domain.Venue]domain.MarketLister{domain.VenuePolymarket: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	assert.Empty(t, drain(out))
	assert.Contains(t, scans.reasons(), "below profit floor")
}

func TestSinglePlatformMultiOutcomeEvent(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	books.put(domain.VenuePolymarket, "cand-a", 0.35, 50, 0.36, 50, now)
	books.put(domain.VenuePolymarket, "cand-b", 0.35, 50, 0.36, 50, now)
	books.put(domain.VenuePolymarket, "cand-c", 0.35, 50, 0.36, 50, now)

	markets := []domain.Market{
		{Venue: domain.VenuePolymarket, ID: "cand-a", EventID: "evt-1", Title: "Candidate A", Liquidity: 50_000},
		{Venue: domain.VenuePolymarket, ID: "cand-b", EventID: "evt-1", Title: "Candidate B", Liquidity: 50_000},
		{Venue: domain.VenuePolymarket, ID: "cand-c", EventID: "evt-1", Title: "Candidate C", Liquidity: 50_000},
	}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	s := NewSinglePlatform(testDeps(books, &fakeScans{},
		map[domain.Venue]domain.MarketLister{domain.VenuePolymarket: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, domain.ArbMultiOutcome, opp.Kind)
	require.Len(t, opp.Legs, 3)
	// Overpriced set: bids sum to 1.05, so sell every outcome for 5% with
	// the 3-outcome bonus. Buying at the asks here would lock in a loss.
	for _, leg := range opp.Legs {
		assert.Equal(t, domain.SideSell, leg.Side)
		assert.InDelta(t, 0.35, leg.Price, 1e-9)
	}
	assert.InDelta(t, 5.0, opp.ProfitPct, 1e-9)
	assert.InDelta(t, 0.05, opp.ProfitPerContract, 1e-9)
	assert.InDelta(t, 6.5, opp.Score, 1e-9)
}

func TestSinglePlatformUnderpricedEventBuysAllOutcomes(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	books.put(domain.VenuePolymarket, "cand-a", 0.30, 50, 0.31, 50, now)
	books.put(domain.VenuePolymarket, "cand-b", 0.30, 50, 0.31, 50, now)
	books.put(domain.VenuePolymarket, "cand-c", 0.30, 50, 0.31, 50, now)

	markets := []domain.Market{
		{Venue: domain.VenuePolymarket, ID: "cand-a", EventID: "evt-1", Title: "Candidate A", Liquidity: 50_000},
		{Venue: domain.VenuePolymarket, ID: "cand-b", EventID: "evt-1", Title: "Candidate B", Liquidity: 50_000},
		{Venue: domain.VenuePolymarket, ID: "cand-c", EventID: "evt-1", Title: "Candidate C", Liquidity: 50_000},
	}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	s := NewSinglePlatform(testDeps(books, &fakeScans{},
		map[domain.Venue]domain.MarketLister{domain.VenuePolymarket: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	require.Len(t, opp.Legs, 3)
	for _, leg := range opp.Legs {
		assert.Equal(t, domain.SideBuy, leg.Side)
		assert.InDelta(t, 0.31, leg.Price, 1e-9)
	}
	assert.InDelta(t, 7.0, opp.ProfitPct, 1e-9)
}

func TestSinglePlatformFoldedBookSpreadIsNotEdge(t *testing.T) {
	books := newFakeBooks()
	books.put(domain.VenueKalshi, "PRES-24", 0.50, 100, 0.55, 100, time.Now())

	markets := []domain.Market{{
		Venue:    domain.VenueKalshi,
		ID:       "PRES-24",
		Title:    "Presidential winner",
		Outcomes: []string{"Yes", "No"},
	}}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewSinglePlatform(testDeps(books, scans,
		map[domain.Venue]domain.MarketLister{domain.VenueKalshi: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	// The set costs ask + (1 - bid) = 1.05 here: that is the bid-ask spread,
	// not a mispricing. Only a crossed book should emit.
	assert.Empty(t, drain(out))
	assert.Contains(t, scans.reasons(), "no mispricing")
}

func TestSinglePlatformFoldedBookCrossedEmits(t *testing.T) {
	books := newFakeBooks()
	books.put(domain.VenueKalshi, "PRES-24", 0.56, 100, 0.52, 100, time.Now())

	markets := []domain.Market{{
		Venue:    domain.VenueKalshi,
		ID:       "PRES-24",
		Title:    "Presidential winner",
		Outcomes: []string{"Yes", "No"},
	}}

	var cfg config.TenantConfig
	cfg.SinglePlatform = config.SinglePlatformConfig{Enabled: true, MinProfitPct: 2, CooldownSec: 3600}

	out := make(chan domain.Opportunity, 4)
	s := NewSinglePlatform(testDeps(books, &fakeScans{},
		map[domain.Venue]domain.MarketLister{domain.VenueKalshi: &fakeLister{markets: markets}}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	// totalAsk = 0.52 + (1 - 0.56) = 0.96: a genuine 4% crossing.
	assert.InDelta(t, 4.0, opps[0].ProfitPct, 1e-9)
}

func TestEmitZeroConfidenceBecomesSkipped(t *testing.T) {
	out := make(chan domain.Opportunity, 1)
	b := newBase("test", testDeps(newFakeBooks(), &fakeScans{}, nil, config.TenantConfig{}, out))

	b.emit(context.Background(), domain.Opportunity{
		Kind:       domain.ArbCrossPlatform,
		Confidence: 0,
	})

	opps := drain(out)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.OppSkipped, opps[0].Status)
	assert.Equal(t, "zero confidence", opps[0].SkipReason)
	assert.NotEmpty(t, opps[0].ID)
}

func TestAgeConfidence(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 1.0, ageConfidence(now, 10*time.Second), 0.01)
	assert.InDelta(t, 0.5, ageConfidence(now.Add(-5*time.Second), 10*time.Second), 0.01)
	assert.Zero(t, ageConfidence(now.Add(-time.Minute), 10*time.Second))
	assert.Equal(t, 1.0, ageConfidence(now.Add(-time.Hour), 0), "no age limit means full confidence")
}

func TestCrossPlatformEmitsBothLegVenues(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	// Polymarket cheap, Kalshi rich: buy on the zero-fee venue at 0.50,
	// sell at 0.55 for a 10% gap.
	books.put(domain.VenuePolymarket, "pm-1", 0.49, 300, 0.50, 200, now)
	books.put(domain.VenueKalshi, "RAIN-24", 0.55, 100, 0.60, 100, now)

	pm := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenuePolymarket, ID: "pm-1", Title: "Will it rain tomorrow?",
	}}}
	ks := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenueKalshi, ID: "RAIN-24", Title: "Will it RAIN tomorrow",
	}}}

	var cfg config.TenantConfig
	cfg.CrossPlatform = config.CrossPlatformConfig{
		Enabled: true, BuyZeroFeeMinPct: 3, BuyHighFeeMinPct: 5,
		MaxDataAgeSec: 10, MinConfidence: 0.5, CooldownSec: 3600,
	}

	out := make(chan domain.Opportunity, 4)
	s := NewCrossPlatform(testDeps(books, &fakeScans{}, map[domain.Venue]domain.MarketLister{
		domain.VenuePolymarket: pm,
		domain.VenueKalshi:     ks,
	}, cfg, out))

	require.NoError(t, s.tick(context.Background()))

	opps := drain(out)
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, domain.ArbCrossPlatform, opp.Kind)
	assert.False(t, opp.SameVenue())
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, domain.VenuePolymarket, opp.BuyLeg().Venue)
	assert.Equal(t, domain.VenueKalshi, opp.SellLeg().Venue)
	assert.InDelta(t, 10.0, opp.ProfitPct, 1e-9)
	assert.InDelta(t, 100, opp.MaxSize, 1e-9, "bounded by the smaller book level")
}

func TestCrossPlatformHighFeeVenueNeedsWiderGap(t *testing.T) {
	books := newFakeBooks()
	now := time.Now()
	// Kalshi cheap by 4%: enough for a zero-fee buy, not for a 5% floor.
	books.put(domain.VenueKalshi, "K-1", 0.49, 100, 0.50, 100, now)
	books.put(domain.VenuePolymarket, "pm-1", 0.52, 100, 0.60, 100, now)

	pm := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenuePolymarket, ID: "pm-1", Title: "Shared question",
	}}}
	ks := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenueKalshi, ID: "K-1", Title: "Shared question",
	}}}

	var cfg config.TenantConfig
	cfg.CrossPlatform = config.CrossPlatformConfig{
		Enabled: true, BuyZeroFeeMinPct: 3, BuyHighFeeMinPct: 5,
		MaxDataAgeSec: 10, MinConfidence: 0.5, CooldownSec: 3600,
	}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewCrossPlatform(testDeps(books, scans, map[domain.Venue]domain.MarketLister{
		domain.VenuePolymarket: pm,
		domain.VenueKalshi:     ks,
	}, cfg, out))

	require.NoError(t, s.tick(context.Background()))
	assert.Empty(t, drain(out), "gap buying on the profit-fee venue stays below its floor")
	assert.Contains(t, scans.reasons(), "below venue threshold")

	// The same 4% gap clears when the buy side is the zero-fee venue.
	books.put(domain.VenuePolymarket, "pm-1", 0.45, 100, 0.46, 100, now)
	books.put(domain.VenueKalshi, "K-1", 0.48, 100, 0.56, 100, now)

	require.NoError(t, s.tick(context.Background()))
	opps := drain(out)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.VenuePolymarket, opps[0].BuyLeg().Venue)
}

func TestCrossPlatformStaleDataAborts(t *testing.T) {
	books := newFakeBooks()
	stale := time.Now().Add(-9 * time.Second)
	books.put(domain.VenuePolymarket, "pm-1", 0.49, 100, 0.50, 100, stale)
	books.put(domain.VenueKalshi, "K-1", 0.60, 100, 0.62, 100, stale)

	pm := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenuePolymarket, ID: "pm-1", Title: "Shared question",
	}}}
	ks := &fakeLister{markets: []domain.Market{{
		Venue: domain.VenueKalshi, ID: "K-1", Title: "Shared question",
	}}}

	var cfg config.TenantConfig
	cfg.CrossPlatform = config.CrossPlatformConfig{
		Enabled: true, BuyZeroFeeMinPct: 3, BuyHighFeeMinPct: 5,
		MaxDataAgeSec: 10, MinConfidence: 0.5, CooldownSec: 3600,
	}

	out := make(chan domain.Opportunity, 4)
	scans := &fakeScans{}
	s := NewCrossPlatform(testDeps(books, scans, map[domain.Venue]domain.MarketLister{
		domain.VenuePolymarket: pm,
		domain.VenueKalshi:     ks,
	}, cfg, out))

	require.NoError(t, s.tick(context.Background()))
	assert.Empty(t, drain(out))
	assert.Contains(t, scans.reasons(), "stale data")
}

func TestMatchMarketsNormalizesTitles(t *testing.T) {
	pairs := matchMarkets(
		[]domain.Market{{ID: "a", Title: "Will BTC hit $100k?"}},
		[]domain.Market{{ID: "b", Title: "will btc hit 100K"}},
	)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].a.ID)
	assert.Equal(t, "b", pairs[0].b.ID)

	assert.Empty(t, matchMarkets(
		[]domain.Market{{ID: "a", Title: "Will BTC hit $100k?"}},
		[]domain.Market{{ID: "b", Title: "Will ETH hit $10k?"}},
	))
}

func TestBuyThresholdPct(t *testing.T) {
	cfg := crossCfg{BuyZeroFeeMinPct: 3, BuyHighFeeMinPct: 5}
	assert.Equal(t, 3.0, buyThresholdPct(domain.VenuePolymarket, cfg))
	assert.Equal(t, 5.0, buyThresholdPct(domain.VenueKalshi, cfg))
}
