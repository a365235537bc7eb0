package sim

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
)

// scriptRand replays a fixed sequence of rolls, repeating the last value
// once exhausted, so every friction branch is pinned.
type scriptRand struct {
	vals []float64
	i    int
}

func (r *scriptRand) Float64() float64 {
	if r.i >= len(r.vals) {
		return r.vals[len(r.vals)-1]
	}
	v := r.vals[r.i]
	r.i++
	return v
}

type fakePaperStore struct {
	mu     sync.Mutex
	trades []domain.PaperTrade
	stats  *domain.StatsSnapshot
}

func (f *fakePaperStore) LogPaperTrade(_ context.Context, pt domain.PaperTrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, pt)
	return nil
}

func (f *fakePaperStore) UpsertStats(_ context.Context, snap domain.StatsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = &snap
	return nil
}

func (f *fakePaperStore) GetStats(context.Context) (domain.StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		return domain.StatsSnapshot{}, domain.ErrNotFound
	}
	return *f.stats, nil
}

func (f *fakePaperStore) CountPaperTrades(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.trades)), nil
}

func (f *fakePaperStore) ResetSimulation(context.Context, float64) error { return nil }

func (f *fakePaperStore) last() domain.PaperTrade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades[len(f.trades)-1]
}

func (f *fakePaperStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

type fakeOppStore struct {
	mu       sync.Mutex
	statuses map[string]domain.OpportunityStatus
	reasons  map[string]string
}

func newFakeOppStore() *fakeOppStore {
	return &fakeOppStore{
		statuses: make(map[string]domain.OpportunityStatus),
		reasons:  make(map[string]string),
	}
}

func (f *fakeOppStore) Log(_ context.Context, opp domain.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[opp.ID] = opp.Status
	return nil
}

func (f *fakeOppStore) UpdateStatus(_ context.Context, id string, status domain.OpportunityStatus, reason string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.reasons[id] = reason
	return nil
}

func (f *fakeOppStore) ListRecent(context.Context, int) ([]domain.Opportunity, error) {
	return nil, nil
}

func simCfg() config.TenantConfig {
	cfg := config.TenantDefaults()
	cfg.Sim.StartBalanceUSD = 1000
	cfg.Sim.ExecDelayMinSec = 0
	cfg.Sim.ExecDelayMaxSec = 0
	return cfg
}

func newTestSim(t *testing.T, cfg config.TenantConfig, rolls ...float64) (*Simulator, *fakePaperStore, *fakeOppStore) {
	t.Helper()
	paper := &fakePaperStore{}
	opps := newFakeOppStore()
	s := New(Deps{
		TenantID: "tenant-1",
		Snapshot: func() config.TenantConfig { return cfg },
		Paper:    paper,
		Opps:     opps,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:     &scriptRand{vals: rolls},
		Sleep:    func(context.Context, time.Duration) {},
	})
	require.NoError(t, s.Init(context.Background()))
	return s, paper, opps
}

func crossOpp(id, marketA, marketB string, spreadPct float64) domain.Opportunity {
	return domain.Opportunity{
		ID:        id,
		TenantID:  "tenant-1",
		Kind:      domain.ArbCrossPlatform,
		ProfitPct: spreadPct,
		Legs: []domain.Leg{
			{Side: domain.SideBuy, Venue: domain.VenuePolymarket, MarketID: marketA, Title: "A", Price: 0.50},
			{Side: domain.SideSell, Venue: domain.VenueKalshi, MarketID: marketB, Title: "B", Price: 0.55},
		},
		Confidence: 0.9,
		Status:     domain.OppDetected,
		DetectedAt: time.Now().UTC(),
	}
}

func dutchOpp(id, market string, spreadPct float64) domain.Opportunity {
	return domain.Opportunity{
		ID:        id,
		TenantID:  "tenant-1",
		Kind:      domain.ArbSinglePlatform,
		ProfitPct: spreadPct,
		Legs: []domain.Leg{
			{Side: domain.SideBuy, Venue: domain.VenuePolymarket, MarketID: market, Title: "YES", Price: 0.55},
			{Side: domain.SideBuy, Venue: domain.VenuePolymarket, MarketID: market, Title: "NO", Price: 0.40},
		},
		Confidence: 1,
		Status:     domain.OppDetected,
		DetectedAt: time.Now().UTC(),
	}
}

// winningRolls drives the friction model to a clean win: adverse drift at
// its 0.05 floor, no partial fill, no execution failure, no adverse
// resolution.
func winningRolls() []float64 {
	return []float64{
		0,    // delay
		0,    // drift branch: adverse
		0,    // drift magnitude: floor (0.05)
		0.99, // partial fill: miss
		0.99, // execution failure: miss
		0.99, // loss: miss
	}
}

func TestWonTradeIncreasesBalanceByNetProfit(t *testing.T) {
	cfg := simCfg()
	s, paper, opps := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), dutchOpp("opp-1", "mkt-x", 5.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperWon, pt.Outcome)
	// executed spread 4.95, minus 0.5 slippage and 0.3 spread cost = 4.15%
	// of a 50 USD position; Polymarket charges nothing.
	assert.InDelta(t, 4.95, pt.ExecutedSpread, 1e-9)
	assert.InDelta(t, 50, pt.SizeUSD, 1e-9)
	assert.InDelta(t, 2.075, pt.NetProfitUSD, 1e-9)
	assert.Zero(t, pt.FeesUSD)
	assert.InDelta(t, 1000+2.075, s.Balance(), 1e-9)
	assert.Equal(t, domain.OppExecuted, opps.statuses["opp-1"])

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TradeCount)
	assert.Equal(t, int64(1), stats.WinCount)
	assert.InDelta(t, 2.075, stats.BestTradeUSD, 1e-9)
}

func TestKalshiDutchBookPaysProfitFee(t *testing.T) {
	cfg := simCfg()
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	opp := dutchOpp("opp-1", "mkt-x", 5.0)
	for i := range opp.Legs {
		opp.Legs[i].Venue = domain.VenueKalshi
	}
	s.Simulate(context.Background(), opp)

	pt := paper.last()
	require.Equal(t, domain.PaperWon, pt.Outcome)
	gross := 50 * 4.15 / 100
	assert.InDelta(t, gross*0.07, pt.FeesUSD, 1e-9)
	assert.InDelta(t, gross*0.93, pt.NetProfitUSD, 1e-9)
}

func TestLostTradeDecreasesBalance(t *testing.T) {
	cfg := simCfg()
	rolls := []float64{
		0,    // delay
		0,    // drift branch
		0,    // drift magnitude
		0.99, // partial fill: miss
		0.99, // execution failure: miss
		0,    // loss: hit
		0.5,  // severity: midpoint
	}
	s, paper, _ := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), dutchOpp("opp-1", "mkt-x", 5.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperLost, pt.Outcome)
	// Severity midpoint of 2-12% on a 50 USD position is 3.50 USD.
	assert.InDelta(t, -3.5, pt.NetProfitUSD, 1e-9)
	assert.InDelta(t, 1000-3.5, s.Balance(), 1e-9)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.LossCount)
	assert.InDelta(t, -3.5, stats.WorstTradeUSD, 1e-9)
}

func TestExecutionFailureLeavesBalanceUnchanged(t *testing.T) {
	cfg := simCfg()
	rolls := []float64{
		0,    // delay
		0,    // drift branch
		0,    // drift magnitude
		0.99, // partial fill: miss
		0,    // execution failure: hit
	}
	s, paper, opps := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), dutchOpp("opp-1", "mkt-x", 5.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperFailedExec, pt.Outcome)
	assert.Zero(t, pt.NetProfitUSD)
	assert.InDelta(t, 1000, s.Balance(), 1e-9)
	assert.Equal(t, domain.OppFailed, opps.statuses["opp-1"])
}

func TestLatencyDriftKillsThinSpread(t *testing.T) {
	cfg := simCfg()
	cfg.Sim.ExecDelayMinSec = 2.0
	cfg.Sim.ExecDelayMaxSec = 2.0
	cfg.Sim.DriftVolatilityPerSec = 3.0
	rolls := []float64{
		0, // delay (min == max)
		0, // drift branch: adverse
		1, // drift magnitude: full 6.0 points
	}
	s, paper, opps := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 2.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperFailedExec, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "drift")
	assert.InDelta(t, 1000, s.Balance(), 1e-9)
	assert.Equal(t, domain.OppFailed, opps.statuses["opp-1"])
}

func TestExecutedSpreadNeverGainsMoreThanNoise(t *testing.T) {
	cfg := simCfg()
	// Noise branch at its most favourable: drift of -0.05 points.
	rolls := []float64{
		0,    // delay
		0.9,  // drift branch: noise
		0,    // noise roll: -0.05
		0.99, // partial fill: miss
		0.99, // execution failure: miss
		0.99, // loss: miss
	}
	s, paper, _ := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), dutchOpp("opp-1", "mkt-x", 5.0))

	pt := paper.last()
	assert.LessOrEqual(t, pt.ExecutedSpread, pt.OriginalSpread+0.05+1e-9)
}

func TestCooldownBlocksRepeatThenExpires(t *testing.T) {
	cfg := simCfg()
	s, paper, opps := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 5.0))
	require.Equal(t, domain.PaperWon, paper.last().Outcome)

	// Within the 600s window the same pair is refused.
	s.Simulate(context.Background(), crossOpp("opp-2", "mkt-a", "mkt-b", 5.0))
	pt := paper.last()
	assert.Equal(t, domain.PaperSkipped, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "Cooldown")
	assert.Equal(t, domain.OppSkipped, opps.statuses["opp-2"])

	// Age the stamps past the window and the pair trades again.
	s.mu.Lock()
	for key, stamps := range s.cooldown {
		for i := range stamps {
			stamps[i] = stamps[i].Add(-601 * time.Second)
		}
		s.cooldown[key] = stamps
	}
	s.mu.Unlock()
	s.deps.Rand = &scriptRand{vals: winningRolls()}

	s.Simulate(context.Background(), crossOpp("opp-3", "mkt-a", "mkt-b", 5.0))
	assert.Equal(t, domain.PaperWon, paper.last().Outcome)
}

func TestDailyTradeLimit(t *testing.T) {
	cfg := simCfg()
	cfg.Sim.MaxDailyTrades = 1
	rolls := append(winningRolls(), winningRolls()...)
	s, paper, _ := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 5.0))
	require.Equal(t, domain.PaperWon, paper.last().Outcome)

	s.Simulate(context.Background(), crossOpp("opp-2", "mkt-c", "mkt-d", 5.0))
	pt := paper.last()
	assert.Equal(t, domain.PaperSkipped, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "daily trade limit")
}

func TestSameVenueOverlapSkippedByDefault(t *testing.T) {
	cfg := simCfg()
	require.True(t, cfg.Sim.SkipSameVenueOverlap)
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	opp := crossOpp("opp-1", "mkt-a", "mkt-b", 5.0)
	opp.Kind = domain.ArbSameVenueOverlap
	for i := range opp.Legs {
		opp.Legs[i].Venue = domain.VenuePolymarket
	}
	s.Simulate(context.Background(), opp)

	pt := paper.last()
	assert.Equal(t, domain.PaperSkipped, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "overlap")
}

func TestAbsurdSpreadRejectedAsFalsePositive(t *testing.T) {
	cfg := simCfg()
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 40.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperSkipped, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "bad data")
}

func TestBalanceFloorSkips(t *testing.T) {
	cfg := simCfg()
	cfg.Sim.StartBalanceUSD = 5
	cfg.Sim.MinPositionUSD = 10
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 5.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperSkipped, pt.Outcome)
	assert.Contains(t, pt.OutcomeReason, "below minimum position")
}

func TestPartialFillShrinksPositionAndMarksOutcome(t *testing.T) {
	cfg := simCfg()
	rolls := []float64{
		0,    // delay
		0,    // drift branch
		0,    // drift magnitude
		0,    // partial fill: hit
		0,    // partial multiplier: floor (0.4)
		0.99, // execution failure: miss
		0.99, // loss: miss
	}
	s, paper, _ := newTestSim(t, cfg, rolls...)

	s.Simulate(context.Background(), dutchOpp("opp-1", "mkt-x", 5.0))

	pt := paper.last()
	assert.Equal(t, domain.PaperPartialFill, pt.Outcome)
	assert.InDelta(t, 50*0.4, pt.SizeUSD, 1e-9)
	assert.Greater(t, pt.NetProfitUSD, 0.0)
}

func TestSkippedAttemptsStillPersistRows(t *testing.T) {
	cfg := simCfg()
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 40.0))
	assert.Equal(t, 1, paper.count())
	assert.Equal(t, int64(1), s.Stats().SkipCount)
}

func TestInitSeedsAnchorOnFirstRun(t *testing.T) {
	cfg := simCfg()
	s, paper, _ := newTestSim(t, cfg)

	assert.InDelta(t, 1000, s.Balance(), 1e-9)
	paper.mu.Lock()
	require.NotNil(t, paper.stats)
	assert.InDelta(t, 1000, paper.stats.StartBalance, 1e-9)
	paper.mu.Unlock()
}

func TestResetRestoresStartBalanceAndClearsCooldowns(t *testing.T) {
	cfg := simCfg()
	s, paper, _ := newTestSim(t, cfg, winningRolls()...)

	s.Simulate(context.Background(), crossOpp("opp-1", "mkt-a", "mkt-b", 5.0))
	require.Equal(t, domain.PaperWon, paper.last().Outcome)
	require.NotEqual(t, 1000.0, s.Balance())

	s.Reset(cfg.Sim.StartBalanceUSD)

	assert.InDelta(t, 1000, s.Balance(), 1e-9)
	stats := s.Stats()
	assert.Zero(t, stats.TradeCount)
	assert.Zero(t, stats.WinCount)
	assert.Zero(t, stats.TotalPnLUSD)
	assert.InDelta(t, 1000, stats.StartBalance, 1e-9)

	// The cooldown ledger is gone too: the same pair trades immediately.
	s.deps.Rand = &scriptRand{vals: winningRolls()}
	s.Simulate(context.Background(), crossOpp("opp-2", "mkt-a", "mkt-b", 5.0))
	assert.Equal(t, domain.PaperWon, paper.last().Outcome)
	assert.Equal(t, int64(1), s.Stats().TradeCount)
}
