package executor

import (
	"context"
	"errors"
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

type fakeOppStore struct {
	mu       sync.Mutex
	logged   []domain.Opportunity
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
	f.logged = append(f.logged, opp)
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

func (f *fakeOppStore) status(id string) (domain.OpportunityStatus, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id], f.reasons[id]
}

type fakeTradeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (f *fakeTradeStore) Log(_ context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeTradeStore) LogLive(ctx context.Context, t domain.Trade) error { return f.Log(ctx, t) }

func (f *fakeTradeStore) UpdateStatus(context.Context, string, domain.TradeStatus, float64, float64, string) error {
	return nil
}

func (f *fakeTradeStore) ListRecent(context.Context, int) ([]domain.Trade, error) { return nil, nil }
func (f *fakeTradeStore) DailyPnL(context.Context) (float64, error)               { return 0, nil }

func (f *fakeTradeStore) all() []domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Trade(nil), f.trades...)
}

// fakeClient fills every order at its limit price unless failOrders is set.
type fakeClient struct {
	venue      domain.Venue
	books      map[string]domain.BookSnapshot
	failOrders bool

	mu     sync.Mutex
	orders map[string]domain.Order
	placed int
}

func newFakeClient(v domain.Venue) *fakeClient {
	return &fakeClient{
		venue:  v,
		books:  make(map[string]domain.BookSnapshot),
		orders: make(map[string]domain.Order),
	}
}

func (c *fakeClient) setBook(marketID string, bid, ask float64) {
	c.books[marketID] = domain.BookSnapshot{
		Venue:    c.venue,
		MarketID: marketID,
		Bids:     []domain.PriceLevel{{Price: bid, Size: 1000}},
		Asks:     []domain.PriceLevel{{Price: ask, Size: 1000}},
	}
}

func (c *fakeClient) Venue() domain.Venue { return c.venue }

func (c *fakeClient) GetTicker(context.Context, string) (domain.Ticker, error) {
	return domain.Ticker{}, nil
}

func (c *fakeClient) GetTickers(context.Context, []string) (map[string]domain.Ticker, error) {
	return nil, nil
}

func (c *fakeClient) GetOrderBook(_ context.Context, symbol string, _ int) (domain.BookSnapshot, error) {
	book, ok := c.books[symbol]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	return book, nil
}

func (c *fakeClient) GetOHLCV(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (c *fakeClient) GetBalance(context.Context, string) (map[string]domain.Balance, error) {
	return map[string]domain.Balance{"USD": {Asset: "USD", Free: 10_000, Total: 10_000}}, nil
}

func (c *fakeClient) GetPositions(context.Context, string) ([]domain.Position, error) {
	return nil, nil
}

func (c *fakeClient) CreateOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed++
	if c.failOrders {
		return domain.Order{}, errors.New("venue rejected order")
	}
	id := req.Symbol + "-" + string(req.Side)
	order := domain.Order{
		ID:       id,
		Venue:    c.venue,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Amount:   req.Amount,
		Filled:   req.Amount,
		AvgPrice: req.Price,
		Status:   domain.OrderStatusFilled,
	}
	c.orders[id] = order
	return order, nil
}

func (c *fakeClient) CancelOrder(context.Context, string, string) (bool, error) { return true, nil }

func (c *fakeClient) GetOrder(_ context.Context, id, _ string) (domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (c *fakeClient) GetOpenOrders(context.Context, string) ([]domain.Order, error) {
	return nil, nil
}

func (c *fakeClient) Fees() domain.FeeSchedule { return domain.FeeSchedule{} }

func testCfg() config.TenantConfig {
	cfg := config.TenantDefaults()
	cfg.Trading.DryRun = false
	cfg.Trading.ManualApprovalTrades = 0
	cfg.Trading.MinTradeSizeUSD = 1
	return cfg
}

func newTestExecutor(t *testing.T, cfg config.TenantConfig, clients ...*fakeClient) (*Executor, *fakeOppStore, *fakeTradeStore) {
	t.Helper()
	set := &venue.Set{Clients: make(map[domain.Venue]domain.TradingClient)}
	for _, c := range clients {
		set.Clients[c.venue] = c
	}
	opps := newFakeOppStore()
	trades := &fakeTradeStore{}
	exec := New(Deps{
		TenantID: "tenant-1",
		Snapshot: func() config.TenantConfig { return cfg },
		Venues:   set,
		Opps:     opps,
		Trades:   trades,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, 0)
	return exec, opps, trades
}

func crossOpp(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:       id,
		TenantID: "tenant-1",
		Kind:     domain.ArbCrossPlatform,
		Legs: []domain.Leg{
			{Side: domain.SideBuy, Venue: domain.VenuePolymarket, MarketID: "mkt-a", Price: 0.50, MaxSize: 100},
			{Side: domain.SideSell, Venue: domain.VenueKalshi, MarketID: "mkt-b", Price: 0.54, MaxSize: 100},
		},
		ProfitPerContract: 0.04,
		ProfitPct:         8,
		MaxSize:           100,
		Confidence:        0.9,
		Status:            domain.OppDetected,
		DetectedAt:        time.Now().UTC(),
	}
}

func TestExecuteTwoLegsBooksProfit(t *testing.T) {
	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, trades := newTestExecutor(t, testCfg(), poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	status, _ := opps.status("opp-1")
	assert.Equal(t, domain.OppExecuted, status)

	all := trades.all()
	require.Len(t, all, 2)
	for _, tr := range all {
		assert.Equal(t, domain.TradeStatusFilled, tr.Status)
	}

	pnl, failures, executed, paused := exec.Risk().Snapshot()
	assert.InDelta(t, 0.04*100, pnl, 1e-9)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1, executed)
	assert.False(t, paused)
}

func TestCircuitBreakerRefusesAfterConsecutiveFailures(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.MaxConsecutiveFailures = 3

	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	poly.failOrders = true
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, _ := newTestExecutor(t, cfg, poly, kalshi)
	for i := 0; i < 3; i++ {
		// Distinct markets so the dedup gate does not swallow the repeats.
		id := "fail-" + string(rune('a'+i))
		opp := crossOpp(id)
		opp.Legs[0].MarketID = "mkt-a-" + id
		poly.setBook(opp.Legs[0].MarketID, 0.48, 0.50)
		exec.process(context.Background(), opp)
	}

	// Fourth call must be refused before any order is placed.
	placedBefore := poly.placed
	exec.process(context.Background(), crossOpp("opp-4"))
	status, reason := opps.status("opp-4")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Contains(t, reason, "consecutive failures")
	assert.Equal(t, placedBefore, poly.placed)

	// Resume reopens the breaker.
	exec.Risk().Resume()
	poly.failOrders = false
	exec.process(context.Background(), crossOpp("opp-5"))
	status, _ = opps.status("opp-5")
	assert.Equal(t, domain.OppExecuted, status)
}

func TestDailyLossLimitTripsGate(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.MaxDailyLossUSD = 50

	exec, opps, _ := newTestExecutor(t, cfg)
	exec.Risk().RecordResult(-60)

	exec.process(context.Background(), crossOpp("opp-1"))
	status, reason := opps.status("opp-1")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Contains(t, reason, "daily loss")
}

func TestManualApprovalHoldsThenExecutes(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.ManualApprovalTrades = 1

	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, trades := newTestExecutor(t, cfg, poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	pending := exec.Pending()
	require.Len(t, pending, 1)
	assert.Empty(t, trades.all())

	require.NoError(t, exec.Approve(context.Background(), "opp-1"))
	status, _ := opps.status("opp-1")
	assert.Equal(t, domain.OppExecuted, status)
	assert.Len(t, trades.all(), 2)
	assert.Empty(t, exec.Pending())

	// Approval window is spent; the next opportunity executes directly.
	exec.process(context.Background(), crossOpp("opp-2"))
	assert.Empty(t, exec.Pending())
}

func TestRejectMarksSkipped(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.ManualApprovalTrades = 1

	exec, opps, _ := newTestExecutor(t, cfg)
	exec.process(context.Background(), crossOpp("opp-1"))
	require.Len(t, exec.Pending(), 1)

	require.NoError(t, exec.Reject(context.Background(), "opp-1", "too risky"))
	status, reason := opps.status("opp-1")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Equal(t, "too risky", reason)

	assert.ErrorIs(t, exec.Reject(context.Background(), "opp-1", ""), domain.ErrNotFound)
}

func TestPriceVerificationRejectsMovedMarket(t *testing.T) {
	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.52, 0.55) // ask moved 10% above the recorded 0.50
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, trades := newTestExecutor(t, testCfg(), poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	status, reason := opps.status("opp-1")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Contains(t, reason, "buy price moved")
	assert.Empty(t, trades.all())
}

func TestSizingRespectsMaxTradeAndMinimum(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.MaxTradeSizeUSD = 10 // caps 100 contracts at 0.50 down to 20

	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, _, trades := newTestExecutor(t, cfg, poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	all := trades.all()
	require.Len(t, all, 2)
	assert.InDelta(t, 20, all[0].RequestedSize, 1e-9)

	// Below the minimum the trade is refused entirely.
	cfg.Trading.MinTradeSizeUSD = 50
	exec2, opps2, trades2 := newTestExecutor(t, cfg, poly, kalshi)
	exec2.process(context.Background(), crossOpp("opp-2"))
	status, reason := opps2.status("opp-2")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Contains(t, reason, "below minimum")
	assert.Empty(t, trades2.all())
}

func TestDryRunRecordsLegsWithoutVenueCalls(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.DryRun = true

	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, trades := newTestExecutor(t, cfg, poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	status, _ := opps.status("opp-1")
	assert.Equal(t, domain.OppExecuted, status)
	all := trades.all()
	require.Len(t, all, 2)
	for _, tr := range all {
		assert.Equal(t, domain.TradeStatusDryRun, tr.Status)
	}
	assert.Zero(t, poly.placed)

	pnl, _, _, _ := exec.Risk().Snapshot()
	assert.InDelta(t, 4.0, pnl, 1e-9)
}

func TestOneLeggedFillBumpsFailuresAndAudits(t *testing.T) {
	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)
	kalshi.failOrders = true

	exec, opps, _ := newTestExecutor(t, testCfg(), poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))

	status, reason := opps.status("opp-1")
	assert.Equal(t, domain.OppFailed, status)
	assert.Contains(t, reason, "after buy filled")

	_, failures, _, _ := exec.Risk().Snapshot()
	assert.Equal(t, 1, failures)
}

func TestDuplicateOpportunitySkipped(t *testing.T) {
	cfg := testCfg()
	cfg.Trading.DryRun = true

	poly := newFakeClient(domain.VenuePolymarket)
	poly.setBook("mkt-a", 0.48, 0.50)
	kalshi := newFakeClient(domain.VenueKalshi)
	kalshi.setBook("mkt-b", 0.54, 0.56)

	exec, opps, _ := newTestExecutor(t, cfg, poly, kalshi)
	exec.process(context.Background(), crossOpp("opp-1"))
	exec.process(context.Background(), crossOpp("opp-2"))

	status, _ := opps.status("opp-1")
	assert.Equal(t, domain.OppExecuted, status)
	status, reason := opps.status("opp-2")
	assert.Equal(t, domain.OppSkipped, status)
	assert.Contains(t, reason, "duplicate")
}
