// Package executor turns approved opportunities into venue orders. One
// executor per tenant drains the opportunity channel that all scanners share,
// so trades serialize and the risk state never races.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/venue"
)

// Notifier is the slice of the notification surface the executor needs.
// Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps is the dependency set for one tenant's executor.
type Deps struct {
	TenantID string
	Snapshot func() config.TenantConfig
	Venues   *venue.Set
	Opps     domain.OpportunityStore
	Trades   domain.TradeStore
	Audit    domain.AuditStore
	// Balance returns the tenant's available USD balance for sizing. A nil
	// Balance disables the balance cap (paper clients without accounts).
	Balance  func(ctx context.Context) (float64, error)
	Notifier Notifier
	Logger   *slog.Logger
	In       <-chan domain.Opportunity
}

// Executor is the live-mode execution backend. Gates run in order; the first
// failing gate records its reason and the opportunity never reaches a venue.
type Executor struct {
	deps   Deps
	logger *slog.Logger

	risk      *RiskState
	approvals *approvalQueue
	dedup     *Dedup

	fillPollInterval time.Duration
	fillTimeout      time.Duration
	cleanupInterval  time.Duration
}

// New creates an executor. seedPnL carries P&L already realized today so a
// restart does not reopen a tripped daily-loss breaker.
func New(deps Deps, seedPnL float64) *Executor {
	return &Executor{
		deps:             deps,
		logger:           deps.Logger.With(slog.String("component", "executor")),
		risk:             NewRiskState(seedPnL),
		approvals:        newApprovalQueue(),
		dedup:            NewDedup(2 * time.Minute),
		fillPollInterval: 500 * time.Millisecond,
		fillTimeout:      15 * time.Second,
		cleanupInterval:  30 * time.Second,
	}
}

// Risk exposes the tenant's risk state for status reporting and the
// UTC-midnight reset job.
func (e *Executor) Risk() *RiskState { return e.risk }

// Pending lists opportunities held for manual approval, in arrival order.
func (e *Executor) Pending() []domain.Opportunity { return e.approvals.Pending() }

// Approve releases a held opportunity and executes it immediately.
func (e *Executor) Approve(ctx context.Context, id string) error {
	opp, ok := e.approvals.Take(id)
	if !ok {
		return fmt.Errorf("executor: approve %s: %w", id, domain.ErrNotFound)
	}
	e.audit(ctx, "trade_approved", map[string]any{"opportunity_id": id})
	e.execute(ctx, opp)
	return nil
}

// Reject discards a held opportunity.
func (e *Executor) Reject(ctx context.Context, id, reason string) error {
	if _, ok := e.approvals.Take(id); !ok {
		return fmt.Errorf("executor: reject %s: %w", id, domain.ErrNotFound)
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	e.setStatus(ctx, id, domain.OppSkipped, reason, nil)
	e.audit(ctx, "trade_rejected", map[string]any{"opportunity_id": id, "reason": reason})
	return nil
}

// Run drains the opportunity channel until the context ends, then gives
// already-buffered opportunities a short grace window so detected edges are
// not silently dropped on shutdown.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case opp, ok := <-e.deps.In:
			if !ok {
				return nil
			}
			e.process(ctx, opp)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// drain marks whatever is still buffered as missed. Submitting new orders
// during shutdown would leave fills nobody is watching.
func (e *Executor) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case opp, ok := <-e.deps.In:
			if !ok {
				return
			}
			if err := e.deps.Opps.Log(drainCtx, opp); err == nil {
				e.setStatus(drainCtx, opp.ID, domain.OppMissed, "shutdown in progress", nil)
			}
		default:
			return
		}
	}
}

// process records the opportunity and walks it through the gates.
func (e *Executor) process(ctx context.Context, opp domain.Opportunity) {
	log := e.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
		slog.Float64("profit_pct", opp.ProfitPct))

	if err := e.deps.Opps.Log(ctx, opp); err != nil {
		log.Warn("opportunity log failed", slog.String("error", err.Error()))
	}
	if opp.Status == domain.OppSkipped || len(opp.Legs) == 0 {
		return
	}
	e.notify(ctx, "opportunity_detected", "Opportunity detected",
		fmt.Sprintf("%s %.2f%% on %s", opp.Kind, opp.ProfitPct, opp.Legs[0].MarketID))

	cfg := e.deps.Snapshot()

	// Gate 1: paused or circuit breaker.
	if reason, tripped := e.risk.Tripped(cfg.Trading); tripped {
		log.Warn("risk gate refused trade", slog.String("reason", reason))
		e.setStatus(ctx, opp.ID, domain.OppSkipped, reason, nil)
		return
	}

	// Gate 2: manual approval window covers the first N trades.
	if n := cfg.Trading.ManualApprovalTrades; n > 0 && e.risk.ExecutedTrades() < n {
		e.approvals.Hold(opp)
		log.Info("opportunity held for manual approval",
			slog.Int("pending", len(e.approvals.Pending())))
		e.audit(ctx, "approval_required", map[string]any{"opportunity_id": opp.ID})
		return
	}

	e.execute(ctx, opp)
}

// execute runs gates 3 and 4 and then the leg pattern. Called from process
// and from Approve.
func (e *Executor) execute(ctx context.Context, opp domain.Opportunity) {
	cfg := e.deps.Snapshot()
	log := e.logger.With(slog.String("opportunity_id", opp.ID))

	// Gate 3: the recorded prices must still hold and the edge must survive
	// recomputation at current prices.
	if reason, ok := e.verifyPrices(ctx, opp, cfg.Trading.SlippageTolerancePct); !ok {
		log.Info("price verification failed", slog.String("reason", reason))
		e.setStatus(ctx, opp.ID, domain.OppSkipped, reason, nil)
		return
	}

	// Gate 4: sizing.
	size, reason := e.sizeOpportunity(ctx, opp, cfg.Trading)
	if size <= 0 {
		log.Info("sizing refused trade", slog.String("reason", reason))
		e.setStatus(ctx, opp.ID, domain.OppSkipped, reason, nil)
		return
	}

	// The same mispricing detected twice in quick succession executes once.
	// Recorded only here so a gate-refused opportunity stays retryable.
	if e.dedup.IsDuplicate(dedupKey(opp)) {
		log.Info("duplicate of a recently executed opportunity")
		e.setStatus(ctx, opp.ID, domain.OppSkipped, "duplicate of a recent opportunity", nil)
		return
	}

	if cfg.Trading.DryRun {
		e.executeDryRun(ctx, opp, size)
		return
	}
	e.executeLive(ctx, opp, size)
}

// verifyPrices re-reads the top of book for every leg. Buy legs must still be
// fillable within tolerance above the recorded price, sell legs within
// tolerance below, and the recomputed profit must stay positive.
func (e *Executor) verifyPrices(ctx context.Context, opp domain.Opportunity, tolerancePct float64) (string, bool) {
	tol := tolerancePct / 100
	recomputed := 0.0
	for _, leg := range opp.Legs {
		client := e.deps.Venues.Client(leg.Venue)
		if client == nil {
			return fmt.Sprintf("no client for venue %s", leg.Venue), false
		}
		book, err := client.GetOrderBook(ctx, leg.MarketID, 1)
		if err != nil {
			return fmt.Sprintf("orderbook unavailable on %s: %v", leg.Venue, err), false
		}
		switch leg.Side {
		case domain.SideBuy:
			ask := book.BestAsk()
			if ask <= 0 || ask > leg.Price*(1+tol) {
				return fmt.Sprintf("buy price moved: recorded %.4f, now %.4f", leg.Price, ask), false
			}
			recomputed -= ask
		case domain.SideSell:
			bid := book.BestBid()
			if bid <= 0 || bid < leg.Price*(1-tol) {
				return fmt.Sprintf("sell price moved: recorded %.4f, now %.4f", leg.Price, bid), false
			}
			recomputed += bid
		}
	}
	// Single-venue Dutch books have only buy legs; their edge is 1 minus the
	// combined cost rather than a buy/sell spread.
	if !opp.HasSellLeg() {
		recomputed += 1
	}
	if recomputed <= 0 {
		return fmt.Sprintf("edge gone at current prices: %.4f per contract", recomputed), false
	}
	return "", true
}

// sizeOpportunity applies min(opportunity max, max trade size, balance),
// floored at the configured minimum. Returns contracts, not USD.
func (e *Executor) sizeOpportunity(ctx context.Context, opp domain.Opportunity, guards config.TradingGuards) (float64, string) {
	buy := opp.BuyLeg()
	if buy.Price <= 0 {
		return 0, "opportunity has no buy leg"
	}

	size := opp.MaxSize
	if guards.MaxTradeSizeUSD > 0 {
		if limit := guards.MaxTradeSizeUSD / buy.Price; limit < size {
			size = limit
		}
	}
	if e.deps.Balance != nil {
		bal, err := e.deps.Balance(ctx)
		if err != nil {
			return 0, fmt.Sprintf("balance unavailable: %v", err)
		}
		if limit := bal / buy.Price; limit < size {
			size = limit
		}
	}
	if size*buy.Price < guards.MinTradeSizeUSD {
		return 0, fmt.Sprintf("sized below minimum: %.2f USD < %.2f USD", size*buy.Price, guards.MinTradeSizeUSD)
	}
	return size, ""
}

// executeDryRun records every leg at its intended price and credits the
// simulated P&L without touching a venue.
func (e *Executor) executeDryRun(ctx context.Context, opp domain.Opportunity, size float64) {
	now := time.Now().UTC()
	for _, leg := range opp.Legs {
		trade := domain.Trade{
			ID:            uuid.NewString(),
			TenantID:      e.deps.TenantID,
			OpportunityID: opp.ID,
			Venue:         leg.Venue,
			MarketID:      leg.MarketID,
			Side:          leg.Side,
			Price:         leg.Price,
			RequestedSize: size,
			FilledSize:    size,
			FillPrice:     leg.Price,
			Status:        domain.TradeStatusDryRun,
			CreatedAt:     now,
			FilledAt:      &now,
		}
		if err := e.deps.Trades.Log(ctx, trade); err != nil {
			e.logger.Warn("dry-run trade log failed", slog.String("error", err.Error()))
		}
	}

	pnl := opp.ProfitPerContract * size
	e.risk.RecordResult(pnl)
	e.setStatus(ctx, opp.ID, domain.OppExecuted, "dry run", &now)
	e.logger.Info("dry-run executed",
		slog.String("opportunity_id", opp.ID),
		slog.Float64("size", size),
		slog.Float64("pnl_usd", pnl))
}

// executeLive runs the leg pattern: buy legs first, then sell legs sized to
// the smallest buy fill. A sell failing after a buy filled is the one-legged
// case and is surfaced as loudly as the system can manage.
func (e *Executor) executeLive(ctx context.Context, opp domain.Opportunity, size float64) {
	log := e.logger.With(slog.String("opportunity_id", opp.ID))

	var (
		buyCost   float64
		sellValue float64
		feesUSD   float64
		minFilled = size
		anyBuy    bool
	)

	for _, leg := range opp.Legs {
		if leg.Side != domain.SideBuy {
			continue
		}
		anyBuy = true
		trade, err := e.submitLeg(ctx, opp.ID, leg, size)
		if err != nil || trade.Status != domain.TradeStatusFilled {
			reason := fmt.Sprintf("buy leg failed on %s: %s", leg.Venue, legFailure(trade, err))
			log.Error("buy leg failed", slog.String("reason", reason))
			e.recordFailure(ctx)
			e.setStatus(ctx, opp.ID, domain.OppFailed, reason, nil)
			return
		}
		buyCost += trade.Notional()
		feesUSD += trade.FeeUSD
		if trade.FilledSize < minFilled {
			minFilled = trade.FilledSize
		}
	}

	for _, leg := range opp.Legs {
		if leg.Side != domain.SideSell {
			continue
		}
		sellSize := size
		if anyBuy {
			sellSize = minFilled
		}
		trade, err := e.submitLeg(ctx, opp.ID, leg, sellSize)
		if err != nil || trade.Status != domain.TradeStatusFilled {
			reason := fmt.Sprintf("sell leg failed on %s after buy filled: %s", leg.Venue, legFailure(trade, err))
			log.Error("ONE-LEGGED FILL: position open, manual unwind required",
				slog.String("reason", reason),
				slog.String("market", leg.MarketID),
				slog.Float64("exposed_usd", buyCost))
			e.audit(ctx, "one_legged_fill", map[string]any{
				"opportunity_id": opp.ID,
				"venue":          string(leg.Venue),
				"market_id":      leg.MarketID,
				"exposed_usd":    buyCost,
				"reason":         reason,
			})
			e.notify(ctx, "one_legged_fill", "One-legged fill",
				fmt.Sprintf("tenant %s: %s", e.deps.TenantID, reason))
			e.recordFailure(ctx)
			e.setStatus(ctx, opp.ID, domain.OppFailed, reason, nil)
			return
		}
		sellValue += trade.Notional()
		feesUSD += trade.FeeUSD
	}

	// A Dutch book's payout is $1 per contract set at resolution; book the
	// edge rather than waiting for it.
	gross := sellValue - buyCost
	if !opp.HasSellLeg() {
		gross = minFilled - buyCost
	}
	pnl := gross - feesUSD
	e.risk.RecordResult(pnl)

	now := time.Now().UTC()
	e.setStatus(ctx, opp.ID, domain.OppExecuted, "", &now)
	log.Info("arbitrage executed",
		slog.Float64("size", minFilled),
		slog.Float64("gross_usd", gross),
		slog.Float64("fees_usd", feesUSD),
		slog.Float64("pnl_usd", pnl))
}

// submitLeg places one order, waits for a terminal status, and records the
// trade row regardless of outcome.
func (e *Executor) submitLeg(ctx context.Context, oppID string, leg domain.Leg, size float64) (domain.Trade, error) {
	trade := domain.Trade{
		ID:            uuid.NewString(),
		TenantID:      e.deps.TenantID,
		OpportunityID: oppID,
		Venue:         leg.Venue,
		MarketID:      leg.MarketID,
		Side:          leg.Side,
		Price:         leg.Price,
		RequestedSize: size,
		Status:        domain.TradeStatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	client := e.deps.Venues.Client(leg.Venue)
	if client == nil {
		trade.Status = domain.TradeStatusFailed
		trade.Error = "no client for venue"
		e.logTrade(ctx, trade, true)
		return trade, domain.ErrNotSupported
	}

	order, err := client.CreateOrder(ctx, domain.OrderRequest{
		Symbol: leg.MarketID,
		Side:   leg.Side,
		Type:   domain.OrderTypeLimit,
		Amount: size,
		Price:  leg.Price,
	})
	if err != nil {
		trade.Status = domain.TradeStatusFailed
		trade.Error = err.Error()
		e.logTrade(ctx, trade, true)
		return trade, err
	}
	trade.VenueOrderID = order.ID
	trade.TxHash = order.TxHash
	trade.Status = domain.TradeStatusSubmitted

	final, err := e.awaitFill(ctx, client, order.ID, leg.MarketID)
	if err != nil {
		trade.Status = domain.TradeStatusFailed
		trade.Error = err.Error()
		e.logTrade(ctx, trade, true)
		return trade, err
	}

	trade.FilledSize = final.Filled
	trade.FillPrice = final.AvgPrice
	trade.FeeUSD = final.FeeUSD
	if trade.FillPrice == 0 {
		trade.FillPrice = leg.Price
	}
	switch final.Status {
	case domain.OrderStatusFilled:
		trade.Status = domain.TradeStatusFilled
		now := time.Now().UTC()
		trade.FilledAt = &now
	case domain.OrderStatusPartial:
		trade.Status = domain.TradeStatusPartial
	case domain.OrderStatusCancelled:
		trade.Status = domain.TradeStatusCancelled
	default:
		trade.Status = domain.TradeStatusFailed
		trade.Error = fmt.Sprintf("order ended %s", final.Status)
	}
	if trade.FeeUSD == 0 {
		trade.FeeUSD = client.Fees().TakerFeeUSD(trade.Notional())
	}
	e.logTrade(ctx, trade, true)
	return trade, nil
}

// awaitFill polls the order until the venue reports a terminal status or the
// fill timeout lapses. A timed-out order is cancelled best-effort.
func (e *Executor) awaitFill(ctx context.Context, client domain.TradingClient, orderID, symbol string) (domain.Order, error) {
	deadline := time.Now().Add(e.fillTimeout)
	ticker := time.NewTicker(e.fillPollInterval)
	defer ticker.Stop()

	for {
		order, err := client.GetOrder(ctx, orderID, symbol)
		if err != nil {
			return domain.Order{}, fmt.Errorf("executor: polling order %s: %w", orderID, err)
		}
		if order.Status.Terminal() || order.Status == domain.OrderStatusPartial && order.Filled > 0 && time.Now().After(deadline) {
			return order, nil
		}
		if time.Now().After(deadline) {
			if _, cancelErr := client.CancelOrder(ctx, orderID, symbol); cancelErr != nil {
				e.logger.Warn("cancel after fill timeout failed",
					slog.String("order_id", orderID),
					slog.String("error", cancelErr.Error()))
			}
			return order, fmt.Errorf("executor: order %s not filled within %s", orderID, e.fillTimeout)
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) logTrade(ctx context.Context, t domain.Trade, live bool) {
	var err error
	if live {
		err = e.deps.Trades.LogLive(ctx, t)
	} else {
		err = e.deps.Trades.Log(ctx, t)
	}
	if err != nil {
		e.logger.Warn("trade log failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) setStatus(ctx context.Context, id string, status domain.OpportunityStatus, reason string, executedAt *time.Time) {
	if err := e.deps.Opps.UpdateStatus(ctx, id, status, reason, executedAt); err != nil {
		e.logger.Warn("opportunity status update failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) audit(ctx context.Context, action string, detail map[string]any) {
	if e.deps.Audit == nil {
		return
	}
	// Best-effort: the store logs its own failures.
	_ = e.deps.Audit.Append(ctx, action, detail)
}

// recordFailure bumps the streak and announces the breaker trip exactly
// once, on the failure that reaches the threshold.
func (e *Executor) recordFailure(ctx context.Context) {
	streak := e.risk.RecordFailure()
	if limit := e.deps.Snapshot().Trading.MaxConsecutiveFailures; limit > 0 && streak == limit {
		e.notify(ctx, "circuit_breaker", "Circuit breaker tripped",
			fmt.Sprintf("tenant %s: %d consecutive failed executions", e.deps.TenantID, streak))
	}
}

func (e *Executor) notify(ctx context.Context, event, title, message string) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

// dedupKey collapses an opportunity to its tradable identity so the same
// mispricing detected twice in quick succession executes once.
func dedupKey(opp domain.Opportunity) string {
	parts := make([]string, 0, len(opp.Legs)+1)
	parts = append(parts, string(opp.Kind))
	for _, l := range opp.Legs {
		parts = append(parts, string(l.Side)+":"+string(l.Venue)+":"+l.MarketID)
	}
	return strings.Join(parts, "|")
}

func legFailure(t domain.Trade, err error) string {
	if err != nil {
		return err.Error()
	}
	if t.Error != "" {
		return t.Error
	}
	return string(t.Status)
}
