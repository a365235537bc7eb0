// Package runtime owns one tenant's running world: its stores, resolved
// configuration, decrypted credentials, venue clients, scanners, and the
// execution backend for its mode. Nothing in a runtime is shared with any
// other tenant.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/tradefleet/tradefleet/internal/cache/redis"
	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/executor"
	"github.com/tradefleet/tradefleet/internal/feed"
	"github.com/tradefleet/tradefleet/internal/scanner"
	"github.com/tradefleet/tradefleet/internal/sim"
	"github.com/tradefleet/tradefleet/internal/store/postgres"
	"github.com/tradefleet/tradefleet/internal/vault"
	"github.com/tradefleet/tradefleet/internal/venue"
)

const oppChannelBuffer = 64

// Shared bundles the process-wide dependencies every runtime borrows. The
// supervisor is the composition root; runtimes never build their own pools.
type Shared struct {
	Cfg      *config.Config
	Pool     *pgxpool.Pool
	Vault    *vault.Vault
	Redis    *redis.Client
	Bus      domain.ControlBus
	Notifier executor.Notifier
	Logger   *slog.Logger
}

// Runtime is one tenant's bot instance.
type Runtime struct {
	shared Shared
	tenant domain.Tenant
	logger *slog.Logger

	// snapshot returns the resolved tenant config once Run has built the
	// resolver; before that it is nil and readers fall back to defaults.
	snapshot func() config.TenantConfig

	exec *executor.Executor // live mode only
	sims *sim.Simulator     // paper mode only
}

// New creates a runtime for one tenant. Run does all the heavy lifting so a
// constructor failure cannot leak half-built resources.
func New(shared Shared, tenant domain.Tenant) *Runtime {
	return &Runtime{
		shared: shared,
		tenant: tenant,
		logger: shared.Logger.With(
			slog.String("component", "runtime"),
			slog.String("tenant_id", tenant.ID),
			slog.String("mode", string(tenant.Mode))),
	}
}

// Run builds the tenant's world and blocks until the context ends or a
// fatal startup error occurs. Scanner and venue trouble after startup is
// contained; only wiring failures propagate to the supervisor.
func (r *Runtime) Run(ctx context.Context) error {
	live := r.tenant.Mode == domain.ModeLive

	// Per-tenant log sink: records fan out to bot_logs alongside stdout so
	// the admin surface can read this tenant's logs. Closing flushes.
	sink := postgres.NewLogSink(r.shared.Pool, r.tenant.ID, slog.LevelInfo)
	defer sink.Close()
	logger := slog.New(teeHandlers(r.logger.Handler(), sink))

	// Tenant-scoped stores.
	pool := r.shared.Pool
	opps := postgres.NewOpportunityStore(pool, r.tenant.ID)
	trades := postgres.NewTradeStore(pool, r.tenant.ID)
	paper := postgres.NewPaperStore(pool, r.tenant.ID)
	scans := postgres.NewScanStore(pool, r.tenant.ID)
	whales := postgres.NewWhaleStore(pool, r.tenant.ID)
	balances := postgres.NewBalanceStore(pool, r.tenant.ID)
	status := postgres.NewStatusStore(pool, r.tenant.ID)
	audit := postgres.NewAuditStore(pool, r.tenant.ID)
	cfgStore := postgres.NewConfigStore(pool, r.tenant.ID)
	secretStore := postgres.NewSecretStore(pool, r.tenant.ID, r.shared.Vault, r.shared.Vault, 0)

	// Effective configuration: tenant row over env over defaults.
	resolver := config.NewResolver(cfgStore, r.shared.Cfg.Defaults, logger)
	if err := resolver.Reload(ctx); err != nil {
		logger.Warn("initial config load failed, using env and defaults",
			slog.String("error", err.Error()))
	}
	snapshot := resolver.Snapshot
	r.snapshot = snapshot

	// Credentials. Live mode cannot run without them; paper mode degrades
	// to data-only clients.
	secrets, err := secretStore.Load(ctx, false)
	if err != nil {
		if live {
			return fmt.Errorf("runtime: loading secrets for live tenant %s: %w", r.tenant.ID, err)
		}
		logger.Warn("secrets unavailable, building data-only clients",
			slog.String("error", err.Error()))
		secrets = map[string]string{}
	}

	venues, err := venue.Build(snapshot().Venues, secrets, live, logger)
	if err != nil {
		return fmt.Errorf("runtime: building venue clients: %w", err)
	}

	var (
		books   domain.OrderbookCache
		prices  domain.PriceCache
		limiter domain.RateLimiter
	)
	if r.shared.Redis != nil {
		books = redis.NewOrderbookCache(r.shared.Redis)
		prices = redis.NewPriceCache(r.shared.Redis)
		limiter = redis.NewRateLimiter(r.shared.Redis)
	}

	oppCh := make(chan domain.Opportunity, oppChannelBuffer)

	// Execution backend for the tenant's mode.
	if live {
		seedPnL, err := trades.DailyPnL(ctx)
		if err != nil {
			logger.Warn("daily pnl unavailable, breaker seeds at zero",
				slog.String("error", err.Error()))
		}
		r.exec = executor.New(executor.Deps{
			TenantID: r.tenant.ID,
			Snapshot: snapshot,
			Venues:   venues,
			Opps:     opps,
			Trades:   trades,
			Audit:    audit,
			Balance:  balanceFunc(venues),
			Notifier: r.shared.Notifier,
			Logger:   logger,
			In:       oppCh,
		}, seedPnL)
	} else {
		r.sims = sim.New(sim.Deps{
			TenantID: r.tenant.ID,
			Snapshot: snapshot,
			Paper:    paper,
			Opps:     opps,
			Logger:   logger,
			In:       oppCh,
		})
		if err := r.sims.Init(ctx); err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
	}

	scanners := scanner.All(scanner.Deps{
		TenantID: r.tenant.ID,
		Snapshot: snapshot,
		Venues:   venues,
		Books:    books,
		Prices:   prices,
		Scans:    scans,
		Whales:   whales,
		Limiter:  limiter,
		Out:      oppCh,
		Logger:   logger,
	})

	r.reportStatus(ctx, status, true, "")
	_ = audit.Append(ctx, "bot_started", map[string]any{"mode": string(r.tenant.Mode)})
	logger.Info("tenant runtime started", slog.Int("scanners", len(scanners)))

	rc := r.shared.Cfg.Runtime
	g, gctx := errgroup.WithContext(ctx)

	if r.exec != nil {
		g.Go(func() error { return r.exec.Run(gctx) })
	} else {
		g.Go(func() error { return r.sims.Run(gctx) })
	}

	for _, sc := range scanners {
		g.Go(func() error {
			// A scanner's own loop already swallows tick errors; anything
			// escaping here is cancellation.
			return sc.Run(gctx)
		})
	}

	for v, stream := range venues.Streams {
		bf := feed.NewBookFeed(v, stream, venues.Listers[v], books, logger)
		g.Go(func() error { return bf.Run(gctx) })
	}

	g.Go(func() error {
		resolver.Watch(gctx, seconds(rc.ConfigReloadSec, 60))
		return gctx.Err()
	})
	g.Go(func() error {
		return r.heartbeatLoop(gctx, status, seconds(rc.HeartbeatSec, 30), logger)
	})
	g.Go(func() error {
		return r.balanceLoop(gctx, venues, balances, seconds(rc.BalancePollSec, 300), logger)
	})
	if r.sims != nil {
		g.Go(func() error {
			return r.statsLoop(gctx, seconds(rc.StatsSaveSec, 60), logger)
		})
	}
	if r.shared.Bus != nil {
		g.Go(func() error {
			return r.controlLoop(gctx, paper, logger)
		})
	}

	err = g.Wait()

	// The run context is gone; give teardown writes their own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if r.sims != nil {
		if saveErr := r.sims.SaveStats(stopCtx); saveErr != nil {
			logger.Warn("final stats save failed", slog.String("error", saveErr.Error()))
		}
	}
	r.reportStatus(stopCtx, status, false, errorText(err))
	_ = audit.Append(stopCtx, "bot_stopped", map[string]any{"reason": errorText(err)})
	logger.Info("tenant runtime stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Executor exposes the live backend for control commands; nil in paper mode.
func (r *Runtime) Executor() *executor.Executor { return r.exec }

// Simulator exposes the paper backend; nil in live mode.
func (r *Runtime) Simulator() *sim.Simulator { return r.sims }

func (r *Runtime) heartbeatLoop(ctx context.Context, status *postgres.StatusStore, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := status.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// balanceLoop persists a periodic balance observation per venue. Venue
// errors are logged and the next tick retries.
func (r *Runtime) balanceLoop(ctx context.Context, venues *venue.Set, balances *postgres.BalanceStore, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for v, client := range venues.Clients {
			all, err := client.GetBalance(ctx, "")
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("balance poll failed",
						slog.String("venue", string(v)),
						slog.String("error", err.Error()))
				}
				continue
			}
			for asset, b := range all {
				if err := balances.UpsertBalance(ctx, v, asset, b); err != nil {
					logger.Warn("balance upsert failed",
						slog.String("venue", string(v)),
						slog.String("asset", asset),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (r *Runtime) statsLoop(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sims.SaveStats(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("stats save failed", slog.String("error", err.Error()))
			}
		}
	}
}

// controlLoop applies out-of-band admin commands to the running backend.
func (r *Runtime) controlLoop(ctx context.Context, paper domain.PaperStore, logger *slog.Logger) error {
	cmds, err := r.shared.Bus.SubscribeControl(ctx, r.tenant.ID)
	if err != nil {
		logger.Warn("control bus unavailable", slog.String("error", err.Error()))
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			r.applyControl(ctx, cmd, paper, logger)
		}
	}
}

func (r *Runtime) applyControl(ctx context.Context, cmd domain.ControlCommand, paper domain.PaperStore, logger *slog.Logger) {
	log := logger.With(slog.String("command", cmd.Command))
	switch cmd.Command {
	case "pause":
		if r.exec != nil {
			reason := cmd.Reason
			if reason == "" {
				reason = "paused by operator"
			}
			r.exec.Risk().Pause(reason)
			log.Info("trading paused")
		}
	case "resume":
		if r.exec != nil {
			r.exec.Risk().Resume()
			log.Info("trading resumed")
		}
	case "approve":
		if r.exec != nil {
			if err := r.exec.Approve(ctx, cmd.TradeID); err != nil {
				log.Warn("approve failed", slog.String("error", err.Error()))
			}
		}
	case "reject":
		if r.exec != nil {
			if err := r.exec.Reject(ctx, cmd.TradeID, cmd.Reason); err != nil {
				log.Warn("reject failed", slog.String("error", err.Error()))
			}
		}
	case "reset_simulation":
		if r.sims == nil {
			return
		}
		start := r.resolvedConfig().Sim.StartBalanceUSD
		if err := paper.ResetSimulation(ctx, start); err != nil {
			log.Warn("simulation reset failed", slog.String("error", err.Error()))
			return
		}
		// The rows are gone; the in-memory anchor, cooldowns, and daily
		// counter must follow or the next stats save resurrects them.
		r.sims.Reset(start)
		log.Info("simulation reset", slog.Float64("start_balance", start))
	default:
		log.Warn("unknown control command")
	}
}

// statusWriter is the slice of the status store reportStatus needs.
type statusWriter interface {
	UpdateStatus(ctx context.Context, st domain.BotStatus) error
}

// resolvedConfig returns the tenant's effective config, or the process
// defaults before the resolver exists.
func (r *Runtime) resolvedConfig() config.TenantConfig {
	if r.snapshot != nil {
		return r.snapshot()
	}
	return r.shared.Cfg.Defaults
}

func (r *Runtime) reportStatus(ctx context.Context, status statusWriter, running bool, lastErr string) {
	st := domain.BotStatus{
		TenantID:   r.tenant.ID,
		Running:    running,
		Mode:       r.tenant.Mode,
		Strategies: enabledStrategies(r.resolvedConfig()),
		LastError:  lastErr,
	}
	if running {
		st.StartedAt = time.Now().UTC()
	}
	if err := status.UpdateStatus(ctx, st); err != nil {
		r.logger.Warn("status update failed", slog.String("error", err.Error()))
	}
}

// balanceFunc sums the free USD-class balances across the tenant's venues
// for executor sizing.
func balanceFunc(venues *venue.Set) func(ctx context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		total := 0.0
		found := false
		for _, client := range venues.Clients {
			all, err := client.GetBalance(ctx, "")
			if err != nil {
				continue
			}
			for asset, b := range all {
				switch asset {
				case "USD", "USDC", "USDT":
					total += b.Free
					found = true
				}
			}
		}
		if !found {
			return 0, domain.ErrInsufficientFunds
		}
		return total, nil
	}
}

func enabledStrategies(tc config.TenantConfig) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(tc.SinglePlatform.Enabled, "single_platform")
	add(tc.CrossPlatform.Enabled, "cross_platform")
	add(tc.CopyTrade.Enabled, "copy_trade")
	add(tc.MarketMaker.Enabled, "market_maker")
	add(tc.Funding.Enabled, "funding")
	add(tc.Grid.Enabled, "grid")
	add(tc.Pairs.Enabled, "pairs")
	add(tc.MeanReversion.Enabled, "mean_reversion")
	add(tc.Momentum.Enabled, "momentum")
	return out
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func errorText(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
