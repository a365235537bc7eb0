package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/tradefleet/tradefleet/internal/blob/s3"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/runtime"
	"github.com/tradefleet/tradefleet/internal/store/postgres"
	"github.com/tradefleet/tradefleet/internal/supervisor"
)

func (a *App) shared(deps *Dependencies) runtime.Shared {
	return runtime.Shared{
		Cfg:      a.cfg,
		Pool:     deps.PG.Pool(),
		Vault:    deps.Vault,
		Redis:    deps.Redis,
		Bus:      deps.Bus,
		Notifier: deps.Notifier,
		Logger:   a.logger,
	}
}

// ManagerMode supervises every active tenant and, when configured, runs the
// cold-storage archive schedule alongside.
func (a *App) ManagerMode(ctx context.Context, deps *Dependencies) error {
	sup := supervisor.New(deps.Registry, a.shared(deps), supervisor.Options{
		ReconcileInterval: time.Duration(a.cfg.Supervisor.ReconcileIntervalSec) * time.Second,
		ShutdownTimeout:   time.Duration(a.cfg.Supervisor.ShutdownTimeoutSec) * time.Second,
		Locks:             deps.Locks,
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if a.cfg.Archive.Enabled && deps.Blob != nil {
		g.Go(func() error { return a.runArchiveSchedule(gctx, deps) })
	}

	return g.Wait()
}

// SingleTenantMode runs one tenant's runtime directly. The --live flag
// overrides the registry row's mode; absent the flag the tenant runs paper.
func (a *App) SingleTenantMode(ctx context.Context, deps *Dependencies) error {
	tenant, err := deps.Registry.GetTenant(ctx, a.opts.UserID)
	if err != nil {
		return fmt.Errorf("app: loading tenant %s: %w", a.opts.UserID, err)
	}
	if a.opts.Live {
		tenant.Mode = domain.ModeLive
	} else {
		tenant.Mode = domain.ModePaper
	}
	return runtime.New(a.shared(deps), tenant).Run(ctx)
}

// runArchiveSchedule fires the per-tenant archive job on the configured cron
// expression until the context ends.
func (a *App) runArchiveSchedule(ctx context.Context, deps *Dependencies) error {
	c := cron.New()
	_, err := c.AddFunc(a.cfg.Archive.Cron, func() {
		a.archiveAll(ctx, deps)
	})
	if err != nil {
		return fmt.Errorf("app: archive cron %q: %w", a.cfg.Archive.Cron, err)
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// archiveAll exports aged rows for every active tenant. Rows are pruned only
// after their archive upload succeeded.
func (a *App) archiveAll(ctx context.Context, deps *Dependencies) {
	log := a.logger.With(slog.String("component", "archive_job"))
	tenants, err := deps.Registry.ActiveTenants(ctx)
	if err != nil {
		log.Warn("listing tenants failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	pool := deps.PG.Pool()

	for _, t := range tenants {
		trades := postgres.NewTradeStore(pool, t.ID)
		opps := postgres.NewOpportunityStore(pool, t.ID)
		audit := postgres.NewAuditStore(pool, t.ID)
		arch := s3blob.NewArchiver(deps.Blob, t.ID, trades, opps, audit, log)

		tlog := log.With(slog.String("tenant_id", t.ID))
		if n, err := arch.ArchiveTrades(ctx, cutoff); err != nil {
			tlog.Warn("trade archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			if _, err := trades.DeleteBefore(ctx, cutoff); err != nil {
				tlog.Warn("trade prune failed", slog.String("error", err.Error()))
			}
		}
		if n, err := arch.ArchiveOpportunities(ctx, cutoff); err != nil {
			tlog.Warn("opportunity archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			if _, err := opps.DeleteBefore(ctx, cutoff); err != nil {
				tlog.Warn("opportunity prune failed", slog.String("error", err.Error()))
			}
		}
		if n, err := arch.ArchiveAudit(ctx, cutoff); err != nil {
			tlog.Warn("audit archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			if _, err := audit.DeleteBefore(ctx, cutoff); err != nil {
				tlog.Warn("audit prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
