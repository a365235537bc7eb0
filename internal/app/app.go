// Package app is the composition root: it wires the shared process
// dependencies and runs the process in one of two modes, a single tenant's
// runtime or the manager supervising the whole fleet.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tradefleet/tradefleet/internal/config"
)

// Options selects the process mode. Manager wins over UserID when both are
// set.
type Options struct {
	// UserID runs one tenant's runtime directly, the legacy single-tenant
	// behavior.
	UserID string
	// Manager runs the supervisor over every active tenant.
	Manager bool
	// Live forces live trading for the single-tenant mode; paper otherwise.
	Live bool
}

// App owns the process lifecycle. Cleanup functions run in reverse order on
// shutdown.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the loaded configuration and root logger.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the selected mode, and blocks until the
// context ends. Context cancellation is a clean shutdown, not an error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch {
	case a.opts.Manager:
		a.logger.Info("starting in manager mode")
		err = a.ManagerMode(ctx, deps)
	case a.opts.UserID != "":
		a.logger.Info("starting in single-tenant mode",
			slog.String("user_id", a.opts.UserID),
			slog.Bool("live", a.opts.Live))
		err = a.SingleTenantMode(ctx, deps)
	default:
		return errors.New("app: either --manager or --user-id is required")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down wired resources in reverse order. Safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
