// Command tradefleet runs the multi-tenant trading platform. The default
// mode runs one tenant's bot for --user-id; --manager supervises every
// active tenant. Live trading requires an explicit opt-in via --live or the
// LIVE_TRADING environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tradefleet/tradefleet/internal/app"
	"github.com/tradefleet/tradefleet/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "config.toml", "path to configuration file")
		userID     = flag.String("user-id", "", "run a single tenant's bot")
		manager    = flag.Bool("manager", false, "supervise all active tenants")
		live       = flag.Bool("live", false, "submit real orders (paper otherwise)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	level := logLevel(cfg.LogLevel)
	if *debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	liveTrading := *live || truthy(os.Getenv("LIVE_TRADING"))
	if err := cfg.Validate(liveTrading); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("tradefleet starting",
		slog.String("config", *configPath),
		slog.Bool("manager", *manager),
		slog.Bool("live", liveTrading))

	application := app.New(cfg, app.Options{
		UserID:  *userID,
		Manager: *manager,
		Live:    liveTrading,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("tradefleet stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// truthy reports whether an environment value opts in to live trading.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
