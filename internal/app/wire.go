package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/tradefleet/tradefleet/internal/blob/s3"
	"github.com/tradefleet/tradefleet/internal/cache/redis"
	"github.com/tradefleet/tradefleet/internal/config"
	"github.com/tradefleet/tradefleet/internal/domain"
	"github.com/tradefleet/tradefleet/internal/notify"
	"github.com/tradefleet/tradefleet/internal/store/postgres"
	"github.com/tradefleet/tradefleet/internal/vault"
)

// Dependencies bundles the process-wide resources shared by every tenant
// runtime. Constructed by Wire; torn down by the returned cleanup function.
type Dependencies struct {
	PG       *postgres.Client
	Registry domain.RegistryStore
	Vault    *vault.Vault
	Redis    *redis.Client // nil when no redis configured
	Bus      domain.ControlBus
	Locks    domain.LockManager
	Blob     domain.BlobWriter // nil when S3 disabled
	Notifier *notify.Notifier
}

// Wire builds every shared dependency from the configuration. Postgres and
// the vault are mandatory; redis and S3 degrade to nil when not configured.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)

	if cfg.Database.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.PG = pg
	deps.Registry = postgres.NewRegistryStore(pg.Pool())

	var vaultOpts []vault.Option
	if cfg.Vault.AllowPlaintext {
		vaultOpts = append(vaultOpts, vault.WithPlaintextFallback())
	}
	v, err := vault.New(cfg.Vault.MasterKey, vaultOpts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault: %w", err)
	}
	deps.Vault = v

	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			logger.Warn("redis unavailable, running without caches and control bus",
				slog.String("error", err.Error()))
		} else {
			closers = append(closers, func() { _ = rc.Close() })
			deps.Redis = rc
			deps.Bus = redis.NewControlBus(rc)
			deps.Locks = redis.NewLockManager(rc)
		}
	}

	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Blob = s3blob.NewWriter(s3c)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
