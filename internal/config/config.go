// Package config defines the process-level configuration for the tradefleet
// supervisor and the per-tenant tunable set, and provides the resolver that
// merges tenant rows, environment variables, and compile-time defaults.
package config

import (
	"fmt"
	"strings"
)

// Config is the root process configuration. Fields are populated from a TOML
// file and then optionally overridden by TRADEFLEET_* environment variables.
// Per-tenant tunables live in TenantConfig and are resolved separately.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Vault      VaultConfig      `toml:"vault"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Defaults   TenantConfig     `toml:"tenant_defaults"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the shared
// managed Postgres (Supabase-class) backend.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VaultConfig holds the secrets master key settings.
type VaultConfig struct {
	MasterKey      string `toml:"master_key"`
	AllowPlaintext bool   `toml:"allow_plaintext"`
}

// SupervisorConfig tunes the tenant reconciliation loop.
type SupervisorConfig struct {
	ReconcileIntervalSec int `toml:"reconcile_interval_sec"`
	ShutdownTimeoutSec   int `toml:"shutdown_timeout_sec"`
}

// RuntimeConfig tunes per-tenant background cadences.
type RuntimeConfig struct {
	BalancePollSec  int `toml:"balance_poll_sec"`
	StatsSaveSec    int `toml:"stats_save_sec"`
	HeartbeatSec    int `toml:"heartbeat_sec"`
	ConfigReloadSec int `toml:"config_reload_sec"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
	ChainID   int    `toml:"chain_id"`
}

// KalshiConfig holds the Kalshi API endpoint.
type KalshiConfig struct {
	BaseURL string `toml:"base_url"`
	WsURL   string `toml:"ws_url"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig schedules cold-storage export of aged rows.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// Defaults returns a Config populated with production-reasonable values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradefleet-archive",
			ForcePathStyle: true,
		},
		Supervisor: SupervisorConfig{
			ReconcileIntervalSec: 10,
			ShutdownTimeoutSec:   5,
		},
		Runtime: RuntimeConfig{
			BalancePollSec:  300,
			StatsSaveSec:    60,
			HeartbeatSec:    30,
			ConfigReloadSec: 60,
		},
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:   137,
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_detected", "one_legged_fill", "circuit_breaker", "error"},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Defaults: TenantDefaults(),
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. live indicates whether
// the process will submit real orders.
func (c *Config) Validate(live bool) error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Live trading is fatal without a master key: secrets cannot decrypt.
	if live && c.Vault.MasterKey == "" {
		errs = append(errs, "vault: master_key is required for live trading")
	}

	if c.Supervisor.ReconcileIntervalSec < 1 {
		errs = append(errs, "supervisor: reconcile_interval_sec must be >= 1")
	}
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
