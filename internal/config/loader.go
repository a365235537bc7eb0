package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEFLEET_* environment variable overrides,
// and returns the final Config. An empty path skips the TOML step so the
// process can run from environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEFLEET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "TRADEFLEET_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "TRADEFLEET_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TRADEFLEET_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TRADEFLEET_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TRADEFLEET_DATABASE_NAME")
	setStr(&cfg.Database.User, "TRADEFLEET_DATABASE_USER")
	setStr(&cfg.Database.Password, "TRADEFLEET_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TRADEFLEET_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "TRADEFLEET_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TRADEFLEET_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TRADEFLEET_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEFLEET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEFLEET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEFLEET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEFLEET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEFLEET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEFLEET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEFLEET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEFLEET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEFLEET_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEFLEET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEFLEET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEFLEET_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "TRADEFLEET_S3_FORCE_PATH_STYLE")

	// ── Vault ──
	setStr(&cfg.Vault.MasterKey, "TRADEFLEET_MASTER_KEY")
	setBool(&cfg.Vault.AllowPlaintext, "TRADEFLEET_VAULT_ALLOW_PLAINTEXT")

	// ── Supervisor / runtime ──
	setInt(&cfg.Supervisor.ReconcileIntervalSec, "TRADEFLEET_SUPERVISOR_RECONCILE_INTERVAL_SEC")
	setInt(&cfg.Supervisor.ShutdownTimeoutSec, "TRADEFLEET_SUPERVISOR_SHUTDOWN_TIMEOUT_SEC")
	setInt(&cfg.Runtime.BalancePollSec, "TRADEFLEET_RUNTIME_BALANCE_POLL_SEC")
	setInt(&cfg.Runtime.StatsSaveSec, "TRADEFLEET_RUNTIME_STATS_SAVE_SEC")
	setInt(&cfg.Runtime.HeartbeatSec, "TRADEFLEET_RUNTIME_HEARTBEAT_SEC")
	setInt(&cfg.Runtime.ConfigReloadSec, "TRADEFLEET_RUNTIME_CONFIG_RELOAD_SEC")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "TRADEFLEET_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "TRADEFLEET_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "TRADEFLEET_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "TRADEFLEET_POLYMARKET_CHAIN_ID")

	// ── Kalshi ──
	setStr(&cfg.Kalshi.BaseURL, "TRADEFLEET_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "TRADEFLEET_KALSHI_WS_URL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEFLEET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEFLEET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEFLEET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEFLEET_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADEFLEET_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRADEFLEET_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "TRADEFLEET_ARCHIVE_CRON")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TRADEFLEET_LOG_LEVEL")
}

// applyTenantEnvOverrides maps TRADEFLEET_TENANT_<KEY> variables onto the
// flat tenant keys understood by TenantConfig.Apply. It is the middle layer
// of tenant resolution: above compile-time defaults, below tenant rows.
func applyTenantEnvOverrides(tc *TenantConfig) {
	const prefix = "TRADEFLEET_TENANT_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(kv[:eq], prefix))
		tc.Apply(key, kv[eq+1:])
	}
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
