package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// Resolver produces the effective TenantConfig for one tenant. Precedence
// per key, highest first: the tenant's database row, TRADEFLEET_TENANT_*
// environment variables, then process defaults. Snapshot returns an
// immutable value; Reload swaps the current snapshot atomically so readers
// never observe a half-applied configuration.
type Resolver struct {
	store    domain.ConfigStore
	defaults TenantConfig
	logger   *slog.Logger

	current atomic.Pointer[TenantConfig]
}

// NewResolver builds a Resolver seeded with defaults. The snapshot is usable
// immediately; call Reload to pull the tenant row.
func NewResolver(store domain.ConfigStore, defaults TenantConfig, logger *slog.Logger) *Resolver {
	r := &Resolver{
		store:    store,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "config_resolver")),
	}
	seed := r.resolve(nil)
	r.current.Store(&seed)
	return r
}

// Snapshot returns the current effective configuration. The returned value
// is a copy; callers may hold it across a scan cycle without locking.
func (r *Resolver) Snapshot() TenantConfig {
	return *r.current.Load()
}

// Reload fetches the tenant's configuration row and atomically replaces the
// current snapshot. On a fetch error the previous snapshot stays in effect.
func (r *Resolver) Reload(ctx context.Context) error {
	row, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("config: loading tenant row: %w", err)
	}

	next := r.resolve(row)
	r.current.Store(&next)
	return nil
}

// Watch reloads on the given cadence until ctx is canceled. Fetch errors are
// logged and the stale snapshot is kept, matching the rule that a worker
// keeps trading on its last good configuration.
func (r *Resolver) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("config reload failed, keeping previous snapshot",
					slog.String("error", err.Error()))
			}
		}
	}
}

// Set writes one key to the tenant row and reloads so the change is visible
// on the next Snapshot.
func (r *Resolver) Set(ctx context.Context, key, value string) error {
	if err := r.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("config: setting %s: %w", key, err)
	}
	return r.Reload(ctx)
}

func (r *Resolver) resolve(row map[string]string) TenantConfig {
	tc := r.defaults
	applyTenantEnvOverrides(&tc)
	for key, value := range row {
		if !tc.Apply(key, value) {
			r.logger.Debug("ignoring unrecognized or malformed tenant config key",
				slog.String("key", key), slog.String("value", value))
		}
	}
	return tc
}
