package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConfigStore implements domain.ConfigStore for one tenant: a flat
// key/value row set the resolver layers over environment and defaults.
type ConfigStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewConfigStore creates a tenant-scoped ConfigStore.
func NewConfigStore(pool *pgxpool.Pool, tenantID string) *ConfigStore {
	return &ConfigStore{pool: pool, tenantID: tenantID}
}

// Load returns the tenant's full configuration row set.
func (s *ConfigStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM tenant_config WHERE tenant_id = $1`,
		s.tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load tenant config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan tenant config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts one configuration key for the tenant.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_config (tenant_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = NOW()`,
		s.tenantID, key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres: set tenant config %s: %w", key, err)
	}
	return nil
}
