package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// BalanceStore implements domain.BalanceStore for one tenant.
type BalanceStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewBalanceStore creates a tenant-scoped BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool, tenantID string) *BalanceStore {
	return &BalanceStore{pool: pool, tenantID: tenantID}
}

// UpsertBalance records the latest observed balance for one venue asset.
func (s *BalanceStore) UpsertBalance(ctx context.Context, venue domain.Venue, asset string, b domain.Balance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (tenant_id, venue, asset, free, locked, total, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id, venue, asset) DO UPDATE SET
			free = EXCLUDED.free,
			locked = EXCLUDED.locked,
			total = EXCLUDED.total,
			updated_at = NOW()`,
		s.tenantID, venue, asset, b.Free, b.Locked, b.Total,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert balance: %w", err)
	}
	return nil
}
