package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// RegistryStore implements domain.RegistryStore. It is the one store in this
// package that reads across tenants: the supervisor's view of who should be
// running.
type RegistryStore struct {
	pool *pgxpool.Pool
}

// NewRegistryStore creates a RegistryStore.
func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

// ActiveTenants returns every enabled tenant.
func (s *RegistryStore) ActiveTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, enabled, mode, created_at, updated_at
		FROM tenants WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Email, &t.Enabled, &t.Mode, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetTenant returns one tenant by ID, or ErrNotFound.
func (s *RegistryStore) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, enabled, mode, created_at, updated_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Email, &t.Enabled, &t.Mode, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("postgres: get tenant: %w", err)
	}
	return t, nil
}
