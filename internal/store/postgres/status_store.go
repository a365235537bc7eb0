package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// StatusStore implements domain.StatusStore for one tenant.
type StatusStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewStatusStore creates a tenant-scoped StatusStore.
func NewStatusStore(pool *pgxpool.Pool, tenantID string) *StatusStore {
	return &StatusStore{pool: pool, tenantID: tenantID}
}

// UpdateStatus upserts the tenant's bot_status row.
func (s *StatusStore) UpdateStatus(ctx context.Context, st domain.BotStatus) error {
	var startedAt, heartbeat *time.Time
	if !st.StartedAt.IsZero() {
		startedAt = &st.StartedAt
	}
	if !st.LastHeartbeat.IsZero() {
		heartbeat = &st.LastHeartbeat
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_status (tenant_id, running, mode, strategies, started_at, last_heartbeat, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			running = EXCLUDED.running,
			mode = EXCLUDED.mode,
			strategies = EXCLUDED.strategies,
			started_at = COALESCE(EXCLUDED.started_at, bot_status.started_at),
			last_heartbeat = COALESCE(EXCLUDED.last_heartbeat, bot_status.last_heartbeat),
			last_error = EXCLUDED.last_error`,
		s.tenantID, st.Running, st.Mode, st.Strategies, startedAt, heartbeat, st.LastError,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bot status: %w", err)
	}
	return nil
}

// GetStatus returns the tenant's bot_status row, or ErrNotFound.
func (s *StatusStore) GetStatus(ctx context.Context) (domain.BotStatus, error) {
	var (
		st        domain.BotStatus
		startedAt *time.Time
		heartbeat *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT running, mode, strategies, started_at, last_heartbeat, last_error
		FROM bot_status WHERE tenant_id = $1`,
		s.tenantID,
	).Scan(&st.Running, &st.Mode, &st.Strategies, &startedAt, &heartbeat, &st.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BotStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BotStatus{}, fmt.Errorf("postgres: get bot status: %w", err)
	}
	if startedAt != nil {
		st.StartedAt = *startedAt
	}
	if heartbeat != nil {
		st.LastHeartbeat = *heartbeat
	}
	st.TenantID = s.tenantID
	return st, nil
}

// Heartbeat stamps last_heartbeat. The admin surface treats a stale stamp as
// a dead worker.
func (s *StatusStore) Heartbeat(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_status (tenant_id, running, last_heartbeat)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET last_heartbeat = NOW()`,
		s.tenantID,
	)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	return nil
}
