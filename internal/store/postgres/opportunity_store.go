package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore for one tenant.
type OpportunityStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewOpportunityStore creates a tenant-scoped OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool, tenantID string) *OpportunityStore {
	return &OpportunityStore{pool: pool, tenantID: tenantID}
}

// Log persists a detected opportunity. A missing ID is assigned here so
// scanners can stay oblivious to persistence concerns.
func (s *OpportunityStore) Log(ctx context.Context, opp domain.Opportunity) error {
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = time.Now().UTC()
	}

	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity legs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, tenant_id, scanner, kind, legs,
			profit_per_contract, profit_pct, max_size, total_profit_usd,
			confidence, score, status, skip_reason, detected_at, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		opp.ID, s.tenantID, opp.Scanner, opp.Kind, legs,
		opp.ProfitPerContract, opp.ProfitPct, opp.MaxSize, opp.TotalProfitUSD,
		opp.Confidence, opp.Score, opp.Status, opp.SkipReason, opp.DetectedAt, opp.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity: %w", err)
	}
	return nil
}

// UpdateStatus transitions an opportunity to a terminal state.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus, reason string, executedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities
		SET status = $1, skip_reason = $2, executed_at = COALESCE($3, executed_at)
		WHERE id = $4 AND tenant_id = $5`,
		status, reason, executedAt, id, s.tenantID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest opportunities for the tenant.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scanner, kind, legs,
			profit_per_contract, profit_pct, max_size, total_profit_usd,
			confidence, score, status, skip_reason, detected_at, executed_at
		FROM opportunities
		WHERE tenant_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`,
		s.tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var (
			o    domain.Opportunity
			legs []byte
		)
		if err := rows.Scan(
			&o.ID, &o.Scanner, &o.Kind, &legs,
			&o.ProfitPerContract, &o.ProfitPct, &o.MaxSize, &o.TotalProfitUSD,
			&o.Confidence, &o.Score, &o.Status, &o.SkipReason, &o.DetectedAt, &o.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal(legs, &o.Legs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal opportunity legs: %w", err)
		}
		o.TenantID = s.tenantID
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// ListBefore returns all opportunities detected strictly before the given
// time, oldest first, for archiving.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scanner, kind, legs,
			profit_per_contract, profit_pct, max_size, total_profit_usd,
			confidence, score, status, skip_reason, detected_at, executed_at
		FROM opportunities
		WHERE tenant_id = $1 AND detected_at < $2
		ORDER BY detected_at ASC`,
		s.tenantID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var (
			o    domain.Opportunity
			legs []byte
		)
		if err := rows.Scan(
			&o.ID, &o.Scanner, &o.Kind, &legs,
			&o.ProfitPerContract, &o.ProfitPct, &o.MaxSize, &o.TotalProfitUSD,
			&o.Confidence, &o.Score, &o.Status, &o.SkipReason, &o.DetectedAt, &o.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := json.Unmarshal(legs, &o.Legs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal opportunity legs: %w", err)
		}
		o.TenantID = s.tenantID
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// DeleteBefore removes archived opportunities. Returns the number deleted.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM opportunities WHERE tenant_id = $1 AND detected_at < $2`,
		s.tenantID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before: %w", err)
	}
	return tag.RowsAffected(), nil
}
