package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// AuditStore implements domain.AuditStore for one tenant. Callers treat
// Append as best-effort: the returned error is logged, never propagated to
// the action being audited.
type AuditStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewAuditStore creates a tenant-scoped AuditStore.
func NewAuditStore(pool *pgxpool.Pool, tenantID string) *AuditStore {
	return &AuditStore{pool: pool, tenantID: tenantID}
}

// Append inserts one audit row.
func (s *AuditStore) Append(ctx context.Context, action string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (tenant_id, action, detail) VALUES ($1, $2, $3)`,
		s.tenantID, action, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

// List returns audit entries newest first, honoring pagination and the
// optional time window.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, action, detail, created_at FROM audit_log WHERE tenant_id = $1`
	args := []any{s.tenantID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
		}
		e.TenantID = s.tenantID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListBefore returns audit entries created strictly before the given time,
// oldest first, for archiving.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, detail, created_at FROM audit_log
		WHERE tenant_id = $1 AND created_at < $2 ORDER BY created_at ASC`,
		s.tenantID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit before: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
		}
		e.TenantID = s.tenantID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBefore removes archived audit entries. Returns the number deleted.
func (s *AuditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE tenant_id = $1 AND created_at < $2`,
		s.tenantID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit before: %w", err)
	}
	return tag.RowsAffected(), nil
}
