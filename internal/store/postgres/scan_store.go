package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// ScanStore implements domain.ScanStore for one tenant. Every market a
// scanner evaluates lands here, qualified or not, so missed-edge analysis
// can run offline.
type ScanStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewScanStore creates a tenant-scoped ScanStore.
func NewScanStore(pool *pgxpool.Pool, tenantID string) *ScanStore {
	return &ScanStore{pool: pool, tenantID: tenantID}
}

// LogScan inserts one market evaluation record.
func (s *ScanStore) LogScan(ctx context.Context, scan domain.MarketScan) error {
	if scan.ScannedAt.IsZero() {
		scan.ScannedAt = time.Now().UTC()
	}
	if scan.Metrics == nil {
		scan.Metrics = map[string]float64{}
	}
	metrics, err := json.Marshal(scan.Metrics)
	if err != nil {
		return fmt.Errorf("postgres: marshal scan metrics: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO market_scans (tenant_id, scanner, venue, market_id, qualified, reason, metrics, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.tenantID, scan.Scanner, scan.Venue, scan.MarketID, scan.Qualified, scan.Reason, metrics, scan.ScannedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market scan: %w", err)
	}
	return nil
}

// DeleteBefore prunes old scan rows; the table grows fastest of all.
func (s *ScanStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM market_scans WHERE tenant_id = $1 AND scanned_at < $2`,
		s.tenantID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete market scans before: %w", err)
	}
	return tag.RowsAffected(), nil
}
