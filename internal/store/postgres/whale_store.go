package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// WhaleStore implements domain.WhaleStore for one tenant.
type WhaleStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewWhaleStore creates a tenant-scoped WhaleStore.
func NewWhaleStore(pool *pgxpool.Pool, tenantID string) *WhaleStore {
	return &WhaleStore{pool: pool, tenantID: tenantID}
}

// UpsertWhale inserts or refreshes a tracked wallet.
func (s *WhaleStore) UpsertWhale(ctx context.Context, w domain.TrackedWhale) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracked_whales (tenant_id, address, label, tier, volume_30d, win_rate, trade_count, active, added_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (tenant_id, address) DO UPDATE SET
			label = EXCLUDED.label,
			tier = EXCLUDED.tier,
			volume_30d = EXCLUDED.volume_30d,
			win_rate = EXCLUDED.win_rate,
			trade_count = EXCLUDED.trade_count,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		s.tenantID, w.Address, w.Label, w.Tier, w.Volume30d, w.WinRate, w.TradeCount, w.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert whale: %w", err)
	}
	return nil
}

// ListWhales returns the tenant's tracked wallets, optionally active only.
func (s *WhaleStore) ListWhales(ctx context.Context, activeOnly bool) ([]domain.TrackedWhale, error) {
	query := `
		SELECT address, label, tier, volume_30d, win_rate, trade_count, active, added_at, updated_at
		FROM tracked_whales WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY volume_30d DESC`

	rows, err := s.pool.Query(ctx, query, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list whales: %w", err)
	}
	defer rows.Close()

	var whales []domain.TrackedWhale
	for rows.Next() {
		var w domain.TrackedWhale
		if err := rows.Scan(&w.Address, &w.Label, &w.Tier, &w.Volume30d, &w.WinRate, &w.TradeCount, &w.Active, &w.AddedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan whale: %w", err)
		}
		w.TenantID = s.tenantID
		whales = append(whales, w)
	}
	return whales, rows.Err()
}

// LogWhaleTrade records a detected whale trade.
func (s *WhaleStore) LogWhaleTrade(ctx context.Context, wt domain.WhaleTrade) error {
	if wt.ID == "" {
		wt.ID = uuid.NewString()
	}
	if wt.DetectedAt.IsZero() {
		wt.DetectedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO whale_trades (id, whale_address, venue, market_id, market_title, side, price, size_usd, detected_at, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		wt.ID, wt.WhaleAddress, wt.Venue, wt.MarketID, wt.MarketTitle, wt.Side, wt.Price, wt.SizeUSD, wt.DetectedAt, wt.TradedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert whale trade: %w", err)
	}
	return nil
}

// LogCopyTrade records a copy attempt, whether copied or skipped.
func (s *WhaleStore) LogCopyTrade(ctx context.Context, ct domain.CopyTrade) error {
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	if ct.CreatedAt.IsZero() {
		ct.CreatedAt = time.Now().UTC()
	}
	var whaleTradeID, tradeID *string
	if ct.WhaleTradeID != "" {
		whaleTradeID = &ct.WhaleTradeID
	}
	if ct.TradeID != "" {
		tradeID = &ct.TradeID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_trades (id, tenant_id, whale_trade_id, whale_address, trade_id, size_scale, entry_drift_pct, copied, skip_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ct.ID, s.tenantID, whaleTradeID, ct.WhaleAddress, tradeID, ct.SizeScale, ct.EntryDriftPct, ct.Copied, ct.SkipReason, ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert copy trade: %w", err)
	}
	return nil
}
