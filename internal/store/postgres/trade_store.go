package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// TradeStore implements domain.TradeStore for one tenant. Live trades and
// dry-run records share the table, split by the live flag.
type TradeStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewTradeStore creates a tenant-scoped TradeStore.
func NewTradeStore(pool *pgxpool.Pool, tenantID string) *TradeStore {
	return &TradeStore{pool: pool, tenantID: tenantID}
}

const tradeSelectCols = `id, opportunity_id, live, venue, market_id, side,
	price, requested_size, filled_size, fill_price, status,
	venue_order_id, tx_hash, fee_usd, error, created_at, filled_at`

func (s *TradeStore) insert(ctx context.Context, t domain.Trade, live bool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var oppID *string
	if t.OpportunityID != "" {
		oppID = &t.OpportunityID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			id, tenant_id, opportunity_id, live, venue, market_id, side,
			price, requested_size, filled_size, fill_price, status,
			venue_order_id, tx_hash, fee_usd, error, created_at, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, s.tenantID, oppID, live, t.Venue, t.MarketID, t.Side,
		t.Price, t.RequestedSize, t.FilledSize, t.FillPrice, t.Status,
		t.VenueOrderID, t.TxHash, t.FeeUSD, t.Error, t.CreatedAt, t.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade: %w", err)
	}
	return nil
}

// Log persists a dry-run or simulated trade record.
func (s *TradeStore) Log(ctx context.Context, t domain.Trade) error {
	return s.insert(ctx, t, false)
}

// LogLive persists a real submitted trade.
func (s *TradeStore) LogLive(ctx context.Context, t domain.Trade) error {
	return s.insert(ctx, t, true)
}

// UpdateStatus records a fill-state transition reported by the venue.
func (s *TradeStore) UpdateStatus(ctx context.Context, id string, status domain.TradeStatus, filledSize, fillPrice float64, errMsg string) error {
	var filledAt *time.Time
	if status == domain.TradeStatusFilled || status == domain.TradeStatusPartial {
		now := time.Now().UTC()
		filledAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE trades
		SET status = $1, filled_size = $2, fill_price = $3, error = $4,
			filled_at = COALESCE($5, filled_at)
		WHERE id = $6 AND tenant_id = $7`,
		status, filledSize, fillPrice, errMsg, filledAt, id, s.tenantID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanTradeRows(rows pgx.Rows, tenantID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var (
			t     domain.Trade
			oppID *string
			live  bool
		)
		if err := rows.Scan(
			&t.ID, &oppID, &live, &t.Venue, &t.MarketID, &t.Side,
			&t.Price, &t.RequestedSize, &t.FilledSize, &t.FillPrice, &t.Status,
			&t.VenueOrderID, &t.TxHash, &t.FeeUSD, &t.Error, &t.CreatedAt, &t.FilledAt,
		); err != nil {
			return nil, err
		}
		if oppID != nil {
			t.OpportunityID = *oppID
		}
		t.TenantID = tenantID
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListRecent returns the newest trades for the tenant, live and dry-run.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		s.tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// DailyPnL sums today's (UTC) filled live trades with the signed convention:
// sells add notional, buys subtract, and fees always subtract. The result is
// what the daily-loss circuit breaker compares against its limit.
func (s *TradeStore) DailyPnL(ctx context.Context) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN side = 'sell' THEN filled_size * fill_price
			     ELSE -(filled_size * fill_price) END
			- fee_usd), 0)
		FROM trades
		WHERE tenant_id = $1
		  AND live
		  AND status IN ('filled', 'partially_filled')
		  AND created_at >= date_trunc('day', NOW() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`,
		s.tenantID,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("postgres: daily pnl: %w", err)
	}
	return pnl, nil
}

// ListBefore returns all trades created strictly before the given time,
// oldest first, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		WHERE tenant_id = $1 AND created_at < $2 ORDER BY created_at ASC`,
		s.tenantID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows, s.tenantID)
}

// DeleteBefore removes archived trades. Returns the number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE tenant_id = $1 AND created_at < $2`,
		s.tenantID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
