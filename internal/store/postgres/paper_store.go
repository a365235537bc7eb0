package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// PaperStore implements domain.PaperStore for one tenant. The stats row is
// anchored on tenant_id: concurrent writers upsert the same row rather than
// fanning out duplicates.
type PaperStore struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewPaperStore creates a tenant-scoped PaperStore.
func NewPaperStore(pool *pgxpool.Pool, tenantID string) *PaperStore {
	return &PaperStore{pool: pool, tenantID: tenantID}
}

// LogPaperTrade persists one simulated attempt, executed or skipped.
func (s *PaperStore) LogPaperTrade(ctx context.Context, pt domain.PaperTrade) error {
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_trades (
			id, tenant_id, arb_kind,
			venue_a, market_a_id, market_a_title, price_a,
			venue_b, market_b_id, market_b_title, price_b,
			original_spread, executed_spread, slippage_pct, fees_usd,
			size_usd, gross_profit_usd, net_profit_usd, balance_after,
			outcome, outcome_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		pt.ID, s.tenantID, pt.ArbKind,
		pt.VenueA, pt.MarketAID, pt.MarketATitle, pt.PriceA,
		pt.VenueB, pt.MarketBID, pt.MarketBTitle, pt.PriceB,
		pt.OriginalSpread, pt.ExecutedSpread, pt.SlippagePct, pt.FeesUSD,
		pt.SizeUSD, pt.GrossProfitUSD, pt.NetProfitUSD, pt.BalanceAfter,
		pt.Outcome, pt.OutcomeReason, pt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert paper trade: %w", err)
	}
	return nil
}

// UpsertStats writes the tenant's stats snapshot, converging on the single
// anchored row.
func (s *PaperStore) UpsertStats(ctx context.Context, snap domain.StatsSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_stats (
			tenant_id, balance, start_balance, total_pnl_usd, total_fees_usd,
			trade_count, win_count, loss_count, skip_count,
			best_trade_usd, worst_trade_usd, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			start_balance = EXCLUDED.start_balance,
			total_pnl_usd = EXCLUDED.total_pnl_usd,
			total_fees_usd = EXCLUDED.total_fees_usd,
			trade_count = EXCLUDED.trade_count,
			win_count = EXCLUDED.win_count,
			loss_count = EXCLUDED.loss_count,
			skip_count = EXCLUDED.skip_count,
			best_trade_usd = EXCLUDED.best_trade_usd,
			worst_trade_usd = EXCLUDED.worst_trade_usd,
			updated_at = NOW()`,
		s.tenantID, snap.Balance, snap.StartBalance, snap.TotalPnLUSD, snap.TotalFeesUSD,
		snap.TradeCount, snap.WinCount, snap.LossCount, snap.SkipCount,
		snap.BestTradeUSD, snap.WorstTradeUSD,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert paper stats: %w", err)
	}
	return nil
}

// GetStats returns the tenant's stats snapshot, or ErrNotFound when the
// simulator has never written one.
func (s *PaperStore) GetStats(ctx context.Context) (domain.StatsSnapshot, error) {
	var snap domain.StatsSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT balance, start_balance, total_pnl_usd, total_fees_usd,
			trade_count, win_count, loss_count, skip_count,
			best_trade_usd, worst_trade_usd, updated_at
		FROM paper_stats WHERE tenant_id = $1`,
		s.tenantID,
	).Scan(
		&snap.Balance, &snap.StartBalance, &snap.TotalPnLUSD, &snap.TotalFeesUSD,
		&snap.TradeCount, &snap.WinCount, &snap.LossCount, &snap.SkipCount,
		&snap.BestTradeUSD, &snap.WorstTradeUSD, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatsSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("postgres: get paper stats: %w", err)
	}
	snap.TenantID = s.tenantID
	return snap, nil
}

// CountPaperTrades returns the total paper trade rows for the tenant.
func (s *PaperStore) CountPaperTrades(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM paper_trades WHERE tenant_id = $1`,
		s.tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count paper trades: %w", err)
	}
	return n, nil
}

// ResetSimulation wipes the tenant's paper history and re-anchors the stats
// row at startBalance, atomically.
func (s *PaperStore) ResetSimulation(ctx context.Context, startBalance float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM paper_trades WHERE tenant_id = $1`, s.tenantID); err != nil {
		return fmt.Errorf("postgres: reset paper trades: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO paper_stats (tenant_id, balance, start_balance, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			start_balance = EXCLUDED.start_balance,
			total_pnl_usd = 0, total_fees_usd = 0,
			trade_count = 0, win_count = 0, loss_count = 0, skip_count = 0,
			best_trade_usd = 0, worst_trade_usd = 0,
			updated_at = NOW()`,
		s.tenantID, startBalance,
	); err != nil {
		return fmt.Errorf("postgres: reset paper stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit reset tx: %w", err)
	}
	return nil
}
