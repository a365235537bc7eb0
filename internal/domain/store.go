package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists detected opportunities, tenant-scoped.
type OpportunityStore interface {
	Log(ctx context.Context, opp Opportunity) error
	UpdateStatus(ctx context.Context, id string, status OpportunityStatus, reason string, executedAt *time.Time) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
}

// TradeStore persists live and dry-run trades, tenant-scoped. DailyPnL sums
// today's filled trades with the signed convention: sells add, buys and fees
// subtract.
type TradeStore interface {
	Log(ctx context.Context, trade Trade) error
	LogLive(ctx context.Context, trade Trade) error
	UpdateStatus(ctx context.Context, id string, status TradeStatus, filledSize, fillPrice float64, errMsg string) error
	ListRecent(ctx context.Context, limit int) ([]Trade, error)
	DailyPnL(ctx context.Context) (float64, error)
}

// PaperStore persists simulated trades and the per-tenant stats anchor.
type PaperStore interface {
	LogPaperTrade(ctx context.Context, pt PaperTrade) error
	UpsertStats(ctx context.Context, snap StatsSnapshot) error
	GetStats(ctx context.Context) (StatsSnapshot, error)
	CountPaperTrades(ctx context.Context) (int64, error)
	ResetSimulation(ctx context.Context, startBalance float64) error
}

// SecretStore resolves decrypted per-tenant credentials. Implementations
// cache results; forceRefresh bypasses the cache.
type SecretStore interface {
	Load(ctx context.Context, forceRefresh bool) (map[string]string, error)
	Put(ctx context.Context, name, plaintext string) error
}

// ConfigStore reads and writes the tenant's configuration row.
type ConfigStore interface {
	Load(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// StatusStore maintains the tenant's bot_status row and heartbeat.
type StatusStore interface {
	UpdateStatus(ctx context.Context, status BotStatus) error
	GetStatus(ctx context.Context) (BotStatus, error)
	Heartbeat(ctx context.Context) error
}

// RegistryStore is the supervisor's unscoped view of the tenant registry.
type RegistryStore interface {
	ActiveTenants(ctx context.Context) ([]Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
}

// AuditStore persists an append-only audit log. Append failures are logged
// by implementations and never propagated to callers' primary actions.
type AuditStore interface {
	Append(ctx context.Context, action string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ScanStore records every scanner market evaluation.
type ScanStore interface {
	LogScan(ctx context.Context, scan MarketScan) error
}

// WhaleStore persists copy-trading entities, tenant-scoped.
type WhaleStore interface {
	UpsertWhale(ctx context.Context, w TrackedWhale) error
	ListWhales(ctx context.Context, activeOnly bool) ([]TrackedWhale, error)
	LogWhaleTrade(ctx context.Context, wt WhaleTrade) error
	LogCopyTrade(ctx context.Context, ct CopyTrade) error
}

// BalanceStore records periodic balance observations per venue.
type BalanceStore interface {
	UpsertBalance(ctx context.Context, venue Venue, asset string, b Balance) error
}
