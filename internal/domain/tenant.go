package domain

import "time"

// TradingMode selects the execution backend for a tenant.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Tenant is the unit of isolation: one user's bot instance and all its state.
// Rows are created by the admin surface; the supervisor only consumes them.
type Tenant struct {
	ID        string
	Email     string
	Enabled   bool
	Mode      TradingMode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotStatus summarises a tenant bot's operational state for the admin surface.
type BotStatus struct {
	TenantID      string
	Running       bool
	Mode          TradingMode
	Strategies    []string
	StartedAt     time.Time
	LastHeartbeat time.Time
	LastError     string
}

// AuditEntry is a single append-only audit log row. Audit writes are
// best-effort: a failed write must never fail the action being audited.
type AuditEntry struct {
	ID        int64
	TenantID  string
	Action    string
	Detail    map[string]any
	CreatedAt time.Time
}
