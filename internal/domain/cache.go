package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest observed prices.
type PriceCache interface {
	SetPrice(ctx context.Context, venue Venue, marketID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, venue Venue, marketID string) (float64, time.Time, error)
}

// OrderbookCache stores shared live book snapshots so multiple scanners in
// one tenant read the same stream without duplicate subscriptions.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, venue Venue, marketID string) (BookSnapshot, error)
}

// RateLimiter provides distributed rate limiting for venue REST calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks. The supervisor takes a per-tenant
// lock before starting a runtime so two supervisor replicas never run the
// same tenant concurrently.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// ControlCommand is an out-of-band instruction delivered to a running tenant
// worker: pause, resume, approve or reject a held trade, or reset the paper
// simulation.
type ControlCommand struct {
	Command string `json:"command"`
	TradeID string `json:"trade_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ControlBus carries ControlCommands from the admin surface to running
// workers. Delivery is at-most-once; durable state changes still go through
// the database.
type ControlBus interface {
	PublishControl(ctx context.Context, tenantID string, cmd ControlCommand) error
	SubscribeControl(ctx context.Context, tenantID string) (<-chan ControlCommand, error)
}
