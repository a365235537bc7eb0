package domain

import "time"

// TradeStatus tracks one submitted or simulated order. Terminal states are
// filled, partially_filled, cancelled, failed, and dry_run.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusPartial   TradeStatus = "partially_filled"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusFailed    TradeStatus = "failed"
	TradeStatusDryRun    TradeStatus = "dry_run"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusPartial, TradeStatusCancelled, TradeStatusFailed, TradeStatusDryRun:
		return true
	}
	return false
}

// Trade is one order submitted (or simulated) against a venue.
// FilledSize never exceeds RequestedSize.
type Trade struct {
	ID            string
	TenantID      string
	OpportunityID string
	Venue         Venue
	MarketID      string
	Side          Side
	Price         float64
	RequestedSize float64
	FilledSize    float64
	FillPrice     float64
	Status        TradeStatus
	VenueOrderID  string
	TxHash        string
	FeeUSD        float64
	Error         string
	CreatedAt     time.Time
	FilledAt      *time.Time
}

// Notional returns the USD value of the filled portion at the fill price.
func (t Trade) Notional() float64 {
	return t.FilledSize * t.FillPrice
}
