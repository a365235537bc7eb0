package domain

import "time"

// OrderType is the order execution style.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether the venue will not change the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// OrderRequest is the uniform order submission payload every venue client
// accepts. Price is ignored for market orders. Params carries venue-specific
// extras (e.g. Polymarket token IDs, perp leverage) without widening the API.
type OrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Amount float64
	Price  float64
	Params map[string]string
}

// Order is the uniform view of a venue-side order.
type Order struct {
	ID        string
	Venue     Venue
	Symbol    string
	Side      Side
	Type      OrderType
	Price     float64
	Amount    float64
	Filled    float64
	AvgPrice  float64
	FeeUSD    float64
	Status    OrderStatus
	TxHash    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance is the per-asset balance triple every venue reports.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Position is an open position on a venue that supports position queries.
type Position struct {
	Venue      Venue
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	PnLUSD     float64
	Leverage   float64
	OpenedAt   time.Time
}
