package kalshi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// --------------------------------------------------------------------------
// REST API DTOs. All prices are integer cents (1-99).
// --------------------------------------------------------------------------

// apiMarket is a market as returned by the Kalshi REST API.
type apiMarket struct {
	Ticker         string  `json:"ticker"`
	EventTicker    string  `json:"event_ticker"`
	Title          string  `json:"title"`
	Subtitle       string  `json:"subtitle"`
	Status         string  `json:"status"` // "open", "closed", "settled"
	YesBid         float64 `json:"yes_bid"`
	YesAsk         float64 `json:"yes_ask"`
	NoBid          float64 `json:"no_bid"`
	NoAsk          float64 `json:"no_ask"`
	LastPrice      float64 `json:"last_price"`
	Volume         int64   `json:"volume"`
	Volume24H      int64   `json:"volume_24h"`
	OpenInterest   int64   `json:"open_interest"`
	Liquidity      int64   `json:"liquidity"`
	ExpirationTime string  `json:"expiration_time"`
	CloseTime      string  `json:"close_time"`
	Result         string  `json:"result"` // "yes", "no", "" (unsettled)
}

// toDomain converts an apiMarket to the uniform market model. Kalshi binary
// markets always quote YES and NO.
func (m *apiMarket) toDomain() domain.Market {
	out := domain.Market{
		Venue:     domain.VenueKalshi,
		ID:        m.Ticker,
		EventID:   m.EventTicker,
		Title:     m.Title,
		Slug:      strings.ToLower(m.Ticker),
		Outcomes:  []string{"Yes", "No"},
		Volume24h: float64(m.Volume24H),
		Liquidity: float64(m.Liquidity) / 100,
	}

	switch m.Status {
	case "open", "active":
		out.Status = domain.MarketStatusActive
	case "closed":
		out.Status = domain.MarketStatusClosed
	default:
		out.Status = domain.MarketStatusResolved
	}

	for _, raw := range []string{m.ExpirationTime, m.CloseTime} {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			out.ResolvesAt = &t
			break
		}
	}
	return out
}

// apiOrderbook is the REST/WS orderbook payload. Both sides are bids: the
// YES side and the NO side. An ask on YES at price p is a bid on NO at 100-p.
type apiOrderbook struct {
	Yes []priceLevel `json:"yes"`
	No  []priceLevel `json:"no"`
}

// priceLevel is a [price_cents, quantity] pair; Kalshi sends tuples.
type priceLevel [2]int64

func (l priceLevel) price() int64 { return l[0] }
func (l priceLevel) qty() int64   { return l[1] }

// toDomain converts the two bid ladders into a YES-denominated book: bids
// are YES bids in dollars, asks are derived from NO bids at 100-p.
func (b *apiOrderbook) toDomain(ticker string, ts time.Time) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		Venue:     domain.VenueKalshi,
		MarketID:  ticker,
		Timestamp: ts,
	}

	for _, l := range b.Yes {
		if l.qty() <= 0 || l.price() <= 0 || l.price() >= 100 {
			continue
		}
		snap.Bids = append(snap.Bids, domain.PriceLevel{
			Price: float64(l.price()) / 100,
			Size:  float64(l.qty()),
		})
	}
	for _, l := range b.No {
		if l.qty() <= 0 || l.price() <= 0 || l.price() >= 100 {
			continue
		}
		snap.Asks = append(snap.Asks, domain.PriceLevel{
			Price: float64(100-l.price()) / 100,
			Size:  float64(l.qty()),
		})
	}

	sortBook(snap.Bids, true)
	sortBook(snap.Asks, false)

	// A stale NO bid folds into an ask at or below the best YES bid and
	// would make the derived book look crossed. Those levels are not
	// tradable quotes; drop them.
	if len(snap.Bids) > 0 {
		bestBid := snap.Bids[0].Price
		for len(snap.Asks) > 0 && snap.Asks[0].Price <= bestBid {
			snap.Asks = snap.Asks[1:]
		}
	}
	return snap
}

// sortBook orders one side best-first with an insertion sort; ladders are
// short.
func sortBook(levels []domain.PriceLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			swap := levels[j].Price < levels[j-1].Price
			if descending {
				swap = levels[j].Price > levels[j-1].Price
			}
			if !swap {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// apiOrder is the order payload sent to /portfolio/orders.
type apiOrder struct {
	Ticker     string `json:"ticker"`
	Action     string `json:"action"` // "buy" or "sell"
	Side       string `json:"side"`   // "yes" or "no"
	Type       string `json:"type"`   // "market" or "limit"
	Count      int64  `json:"count"`
	YesPrice   *int64 `json:"yes_price,omitempty"`
	NoPrice    *int64 `json:"no_price,omitempty"`
	ClientID   string `json:"client_order_id,omitempty"`
	BuyMaxCost *int64 `json:"buy_max_cost,omitempty"`
}

// apiOrderState is an order as returned by the API.
type apiOrderState struct {
	OrderID        string `json:"order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // "resting", "canceled", "executed", "pending"
	Action         string `json:"action"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	InitialCount   int64  `json:"initial_count"`
	RemainingCount int64  `json:"remaining_count"`
	TakerFillCount int64  `json:"taker_fill_count"`
	TakerFillCost  int64  `json:"taker_fill_cost"` // cents
	TakerFees      int64  `json:"taker_fees"`      // cents
	CreatedTime    string `json:"created_time"`
}

// toDomain converts an apiOrderState to the uniform order model.
func (o *apiOrderState) toDomain() domain.Order {
	ord := domain.Order{
		ID:     o.OrderID,
		Venue:  domain.VenueKalshi,
		Symbol: o.Ticker,
		Status: orderStatusToDomain(o.Status, o.RemainingCount, o.InitialCount),
		FeeUSD: float64(o.TakerFees) / 100,
	}
	if o.Action == "sell" {
		ord.Side = domain.SideSell
	} else {
		ord.Side = domain.SideBuy
	}
	if o.Type == "market" {
		ord.Type = domain.OrderTypeMarket
	} else {
		ord.Type = domain.OrderTypeLimit
	}

	price := o.YesPrice
	if o.Side == "no" {
		price = o.NoPrice
	}
	ord.Price = float64(price) / 100
	ord.Amount = float64(o.InitialCount)
	ord.Filled = float64(o.InitialCount - o.RemainingCount)
	if o.TakerFillCount > 0 {
		ord.AvgPrice = float64(o.TakerFillCost) / float64(o.TakerFillCount) / 100
	}
	if t, err := time.Parse(time.RFC3339, o.CreatedTime); err == nil {
		ord.CreatedAt = t
	}
	return ord
}

// orderStatusToDomain maps Kalshi order states onto the uniform lifecycle.
func orderStatusToDomain(status string, remaining, initial int64) domain.OrderStatus {
	switch status {
	case "resting":
		if remaining < initial && initial > 0 {
			return domain.OrderStatusPartial
		}
		return domain.OrderStatusOpen
	case "executed":
		return domain.OrderStatusFilled
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled
	case "pending":
		return domain.OrderStatusPending
	default:
		return domain.OrderStatusPending
	}
}

// apiError is the Kalshi error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiCandle is one bar from the candlesticks endpoint; prices in cents.
type apiCandle struct {
	EndPeriodTS int64 `json:"end_period_ts"`
	Price       struct {
		Open  int64 `json:"open"`
		High  int64 `json:"high"`
		Low   int64 `json:"low"`
		Close int64 `json:"close"`
	} `json:"price"`
	Volume int64 `json:"volume"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope wraps every WebSocket frame.
type wsEnvelope struct {
	Type string          `json:"type"` // "orderbook_snapshot", "orderbook_delta", "error"
	SID  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

// wsOrderbookSnapshot carries both full snapshots and deltas re-sent as
// full ladders per subscription.
type wsOrderbookSnapshot struct {
	Ticker string       `json:"market_ticker"`
	Yes    []priceLevel `json:"yes"`
	No     []priceLevel `json:"no"`
}

// wsOrderbookDelta is a single-level change on one side.
type wsOrderbookDelta struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"`
	Delta  int64  `json:"delta"`
	Side   string `json:"side"` // "yes" or "no"
}

// wsSubscribeCmd subscribes to channels for a set of tickers.
type wsSubscribeCmd struct {
	ID     int64             `json:"id"`
	Cmd    string            `json:"cmd"`
	Params wsSubscribeParams `json:"params"`
}

type wsSubscribeParams struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers"`
}
