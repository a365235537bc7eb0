package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") because the
// Gamma API sends "active" as either depending on the endpoint.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// gammaMarket is a market as returned by the Gamma discovery API. Outcomes
// and token IDs arrive double-encoded (JSON arrays inside JSON strings).
type gammaMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	EventID       string   `json:"eventId"`
	Active        flexBool `json:"active"`
	Closed        bool     `json:"closed"`
	Outcomes      string   `json:"outcomes"`      // e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // e.g. "[\"0.52\",\"0.48\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // e.g. "[\"123\",\"456\"]"
	Volume24hr    float64  `json:"volume24hr"`
	Liquidity     string   `json:"liquidity"`
	EndDateISO    string   `json:"endDateIso"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
}

// toDomain converts a gammaMarket to the uniform market model.
func (m *gammaMarket) toDomain() domain.Market {
	out := domain.Market{
		Venue:     domain.VenuePolymarket,
		ID:        m.ConditionID,
		EventID:   m.EventID,
		Title:     m.Question,
		Slug:      m.Slug,
		Volume24h: m.Volume24hr,
	}
	if out.ID == "" {
		out.ID = m.ID
	}

	_ = json.Unmarshal([]byte(m.Outcomes), &out.Outcomes)
	_ = json.Unmarshal([]byte(m.ClobTokenIDs), &out.TokenIDs)
	out.Liquidity, _ = strconv.ParseFloat(m.Liquidity, 64)

	switch {
	case m.Closed:
		out.Status = domain.MarketStatusClosed
	case bool(m.Active):
		out.Status = domain.MarketStatusActive
	default:
		out.Status = domain.MarketStatusResolved
	}

	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		out.ResolvesAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		out.UpdatedAt = t
	}
	return out
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// clobBook is the REST/WS orderbook payload. Price and size arrive as
// decimal strings.
type clobBook struct {
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []clobLevel `json:"bids"`
	Asks      []clobLevel `json:"asks"`
	Timestamp string      `json:"timestamp"` // Unix milliseconds
	Hash      string      `json:"hash"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// toDomain converts a CLOB book to a snapshot keyed by asset (token) ID.
// CLOB book sides arrive sorted away from the touch; the snapshot keeps bids
// descending and asks ascending so index 0 is always best.
func (b *clobBook) toDomain() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		Venue:     domain.VenuePolymarket,
		MarketID:  b.AssetID,
		Bids:      levelsToDomain(b.Bids, true),
		Asks:      levelsToDomain(b.Asks, false),
		Timestamp: parseMillis(b.Timestamp),
	}
	return snap
}

// levelsToDomain parses string levels and orders them best-first.
func levelsToDomain(levels []clobLevel, descending bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	sortLevels(out, descending)
	return out
}

// sortLevels is an insertion sort; book depth is small (tens of levels).
func sortLevels(levels []domain.PriceLevel, descending bool) {
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

// parseMillis converts a Unix-milliseconds string to a time, zero on failure.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// clobOrder is an order as returned by the CLOB API.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"` // "BUY" or "SELL"
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"` // Unix seconds
}

// toDomain converts a CLOB order to the uniform order model.
func (o *clobOrder) toDomain() domain.Order {
	ord := domain.Order{
		ID:     o.ID,
		Venue:  domain.VenuePolymarket,
		Symbol: o.AssetID,
		Type:   domain.OrderTypeLimit,
		Status: orderStatusToDomain(o.Status),
	}
	if strings.EqualFold(o.Side, "SELL") {
		ord.Side = domain.SideSell
	} else {
		ord.Side = domain.SideBuy
	}
	ord.Price, _ = strconv.ParseFloat(o.Price, 64)
	ord.Amount, _ = strconv.ParseFloat(o.OriginalSize, 64)
	ord.Filled, _ = strconv.ParseFloat(o.SizeMatched, 64)
	if ord.Filled > 0 {
		ord.AvgPrice = ord.Price
	}
	if o.CreatedAt > 0 {
		ord.CreatedAt = time.Unix(o.CreatedAt, 0)
	}
	return ord
}

// orderStatusToDomain maps CLOB order states onto the uniform lifecycle.
func orderStatusToDomain(status string) domain.OrderStatus {
	switch strings.ToUpper(status) {
	case "LIVE":
		return domain.OrderStatusOpen
	case "MATCHED", "FILLED":
		return domain.OrderStatusFilled
	case "DELAYED":
		return domain.OrderStatusPending
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCancelled
	case "UNMATCHED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

// clobOrderResult is the response from placing an order.
type clobOrderResult struct {
	Success  bool     `json:"success"`
	ErrorMsg string   `json:"errorMsg,omitempty"`
	OrderID  string   `json:"orderID,omitempty"`
	Status   string   `json:"status,omitempty"`
	TxHashes []string `json:"transactionsHashes,omitempty"`
}

// pricePoint is one sample from the CLOB price history endpoint.
type pricePoint struct {
	T int64   `json:"t"` // Unix seconds
	P float64 `json:"p"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsCommand is a subscribe/unsubscribe frame sent to the market channel.
type wsCommand struct {
	Type     string   `json:"type"`
	Channel  string   `json:"channel,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// wsEnvelope identifies the frame type before full decoding.
type wsEnvelope struct {
	EventType string `json:"event_type"`
	MsgType   string `json:"msg_type"`
}

// wsPriceChange is an incremental price-level update; size "0" removes the
// level.
type wsPriceChange struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}
