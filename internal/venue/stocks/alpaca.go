// Package stocks implements the equity venues. Alpaca is the reference
// broker: commission-free trading plus the regulatory per-share charge on
// sells, with market data served from a separate data host.
package stocks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	defaultTradingURL = "https://paper-api.alpaca.markets"
	defaultDataURL    = "https://data.alpaca.markets"

	// SEC section 31 plus FINRA TAF, rounded to the combined per-share
	// charge applied to sells.
	perShareSellFee = 0.000008
)

// Config carries the Alpaca endpoints and credentials.
type Config struct {
	TradingURL string
	DataURL    string
	APIKeyID   string
	APISecret  string
}

// Alpaca is the Alpaca trading and market-data client.
type Alpaca struct {
	trading *resty.Client
	data    *resty.Client
}

// NewAlpaca creates a client. Empty URLs select the paper-trading host.
func NewAlpaca(cfg Config) *Alpaca {
	if cfg.TradingURL == "" {
		cfg.TradingURL = defaultTradingURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	return &Alpaca{
		trading: newHTTP(cfg.TradingURL, cfg.APIKeyID, cfg.APISecret),
		data:    newHTTP(cfg.DataURL, cfg.APIKeyID, cfg.APISecret),
	}
}

func newHTTP(baseURL, keyID, secret string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		SetHeader("APCA-API-KEY-ID", keyID).
		SetHeader("APCA-API-SECRET-KEY", secret)
}

func (a *Alpaca) Venue() domain.Venue { return domain.VenueAlpaca }

// Fees returns the commission-free schedule with the per-share sell charge.
func (a *Alpaca) Fees() domain.FeeSchedule {
	return domain.FeeSchedule{PerShareSellFee: decimal.NewFromFloat(perShareSellFee)}
}

func checkStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, resp.String())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.String())
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, resp.String())
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, resp.String())
	default:
		return fmt.Errorf("HTTP %d: %s", code, resp.String())
	}
}

func (a *Alpaca) get(ctx context.Context, client *resty.Client, path string, params map[string]string, result any) error {
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	// Decode the raw body so a missing or odd content type on a JSON reply
	// still parses.
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

type alpacaQuote struct {
	BidPrice float64   `json:"bp"`
	BidSize  float64   `json:"bs"`
	AskPrice float64   `json:"ap"`
	AskSize  float64   `json:"as"`
	Time     time.Time `json:"t"`
}

// GetTicker returns the latest quote and trade for one symbol.
func (a *Alpaca) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var result struct {
		Quote alpacaQuote `json:"quote"`
	}
	err := a.get(ctx, a.data, "/v2/stocks/"+symbol+"/quotes/latest", nil, &result)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("alpaca: get ticker %s: %w", symbol, err)
	}

	var trade struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := a.get(ctx, a.data, "/v2/stocks/"+symbol+"/trades/latest", nil, &trade); err != nil {
		return domain.Ticker{}, fmt.Errorf("alpaca: get last trade %s: %w", symbol, err)
	}

	t := domain.Ticker{
		Symbol:    symbol,
		Bid:       result.Quote.BidPrice,
		Ask:       result.Quote.AskPrice,
		Last:      trade.Trade.Price,
		Timestamp: time.Now(),
	}
	if !result.Quote.Time.IsZero() {
		t.Timestamp = result.Quote.Time
	}
	return t, nil
}

// GetTickers returns latest quotes for the given symbols in one request.
func (a *Alpaca) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	if len(symbols) == 0 {
		return map[string]domain.Ticker{}, nil
	}

	var result struct {
		Quotes map[string]alpacaQuote `json:"quotes"`
	}
	err := a.get(ctx, a.data, "/v2/stocks/quotes/latest", map[string]string{
		"symbols": strings.Join(symbols, ","),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get tickers: %w", err)
	}

	out := make(map[string]domain.Ticker, len(result.Quotes))
	for symbol, q := range result.Quotes {
		t := domain.Ticker{
			Symbol:    symbol,
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			Last:      (q.BidPrice + q.AskPrice) / 2,
			Timestamp: time.Now(),
		}
		if !q.Time.IsZero() {
			t.Timestamp = q.Time
		}
		out[symbol] = t
	}
	return out, nil
}

// GetOrderBook synthesizes a one-level book from the NBBO quote; Alpaca
// does not expose aggregated depth.
func (a *Alpaca) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	var result struct {
		Quote alpacaQuote `json:"quote"`
	}
	err := a.get(ctx, a.data, "/v2/stocks/"+symbol+"/quotes/latest", nil, &result)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("alpaca: get orderbook %s: %w", symbol, err)
	}

	q := result.Quote
	snap := domain.BookSnapshot{
		Venue:     domain.VenueAlpaca,
		MarketID:  symbol,
		Timestamp: time.Now(),
	}
	if !q.Time.IsZero() {
		snap.Timestamp = q.Time
	}
	// Quote sizes are round lots of 100 shares.
	if q.BidPrice > 0 {
		snap.Bids = []domain.PriceLevel{{Price: q.BidPrice, Size: q.BidSize * 100}}
	}
	if q.AskPrice > 0 {
		snap.Asks = []domain.PriceLevel{{Price: q.AskPrice, Size: q.AskSize * 100}}
	}
	return snap, nil
}

// GetOHLCV fetches bars oldest first.
func (a *Alpaca) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	tf, err := alpacaTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var result struct {
		Bars []struct {
			Time   time.Time `json:"t"`
			Open   float64   `json:"o"`
			High   float64   `json:"h"`
			Low    float64   `json:"l"`
			Close  float64   `json:"c"`
			Volume float64   `json:"v"`
		} `json:"bars"`
	}
	err = a.get(ctx, a.data, "/v2/stocks/"+symbol+"/bars", map[string]string{
		"timeframe":  tf,
		"limit":      strconv.Itoa(limit),
		"adjustment": "split",
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get bars %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(result.Bars))
	for _, bar := range result.Bars {
		candles = append(candles, domain.Candle{
			Timestamp: bar.Time.UnixMilli(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
	return candles, nil
}

func alpacaTimeframe(timeframe string) (string, error) {
	switch timeframe {
	case "", "1h":
		return "1Hour", nil
	case "1m":
		return "1Min", nil
	case "5m":
		return "5Min", nil
	case "15m":
		return "15Min", nil
	case "1d":
		return "1Day", nil
	default:
		return "", fmt.Errorf("alpaca: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns the account cash and equity in USD.
func (a *Alpaca) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	var result struct {
		Cash   string `json:"cash"`
		Equity string `json:"equity"`
	}
	if err := a.get(ctx, a.trading, "/v2/account", nil, &result); err != nil {
		return nil, fmt.Errorf("alpaca: get account: %w", err)
	}

	cash := parseF(result.Cash)
	equity := parseF(result.Equity)
	return map[string]domain.Balance{
		"USD": {
			Asset:  "USD",
			Free:   cash,
			Locked: equity - cash,
			Total:  equity,
		},
	}, nil
}

// GetPositions returns open equity positions.
func (a *Alpaca) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	var rows []struct {
		Symbol       string `json:"symbol"`
		Side         string `json:"side"` // "long" / "short"
		Qty          string `json:"qty"`
		AvgEntry     string `json:"avg_entry_price"`
		CurrentPrice string `json:"current_price"`
		UnrealizedPL string `json:"unrealized_pl"`
	}
	if err := a.get(ctx, a.trading, "/v2/positions", nil, &rows); err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, p := range rows {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		qty := parseF(p.Qty)
		pos := domain.Position{
			Venue:      domain.VenueAlpaca,
			Symbol:     p.Symbol,
			Side:       domain.SideBuy,
			Size:       qty,
			EntryPrice: parseF(p.AvgEntry),
			MarkPrice:  parseF(p.CurrentPrice),
			PnLUSD:     parseF(p.UnrealizedPL),
		}
		if p.Side == "short" || qty < 0 {
			pos.Side = domain.SideSell
			if qty < 0 {
				pos.Size = -qty
			}
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type alpacaOrderRow struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Type       string    `json:"type"`
	Qty        string    `json:"qty"`
	FilledQty  string    `json:"filled_qty"`
	LimitPrice string    `json:"limit_price"`
	FilledAvg  string    `json:"filled_avg_price"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *alpacaOrderRow) toDomain() domain.Order {
	ord := domain.Order{
		ID:        r.ID,
		Venue:     domain.VenueAlpaca,
		Symbol:    r.Symbol,
		Side:      domain.SideBuy,
		Type:      domain.OrderTypeLimit,
		Price:     parseF(r.LimitPrice),
		Amount:    parseF(r.Qty),
		Filled:    parseF(r.FilledQty),
		AvgPrice:  parseF(r.FilledAvg),
		CreatedAt: r.CreatedAt,
	}
	if r.Side == "sell" {
		ord.Side = domain.SideSell
	}
	if r.Type == "market" {
		ord.Type = domain.OrderTypeMarket
	}
	switch r.Status {
	case "new", "accepted", "pending_new":
		ord.Status = domain.OrderStatusOpen
	case "partially_filled":
		ord.Status = domain.OrderStatusPartial
	case "filled":
		ord.Status = domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day":
		ord.Status = domain.OrderStatusCancelled
	case "rejected":
		ord.Status = domain.OrderStatusRejected
	default:
		ord.Status = domain.OrderStatusPending
	}
	return ord
}

// CreateOrder places a day order.
func (a *Alpaca) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("alpaca: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "buy"
	if req.Side == domain.SideSell {
		side = "sell"
	}
	body := map[string]any{
		"symbol":        req.Symbol,
		"side":          side,
		"qty":           strconv.FormatFloat(req.Amount, 'f', -1, 64),
		"type":          "limit",
		"time_in_force": "day",
	}
	if req.Type == domain.OrderTypeMarket {
		body["type"] = "market"
	} else {
		body["limit_price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	resp, err := a.trading.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v2/orders")
	if err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: create order: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: create order: %w", err)
	}
	var row alpacaOrderRow
	if err := json.Unmarshal(resp.Body(), &row); err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: create order: %w", err)
	}
	return row.toDomain(), nil
}

// CancelOrder cancels an order by ID.
func (a *Alpaca) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	resp, err := a.trading.R().SetContext(ctx).Delete("/v2/orders/" + id)
	if err != nil {
		return false, fmt.Errorf("alpaca: cancel order %s: %w", id, err)
	}
	if err := checkStatus(resp); err != nil {
		return false, fmt.Errorf("alpaca: cancel order %s: %w", id, err)
	}
	return true, nil
}

// GetOrder retrieves an order by ID.
func (a *Alpaca) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	var row alpacaOrderRow
	if err := a.get(ctx, a.trading, "/v2/orders/"+id, nil, &row); err != nil {
		return domain.Order{}, fmt.Errorf("alpaca: get order %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (a *Alpaca) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{"status": "open", "limit": "500"}
	if symbol != "" {
		params["symbols"] = symbol
	}

	var rows []alpacaOrderRow
	if err := a.get(ctx, a.trading, "/v2/orders", params, &rows); err != nil {
		return nil, fmt.Errorf("alpaca: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// Compile-time interface check.
var _ domain.TradingClient = (*Alpaca)(nil)
