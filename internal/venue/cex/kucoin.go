package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const kucoinBaseURL = "https://api.kucoin.com"

// KuCoin is the KuCoin spot client. Signed requests carry base64
// HMAC-SHA256 of timestamp+method+path+body in KC-API headers; the
// passphrase is itself HMAC-signed under key version 2.
type KuCoin struct {
	http  *resty.Client
	creds Credentials
}

// NewKuCoin creates a KuCoin spot client.
func NewKuCoin(creds Credentials, baseURL string) *KuCoin {
	if baseURL == "" {
		baseURL = kucoinBaseURL
	}
	return &KuCoin{http: newHTTP(baseURL), creds: creds}
}

func (k *KuCoin) Venue() domain.Venue      { return domain.VenueKuCoin }
func (k *KuCoin) Fees() domain.FeeSchedule { return Fees(domain.VenueKuCoin) }

// kucoinEnvelope wraps every response in {code, msg, data}.
type kucoinEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e *kucoinEnvelope) check() error {
	if e.Code == "200000" || e.Code == "" {
		return nil
	}
	switch e.Code {
	case "400003", "400004", "400005", "400006", "400007", "411100":
		return fmt.Errorf("%w: %s (code %s)", domain.ErrUnauthorized, e.Msg, e.Code)
	case "429000":
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, e.Msg)
	case "200004":
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, e.Msg)
	case "400100":
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, e.Msg)
	default:
		return fmt.Errorf("kucoin: code %s: %s", e.Code, e.Msg)
	}
}

// public sends an unsigned GET.
func (k *KuCoin) public(ctx context.Context, path string, params map[string]string, result any) error {
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env kucoinEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, result)
}

// signed sends an authenticated request. The signature covers the path
// including the query string.
func (k *KuCoin) signed(ctx context.Context, method, path string, params map[string]string, body any, result any) error {
	if k.creds.Key == "" || k.creds.Secret == "" || k.creds.Passphrase == "" {
		return domain.ErrUnauthorized
	}

	ts := nowMillis()

	signPath := path
	req := k.http.R().SetContext(ctx)
	if len(params) > 0 {
		vals := url.Values{}
		for key, v := range params {
			vals.Set(key, v)
		}
		signPath = path + "?" + vals.Encode()
		req.SetQueryString(vals.Encode())
	}

	var jsonBody string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		jsonBody = string(raw)
		req.SetHeader("Content-Type", "application/json").SetBody(raw)
	}

	secret := []byte(k.creds.Secret)
	req.SetHeaders(map[string]string{
		"KC-API-KEY":         k.creds.Key,
		"KC-API-SIGN":        hmacB64(secret, ts+method+signPath+jsonBody),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  hmacB64(secret, k.creds.Passphrase),
		"KC-API-KEY-VERSION": "2",
	})

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env kucoinEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(env.Data, result)
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

// GetTicker returns the level-1 ticker plus 24h stats for one symbol.
func (k *KuCoin) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var level1 struct {
		BestBid string `json:"bestBid"`
		BestAsk string `json:"bestAsk"`
		Price   string `json:"price"`
		Time    int64  `json:"time"`
	}
	err := k.public(ctx, "/api/v1/market/orderbook/level1", map[string]string{"symbol": symbol}, &level1)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("kucoin: get ticker %s: %w", symbol, err)
	}

	var stats struct {
		VolValue string `json:"volValue"`
	}
	if err := k.public(ctx, "/api/v1/market/stats", map[string]string{"symbol": symbol}, &stats); err != nil {
		return domain.Ticker{}, fmt.Errorf("kucoin: get stats %s: %w", symbol, err)
	}

	t := domain.Ticker{
		Symbol:    symbol,
		Bid:       parseF(level1.BestBid),
		Ask:       parseF(level1.BestAsk),
		Last:      parseF(level1.Price),
		Volume24h: parseF(stats.VolValue),
		Timestamp: time.Now(),
	}
	if level1.Time > 0 {
		t.Timestamp = time.UnixMilli(level1.Time)
	}
	return t, nil
}

// GetTickers returns tickers for the given symbols from one all-tickers
// fetch.
func (k *KuCoin) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	var result struct {
		Ticker []struct {
			Symbol   string `json:"symbol"`
			Buy      string `json:"buy"`
			Sell     string `json:"sell"`
			Last     string `json:"last"`
			VolValue string `json:"volValue"`
		} `json:"ticker"`
	}
	if err := k.public(ctx, "/api/v1/market/allTickers", nil, &result); err != nil {
		return nil, fmt.Errorf("kucoin: get tickers: %w", err)
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}

	out := make(map[string]domain.Ticker, len(symbols))
	for _, row := range result.Ticker {
		if _, ok := want[row.Symbol]; !ok && len(symbols) > 0 {
			continue
		}
		out[row.Symbol] = domain.Ticker{
			Symbol:    row.Symbol,
			Bid:       parseF(row.Buy),
			Ask:       parseF(row.Sell),
			Last:      parseF(row.Last),
			Volume24h: parseF(row.VolValue),
			Timestamp: time.Now(),
		}
	}
	return out, nil
}

// GetOrderBook fetches the aggregated part book (top 100).
func (k *KuCoin) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 || depth > 100 {
		depth = 20
	}
	level := "level2_20"
	if depth > 20 {
		level = "level2_100"
	}

	var result struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
		Time int64       `json:"time"`
	}
	err := k.public(ctx, "/api/v1/market/orderbook/"+level, map[string]string{"symbol": symbol}, &result)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kucoin: get orderbook %s: %w", symbol, err)
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueKuCoin,
		MarketID:  symbol,
		Bids:      pairsToLevels(result.Bids),
		Asks:      pairsToLevels(result.Asks),
		Timestamp: time.Now(),
	}
	if result.Time > 0 {
		snap.Timestamp = time.UnixMilli(result.Time)
	}
	if len(snap.Bids) > depth {
		snap.Bids = snap.Bids[:depth]
	}
	if len(snap.Asks) > depth {
		snap.Asks = snap.Asks[:depth]
	}
	return snap, nil
}

// GetOHLCV fetches klines. Rows are [time, open, close, high, low, volume,
// turnover], newest first.
func (k *KuCoin) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	klineType, err := kucoinKlineType(timeframe)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	err = k.public(ctx, "/api/v1/market/candles", map[string]string{
		"symbol": symbol,
		"type":   klineType,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("kucoin: get candles %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, domain.Candle{
			Timestamp: ts * 1000,
			Open:      parseF(row[1]),
			Close:     parseF(row[2]),
			High:      parseF(row[3]),
			Low:       parseF(row[4]),
			Volume:    parseF(row[5]),
		})
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func kucoinKlineType(timeframe string) (string, error) {
	switch timeframe {
	case "", "1h":
		return "1hour", nil
	case "1m":
		return "1min", nil
	case "5m":
		return "5min", nil
	case "15m":
		return "15min", nil
	case "4h":
		return "4hour", nil
	case "1d":
		return "1day", nil
	default:
		return "", fmt.Errorf("kucoin: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns non-zero trade-account balances.
func (k *KuCoin) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	params := map[string]string{"type": "trade"}
	if asset != "" {
		params["currency"] = strings.ToUpper(asset)
	}

	var rows []struct {
		Currency  string `json:"currency"`
		Balance   string `json:"balance"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := k.signed(ctx, "GET", "/api/v1/accounts", params, nil, &rows); err != nil {
		return nil, fmt.Errorf("kucoin: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for _, row := range rows {
		total := parseF(row.Balance)
		if total == 0 {
			continue
		}
		out[row.Currency] = domain.Balance{
			Asset:  row.Currency,
			Free:   parseF(row.Available),
			Locked: parseF(row.Holds),
			Total:  total,
		}
	}
	return out, nil
}

// GetPositions is not supported for spot trading.
func (k *KuCoin) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return nil, notSupported(domain.VenueKuCoin, "positions")
}

// CreateOrder places an order. Market buys spend quote funds, so the
// request amount is converted at the given price.
func (k *KuCoin) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("kucoin: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "buy"
	if req.Side == domain.SideSell {
		side = "sell"
	}
	body := map[string]any{
		"clientOid": uuid.NewString(),
		"symbol":    req.Symbol,
		"side":      side,
		"type":      "limit",
	}
	if req.Type == domain.OrderTypeMarket {
		body["type"] = "market"
		if req.Side == domain.SideBuy {
			if req.Price <= 0 {
				return domain.Order{}, fmt.Errorf("kucoin: %w: market buy needs a reference price",
					domain.ErrInvalidOrder)
			}
			body["funds"] = trimF(req.Amount * req.Price)
		} else {
			body["size"] = trimF(req.Amount)
		}
	} else {
		body["size"] = trimF(req.Amount)
		body["price"] = trimF(req.Price)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := k.signed(ctx, "POST", "/api/v1/orders", nil, body, &result); err != nil {
		return domain.Order{}, fmt.Errorf("kucoin: create order: %w", err)
	}

	return domain.Order{
		ID:        result.OrderID,
		Venue:     domain.VenueKuCoin,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    domain.OrderStatusOpen,
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels an order by ID.
func (k *KuCoin) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	var result struct {
		CancelledOrderIDs []string `json:"cancelledOrderIds"`
	}
	if err := k.signed(ctx, "DELETE", "/api/v1/orders/"+id, nil, nil, &result); err != nil {
		return false, fmt.Errorf("kucoin: cancel order %s: %w", id, err)
	}
	return len(result.CancelledOrderIDs) > 0, nil
}

type kucoinOrderRow struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	DealSize  string `json:"dealSize"`
	DealFunds string `json:"dealFunds"`
	Fee       string `json:"fee"`
	IsActive  bool   `json:"isActive"`
	CancelEx  bool   `json:"cancelExist"`
	CreatedAt int64  `json:"createdAt"`
}

func (r *kucoinOrderRow) toDomain() domain.Order {
	ord := domain.Order{
		ID:     r.ID,
		Venue:  domain.VenueKuCoin,
		Symbol: r.Symbol,
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Price:  parseF(r.Price),
		Amount: parseF(r.Size),
		Filled: parseF(r.DealSize),
		FeeUSD: parseF(r.Fee),
	}
	if strings.EqualFold(r.Side, "sell") {
		ord.Side = domain.SideSell
	}
	if strings.EqualFold(r.Type, "market") {
		ord.Type = domain.OrderTypeMarket
	}
	if ord.Filled > 0 {
		ord.AvgPrice = parseF(r.DealFunds) / ord.Filled
	}
	switch {
	case r.IsActive && ord.Filled > 0:
		ord.Status = domain.OrderStatusPartial
	case r.IsActive:
		ord.Status = domain.OrderStatusOpen
	case r.CancelEx:
		ord.Status = domain.OrderStatusCancelled
	default:
		ord.Status = domain.OrderStatusFilled
	}
	if r.CreatedAt > 0 {
		ord.CreatedAt = time.UnixMilli(r.CreatedAt)
	}
	return ord
}

// GetOrder retrieves an order by ID.
func (k *KuCoin) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	var row kucoinOrderRow
	if err := k.signed(ctx, "GET", "/api/v1/orders/"+id, nil, nil, &row); err != nil {
		return domain.Order{}, fmt.Errorf("kucoin: get order %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// GetOpenOrders returns active orders, optionally filtered by symbol.
func (k *KuCoin) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{"status": "active"}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var result struct {
		Items []kucoinOrderRow `json:"items"`
	}
	if err := k.signed(ctx, "GET", "/api/v1/orders", params, nil, &result); err != nil {
		return nil, fmt.Errorf("kucoin: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(result.Items))
	for i := range result.Items {
		orders = append(orders, result.Items[i].toDomain())
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.TradingClient = (*KuCoin)(nil)
