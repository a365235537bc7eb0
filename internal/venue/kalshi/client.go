// Package kalshi implements the Kalshi venue: RSA-PSS signed REST access
// and a WebSocket book stream. Market symbols are Kalshi tickers and all
// wire prices are integer cents, converted to dollars at the boundary.
package kalshi

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const defaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

// profitFeePct is Kalshi's fee on realized positive profit.
const profitFeePct = 7

// Config holds per-tenant Kalshi credentials.
type Config struct {
	BaseURL       string
	APIKeyID      string
	PrivateKeyPEM []byte
}

// Client implements domain.TradingClient and domain.MarketLister for Kalshi.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

// New creates a Kalshi client. The private key PEM may be PKCS8 or PKCS1.
func New(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKeyID:   cfg.APIKeyID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}

	if len(cfg.PrivateKeyPEM) > 0 {
		key, err := parseRSAKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		c.privateKey = key
	}
	return c, nil
}

// parseRSAKey decodes a PEM-encoded RSA private key, trying PKCS8 first and
// PKCS1 as fallback.
func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		return pkcs1Key, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	return rsaKey, nil
}

// Venue identifies this client.
func (c *Client) Venue() domain.Venue {
	return domain.VenueKalshi
}

// Fees returns the Kalshi fee schedule: 7% of positive profit, no
// maker/taker fees on notional.
func (c *Client) Fees() domain.FeeSchedule {
	return domain.FeeSchedule{ProfitFeePct: decimal.NewFromInt(profitFeePct)}
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

// ListMarkets returns open markets, following cursors until limit is
// reached.
func (c *Client) ListMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}

	markets := make([]domain.Market, 0, limit)
	cursor := ""

	for len(markets) < limit {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(min(limit-len(markets), 200)))
		params.Set("status", "open")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.signed(ctx, http.MethodGet, "/markets?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("kalshi: list markets: %w", err)
		}

		var resp struct {
			Markets []apiMarket `json:"markets"`
			Cursor  string      `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("kalshi: decode markets: %w", err)
		}
		if len(resp.Markets) == 0 {
			break
		}

		for i := range resp.Markets {
			markets = append(markets, resp.Markets[i].toDomain())
			if len(markets) == limit {
				break
			}
		}
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	return markets, nil
}

// GetTicker returns a YES-denominated quote for a market ticker.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	body, err := c.signed(ctx, http.MethodGet, "/markets/"+url.PathEscape(symbol), nil)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("kalshi: get market %s: %w", symbol, err)
	}

	var resp struct {
		Market apiMarket `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("kalshi: decode market: %w", err)
	}

	m := resp.Market
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       m.YesBid / 100,
		Ask:       m.YesAsk / 100,
		Last:      m.LastPrice / 100,
		Volume24h: float64(m.Volume24H),
		Timestamp: time.Now(),
	}, nil
}

// GetTickers fetches tickers sequentially; the markets endpoint has no
// batch-by-ticker filter.
func (c *Client) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	out := make(map[string]domain.Ticker, len(symbols))
	for _, sym := range symbols {
		t, err := c.GetTicker(ctx, sym)
		if err != nil {
			return nil, err
		}
		out[sym] = t
	}
	return out, nil
}

// GetOrderBook fetches the book for a market ticker.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	path := "/markets/" + url.PathEscape(symbol) + "/orderbook"
	if depth > 0 {
		path += "?depth=" + strconv.Itoa(depth)
	}

	body, err := c.signed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kalshi: get orderbook %s: %w", symbol, err)
	}

	var resp struct {
		Orderbook apiOrderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}

	snap := resp.Orderbook.toDomain(symbol, time.Now())
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return snap, nil
}

// GetOHLCV returns YES-price candlesticks. The series ticker is the segment
// of the market ticker before the first dash.
func (c *Client) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, err := timeframeMinutes(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	series := symbol
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		series = symbol[:i]
	}

	end := time.Now().Unix()
	start := end - int64(limit)*int64(interval)*60

	params := url.Values{}
	params.Set("start_ts", strconv.FormatInt(start, 10))
	params.Set("end_ts", strconv.FormatInt(end, 10))
	params.Set("period_interval", strconv.Itoa(interval))

	path := fmt.Sprintf("/series/%s/markets/%s/candlesticks?%s",
		url.PathEscape(series), url.PathEscape(symbol), params.Encode())

	body, err := c.signed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get candlesticks %s: %w", symbol, err)
	}

	var resp struct {
		Candlesticks []apiCandle `json:"candlesticks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode candlesticks: %w", err)
	}

	candles := make([]domain.Candle, 0, len(resp.Candlesticks))
	for _, k := range resp.Candlesticks {
		candles = append(candles, domain.Candle{
			Timestamp: k.EndPeriodTS * 1000,
			Open:      float64(k.Price.Open) / 100,
			High:      float64(k.Price.High) / 100,
			Low:       float64(k.Price.Low) / 100,
			Close:     float64(k.Price.Close) / 100,
			Volume:    float64(k.Volume),
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// timeframeMinutes maps a timeframe string to the candlestick period.
// Kalshi supports 1-minute, 1-hour, and 1-day periods.
func timeframeMinutes(timeframe string) (int, error) {
	switch timeframe {
	case "", "1m":
		return 1, nil
	case "1h":
		return 60, nil
	case "1d":
		return 1440, nil
	default:
		return 0, fmt.Errorf("kalshi: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance reports the USD cash balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	if asset != "" && asset != "USD" {
		return map[string]domain.Balance{}, nil
	}

	body, err := c.signed(ctx, http.MethodGet, "/portfolio/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get balance: %w", err)
	}

	var resp struct {
		Balance int64 `json:"balance"` // cents
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode balance: %w", err)
	}

	usd := float64(resp.Balance) / 100
	return map[string]domain.Balance{
		"USD": {Asset: "USD", Free: usd, Total: usd},
	}, nil
}

// GetPositions returns open contract positions.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	path := "/portfolio/positions"
	if symbol != "" {
		path += "?ticker=" + url.QueryEscape(symbol)
	}

	body, err := c.signed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get positions: %w", err)
	}

	var resp struct {
		MarketPositions []struct {
			Ticker         string `json:"ticker"`
			Position       int64  `json:"position"` // signed contract count
			MarketExposure int64  `json:"market_exposure"`
			RealizedPnL    int64  `json:"realized_pnl"`
			TotalTraded    int64  `json:"total_traded"`
		} `json:"market_positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(resp.MarketPositions))
	for _, p := range resp.MarketPositions {
		if p.Position == 0 {
			continue
		}
		pos := domain.Position{
			Venue:  domain.VenueKalshi,
			Symbol: p.Ticker,
			Side:   domain.SideBuy,
			Size:   float64(p.Position),
			PnLUSD: float64(p.RealizedPnL) / 100,
		}
		if p.Position < 0 {
			pos.Side = domain.SideSell
			pos.Size = -pos.Size
		}
		if p.Position != 0 {
			pos.EntryPrice = float64(p.MarketExposure) / float64(abs(p.Position)) / 100
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// CreateOrder submits an order. Params["outcome"]="no" trades the NO side;
// the default is YES. Price is the dollar price of the traded side.
func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount < 1 {
		return domain.Order{}, fmt.Errorf("kalshi: %w: ticker=%q count=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	order := apiOrder{
		Ticker: req.Symbol,
		Action: "buy",
		Side:   "yes",
		Type:   "limit",
		Count:  int64(req.Amount),
	}
	if req.Side == domain.SideSell {
		order.Action = "sell"
	}
	if req.Params["outcome"] == "no" {
		order.Side = "no"
	}
	if req.Type == domain.OrderTypeMarket {
		order.Type = "market"
	} else {
		cents := int64(req.Price*100 + 0.5)
		if cents < 1 || cents > 99 {
			return domain.Order{}, fmt.Errorf("kalshi: %w: price=%v", domain.ErrInvalidOrder, req.Price)
		}
		if order.Side == "no" {
			order.NoPrice = &cents
		} else {
			order.YesPrice = &cents
		}
	}

	body, err := c.signed(ctx, http.MethodPost, "/portfolio/orders", order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("kalshi: place order: %w", err)
	}

	var resp struct {
		Order apiOrderState `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return resp.Order.toDomain(), fmt.Errorf("kalshi: order immediately cancelled")
	}
	return resp.Order.toDomain(), nil
}

// CancelOrder cancels an order by ID.
func (c *Client) CancelOrder(ctx context.Context, id, _ string) (bool, error) {
	_, err := c.signed(ctx, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return false, fmt.Errorf("kalshi: cancel order %s: %w", id, err)
	}
	return true, nil
}

// GetOrder retrieves one order by ID.
func (c *Client) GetOrder(ctx context.Context, id, _ string) (domain.Order, error) {
	body, err := c.signed(ctx, http.MethodGet, "/portfolio/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("kalshi: get order %s: %w", id, err)
	}

	var resp struct {
		Order apiOrderState `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("kalshi: decode order: %w", err)
	}
	return resp.Order.toDomain(), nil
}

// GetOpenOrders returns resting orders, optionally filtered by ticker.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := url.Values{}
	params.Set("status", "resting")
	if symbol != "" {
		params.Set("ticker", symbol)
	}

	body, err := c.signed(ctx, http.MethodGet, "/portfolio/orders?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get open orders: %w", err)
	}

	var resp struct {
		Orders []apiOrderState `json:"orders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(resp.Orders))
	for i := range resp.Orders {
		orders = append(orders, resp.Orders[i].toDomain())
	}
	return orders, nil
}

// --------------------------------------------------------------------------
// Signed HTTP plumbing
// --------------------------------------------------------------------------

// signed builds, signs, sends, and reads a request. The RSA-PSS-SHA256
// signature covers timestamp + method + path (path excludes the query
// string).
func (c *Client) signed(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	signPath := path
	if i := strings.IndexByte(signPath, '?'); i >= 0 {
		signPath = signPath[:i]
	}
	if err := c.signRequest(req, method, "/trade-api/v2"+signPath); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// signRequest adds the KALSHI-ACCESS-* headers.
func (c *Client) signRequest(req *http.Request, method, path string) error {
	if c.privateKey == nil {
		return fmt.Errorf("kalshi: RSA private key not configured: %w", domain.ErrUnauthorized)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + path

	hash := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, stdcrypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("kalshi: RSA sign: %w", err)
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

// checkStatus maps non-2xx status codes to domain sentinel errors, keeping
// the API's code and message in the chain.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s (%s)", domain.ErrNotFound, apiErr.Message, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("kalshi: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Compile-time interface checks.
var (
	_ domain.TradingClient = (*Client)(nil)
	_ domain.MarketLister  = (*Client)(nil)
)
