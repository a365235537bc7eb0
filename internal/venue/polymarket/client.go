// Package polymarket implements the Polymarket venue: Gamma market
// discovery, the CLOB REST trading API with EIP-712 + HMAC authentication,
// and a WebSocket book stream.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	defaultGammaURL = "https://gamma-api.polymarket.com"
	defaultClobURL  = "https://clob.polymarket.com"
	defaultDataURL  = "https://data-api.polymarket.com"

	// zeroAddress is the open-taker sentinel for CLOB orders.
	zeroAddress = "0x0000000000000000000000000000000000000000"

	// usdcScale converts share/dollar floats to 6-decimal integer units.
	usdcScale = 1e6
)

// Config holds per-tenant Polymarket credentials and endpoint overrides.
// PrivateKey is required for trading; the API credential triple is optional
// and derived via the CLOB auth flow when absent.
type Config struct {
	GammaURL   string
	ClobURL    string
	DataURL    string
	PrivateKey string
	ChainID    int
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client implements domain.TradingClient and domain.MarketLister for
// Polymarket. Market symbols are CLOB token IDs.
type Client struct {
	gammaURL   string
	clobURL    string
	dataURL    string
	httpClient *http.Client
	signer     *Signer
	auth       *HMACAuth
}

// New creates a Polymarket client. Trading methods fail with
// domain.ErrUnauthorized until credentials are present; market data needs
// none.
func New(cfg Config) (*Client, error) {
	c := &Client{
		gammaURL:   cfg.GammaURL,
		clobURL:    cfg.ClobURL,
		dataURL:    cfg.DataURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if c.gammaURL == "" {
		c.gammaURL = defaultGammaURL
	}
	if c.clobURL == "" {
		c.clobURL = defaultClobURL
	}
	if c.dataURL == "" {
		c.dataURL = defaultDataURL
	}

	if cfg.PrivateKey != "" {
		chainID := cfg.ChainID
		if chainID == 0 {
			chainID = 137
		}
		signer, err := NewSigner(cfg.PrivateKey, chainID)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}

	if cfg.APIKey != "" {
		c.auth = &HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.Passphrase}
	}

	return c, nil
}

// Venue identifies this client.
func (c *Client) Venue() domain.Venue {
	return domain.VenuePolymarket
}

// Fees returns the Polymarket fee schedule: no trading fees.
func (c *Client) Fees() domain.FeeSchedule {
	return domain.FeeSchedule{}
}

// DeriveAPIKey runs the CLOB L1 auth flow: sign a ClobAuth message with the
// wallet key and exchange it for the HMAC credential triple.
func (c *Client) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket: derive api key: %w", domain.ErrUnauthorized)
	}

	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.clobURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("polymarket: derive api key: %w", err)
	}

	var resp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("polymarket: decode auth response: %w", err)
	}

	c.auth = &HMACAuth{Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}
	return nil
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

// ListMarkets returns active markets from the Gamma API, paginating until
// limit is reached or the API runs out.
func (c *Client) ListMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}

	const pageSize = 100
	markets := make([]domain.Market, 0, limit)

	for offset := 0; len(markets) < limit; offset += pageSize {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("offset", strconv.Itoa(offset))
		params.Set("active", "true")
		params.Set("closed", "false")

		body, err := c.get(ctx, c.gammaURL+"/markets?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("polymarket: list markets: %w", err)
		}

		var page []gammaMarket
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("polymarket: decode markets: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			markets = append(markets, page[i].toDomain())
			if len(markets) == limit {
				break
			}
		}
	}

	return markets, nil
}

// GetOrderBook fetches the CLOB book for a token ID. Depth truncates both
// sides when positive.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("token_id", symbol)

	body, err := c.get(ctx, c.clobURL+"/book?"+params.Encode())
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket: get book %s: %w", symbol, err)
	}

	var book clobBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket: decode book: %w", err)
	}

	snap := book.toDomain()
	if snap.MarketID == "" {
		snap.MarketID = symbol
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
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

// GetTicker derives a top-of-book quote from the CLOB book.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	snap, err := c.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       snap.BestBid(),
		Ask:       snap.BestAsk(),
		Last:      snap.Mid(),
		Timestamp: snap.Timestamp,
	}, nil
}

// GetTickers fetches tickers for multiple token IDs sequentially; the CLOB
// has no batch quote endpoint.
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

// GetOHLCV samples the CLOB midpoint price history. The history endpoint
// returns point samples, so each bar carries the sample price in all four
// OHLC fields.
func (c *Client) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("market", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("fidelity", strconv.Itoa(limit))
	}

	body, err := c.get(ctx, c.clobURL+"/prices-history?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: get price history %s: %w", symbol, err)
	}

	var resp struct {
		History []pricePoint `json:"history"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("polymarket: decode price history: %w", err)
	}

	points := resp.History
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}

	candles := make([]domain.Candle, 0, len(points))
	for _, p := range points {
		candles = append(candles, domain.Candle{
			Timestamp: p.T * 1000,
			Open:      p.P,
			High:      p.P,
			Low:       p.P,
			Close:     p.P,
		})
	}
	return candles, nil
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance reports the USDC collateral balance. The CLOB only holds one
// collateral asset, so the asset filter matches "" or "USDC".
func (c *Client) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	if asset != "" && asset != "USDC" {
		return map[string]domain.Balance{}, nil
	}

	body, err := c.authed(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket: get balance: %w", err)
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("polymarket: decode balance: %w", err)
	}

	units, _ := strconv.ParseFloat(resp.Balance, 64)
	usdc := units / usdcScale
	return map[string]domain.Balance{
		"USDC": {Asset: "USDC", Free: usdc, Total: usdc},
	}, nil
}

// GetPositions returns open outcome-token positions from the data API.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("polymarket: get positions: %w", domain.ErrUnauthorized)
	}

	params := url.Values{}
	params.Set("user", c.signer.Address().Hex())

	body, err := c.get(ctx, c.dataURL+"/positions?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: get positions: %w", err)
	}

	var rows []struct {
		Asset    string  `json:"asset"`
		Size     float64 `json:"size"`
		AvgPrice float64 `json:"avgPrice"`
		CurPrice float64 `json:"curPrice"`
		PnL      float64 `json:"cashPnl"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		if symbol != "" && r.Asset != symbol {
			continue
		}
		if r.Size == 0 {
			continue
		}
		positions = append(positions, domain.Position{
			Venue:      domain.VenuePolymarket,
			Symbol:     r.Asset,
			Side:       domain.SideBuy, // outcome tokens are long-only
			Size:       r.Size,
			EntryPrice: r.AvgPrice,
			MarkPrice:  r.CurPrice,
			PnLUSD:     r.PnL,
		})
	}
	return positions, nil
}

// CreateOrder signs and submits a CLOB order. The symbol (or
// Params["token_id"]) is the outcome token ID; market orders are submitted
// as fill-and-kill at the given price.
func (c *Client) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if c.signer == nil || c.auth == nil {
		return domain.Order{}, fmt.Errorf("polymarket: create order: %w", domain.ErrUnauthorized)
	}

	tokenID := req.Symbol
	if v, ok := req.Params["token_id"]; ok && v != "" {
		tokenID = v
	}
	if tokenID == "" || req.Amount <= 0 || req.Price <= 0 || req.Price >= 1 {
		return domain.Order{}, fmt.Errorf("polymarket: %w: token=%q amount=%v price=%v",
			domain.ErrInvalidOrder, tokenID, req.Amount, req.Price)
	}

	// Maker gives, taker receives. A buy offers USDC for shares; a sell
	// offers shares for USDC. Amounts are 6-decimal integer units.
	shares := toUnits(req.Amount)
	notional := toUnits(req.Amount * req.Price)

	payload := OrderPayload{
		Salt:       strconv.FormatInt(rand.Int63(), 10),
		Maker:      c.signer.Address().Hex(),
		Signer:     c.signer.Address().Hex(),
		Taker:      zeroAddress,
		TokenID:    tokenID,
		Expiration: "0",
		Nonce:      "0",
		FeeRateBps: "0",
	}
	if req.Side == domain.SideSell {
		payload.Side = 1
		payload.MakerAmount = shares
		payload.TakerAmount = notional
	} else {
		payload.Side = 0
		payload.MakerAmount = notional
		payload.TakerAmount = shares
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: create order: %w", err)
	}

	orderType := "GTC"
	if req.Type == domain.OrderTypeMarket {
		orderType = "FAK"
	}

	sideStr := "BUY"
	if req.Side == domain.SideSell {
		sideStr = "SELL"
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          sideStr,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.auth.Key,
		"orderType": orderType,
	}

	respBody, err := c.authed(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: post order: %w", err)
	}

	var result clobOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: decode order result: %w", err)
	}
	if !result.Success {
		return domain.Order{}, fmt.Errorf("polymarket: order rejected: %s", result.ErrorMsg)
	}

	order := domain.Order{
		ID:        result.OrderID,
		Venue:     domain.VenuePolymarket,
		Symbol:    tokenID,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    orderStatusToDomain(result.Status),
		CreatedAt: time.Now(),
	}
	if len(result.TxHashes) > 0 {
		order.TxHash = result.TxHashes[0]
	}
	return order, nil
}

// CancelOrder cancels one order by ID. The symbol argument is unused; CLOB
// order IDs are globally unique.
func (c *Client) CancelOrder(ctx context.Context, id, _ string) (bool, error) {
	body, err := c.authed(ctx, http.MethodDelete, "/order", map[string]any{"orderID": id})
	if err != nil {
		return false, fmt.Errorf("polymarket: cancel order %s: %w", id, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("polymarket: decode cancel response: %w", err)
	}
	if !result.Success {
		return false, fmt.Errorf("polymarket: cancel failed: %s", result.ErrorMsg)
	}
	return true, nil
}

// GetOrder retrieves one order by ID.
func (c *Client) GetOrder(ctx context.Context, id, _ string) (domain.Order, error) {
	body, err := c.authed(ctx, http.MethodGet, "/data/order/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: get order %s: %w", id, err)
	}

	var order clobOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: decode order: %w", err)
	}
	return order.toDomain(), nil
}

// GetOpenOrders returns open orders, optionally filtered by token ID.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	path := "/data/orders"
	if symbol != "" {
		path += "?asset_id=" + url.QueryEscape(symbol)
	}

	body, err := c.authed(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket: get open orders: %w", err)
	}

	var rows []clobOrder
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, nil
}

// --------------------------------------------------------------------------
// HTTP plumbing
// --------------------------------------------------------------------------

// toUnits converts a float quantity to a 6-decimal integer unit string.
func toUnits(v float64) string {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromInt(usdcScale)).Round(0).String()
}

// get sends an unauthenticated GET to an absolute URL.
func (c *Client) get(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// authed sends an L2-authenticated request to the CLOB API.
func (c *Client) authed(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.auth == nil {
		return nil, domain.ErrUnauthorized
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.clobURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	address := ""
	if c.signer != nil {
		address = c.signer.Address().Hex()
	}
	for k, v := range c.auth.L2Headers(address, method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	return c.do(req)
}

// do executes a request and maps non-2xx statuses to domain errors.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps HTTP status codes to domain sentinel errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}

// Compile-time interface checks.
var (
	_ domain.TradingClient = (*Client)(nil)
	_ domain.MarketLister  = (*Client)(nil)
)
