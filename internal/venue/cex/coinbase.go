package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const coinbaseBaseURL = "https://api.coinbase.com"

// Coinbase is the Coinbase Advanced Trade client. Signed requests carry
// hex HMAC-SHA256 of timestamp+method+path+body in CB-ACCESS headers.
type Coinbase struct {
	http  *resty.Client
	creds Credentials
}

// NewCoinbase creates a Coinbase Advanced Trade client.
func NewCoinbase(creds Credentials, baseURL string) *Coinbase {
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}
	return &Coinbase{http: newHTTP(baseURL), creds: creds}
}

func (c *Coinbase) Venue() domain.Venue      { return domain.VenueCoinbase }
func (c *Coinbase) Fees() domain.FeeSchedule { return Fees(domain.VenueCoinbase) }

// signed sends an authenticated request. The signature covers the path
// without the query string.
func (c *Coinbase) signed(ctx context.Context, method, path string, params map[string]string, body any, result any) error {
	if c.creds.Key == "" || c.creds.Secret == "" {
		return domain.ErrUnauthorized
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)

	var jsonBody string
	req := c.http.R().SetContext(ctx)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		jsonBody = string(raw)
		req.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	req.SetHeaders(map[string]string{
		"CB-ACCESS-KEY":       c.creds.Key,
		"CB-ACCESS-SIGN":      hmacHex(c.creds.Secret, ts+method+path+jsonBody),
		"CB-ACCESS-TIMESTAMP": ts,
	})
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	return decodeBody(resp, result)
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

// GetTicker returns the ticker for one product.
func (c *Coinbase) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var result struct {
		Product struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Volume24h string `json:"volume_24h"`
		} `json:"product"`
		// /market/products/{id} returns the product object at the top
		// level; keep both shapes decodable.
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Volume24h string `json:"volume_24h"`
	}
	err := c.signed(ctx, "GET", "/api/v3/brokerage/products/"+symbol, nil, nil, &result)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("coinbase: get ticker %s: %w", symbol, err)
	}

	price := parseF(result.Price)
	vol := parseF(result.Volume24h)
	if result.Product.ProductID != "" {
		price = parseF(result.Product.Price)
		vol = parseF(result.Product.Volume24h)
	}

	// The product endpoint has no bid/ask; take the touch from the book.
	snap, err := c.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       snap.BestBid(),
		Ask:       snap.BestAsk(),
		Last:      price,
		Volume24h: vol * price,
		Timestamp: time.Now(),
	}, nil
}

// GetTickers fetches each product sequentially.
func (c *Coinbase) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	out := make(map[string]domain.Ticker, len(symbols))
	for _, s := range symbols {
		t, err := c.GetTicker(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = t
	}
	return out, nil
}

// GetOrderBook fetches the product book.
func (c *Coinbase) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 {
		depth = 25
	}

	var result struct {
		PriceBook struct {
			Bids []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"asks"`
		} `json:"pricebook"`
	}
	err := c.signed(ctx, "GET", "/api/v3/brokerage/product_book", map[string]string{
		"product_id": symbol,
		"limit":      strconv.Itoa(depth),
	}, nil, &result)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: get orderbook %s: %w", symbol, err)
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueCoinbase,
		MarketID:  symbol,
		Bids:      make([]domain.PriceLevel, 0, len(result.PriceBook.Bids)),
		Asks:      make([]domain.PriceLevel, 0, len(result.PriceBook.Asks)),
		Timestamp: time.Now(),
	}
	for _, lv := range result.PriceBook.Bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: parseF(lv.Price), Size: parseF(lv.Size)})
	}
	for _, lv := range result.PriceBook.Asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: parseF(lv.Price), Size: parseF(lv.Size)})
	}
	return snap, nil
}

// GetOHLCV fetches candles for the window ending now.
func (c *Coinbase) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	granularity, seconds, err := coinbaseGranularity(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	end := time.Now().Unix()
	start := end - int64(limit)*seconds

	var result struct {
		Candles []struct {
			Start  string `json:"start"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	err = c.signed(ctx, "GET", "/api/v3/brokerage/products/"+symbol+"/candles", map[string]string{
		"start":       strconv.FormatInt(start, 10),
		"end":         strconv.FormatInt(end, 10),
		"granularity": granularity,
	}, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("coinbase: get candles %s: %w", symbol, err)
	}

	// Newest first from the API; return oldest first.
	candles := make([]domain.Candle, 0, len(result.Candles))
	for i := len(result.Candles) - 1; i >= 0; i-- {
		row := result.Candles[i]
		ts, _ := strconv.ParseInt(row.Start, 10, 64)
		candles = append(candles, domain.Candle{
			Timestamp: ts * 1000,
			Open:      parseF(row.Open),
			High:      parseF(row.High),
			Low:       parseF(row.Low),
			Close:     parseF(row.Close),
			Volume:    parseF(row.Volume),
		})
	}
	return candles, nil
}

func coinbaseGranularity(timeframe string) (string, int64, error) {
	switch timeframe {
	case "", "1h":
		return "ONE_HOUR", 3600, nil
	case "1m":
		return "ONE_MINUTE", 60, nil
	case "5m":
		return "FIVE_MINUTE", 300, nil
	case "15m":
		return "FIFTEEN_MINUTE", 900, nil
	case "4h":
		return "SIX_HOUR", 21600, nil
	case "1d":
		return "ONE_DAY", 86400, nil
	default:
		return "", 0, fmt.Errorf("coinbase: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns non-zero account balances.
func (c *Coinbase) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	var result struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	err := c.signed(ctx, "GET", "/api/v3/brokerage/accounts", map[string]string{"limit": "250"}, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("coinbase: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for _, acct := range result.Accounts {
		free := parseF(acct.AvailableBalance.Value)
		locked := parseF(acct.Hold.Value)
		if free+locked == 0 {
			continue
		}
		if asset != "" && !strings.EqualFold(acct.Currency, asset) {
			continue
		}
		out[acct.Currency] = domain.Balance{
			Asset:  acct.Currency,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return out, nil
}

// GetPositions is not supported for spot trading.
func (c *Coinbase) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return nil, notSupported(domain.VenueCoinbase, "positions")
}

// CreateOrder places an order. Market buys spend quote currency, so the
// request amount is converted to quote size at the given price.
func (c *Coinbase) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("coinbase: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "BUY"
	if req.Side == domain.SideSell {
		side = "SELL"
	}

	var orderConfig map[string]any
	if req.Type == domain.OrderTypeMarket {
		mkt := map[string]any{}
		if req.Side == domain.SideBuy {
			if req.Price <= 0 {
				return domain.Order{}, fmt.Errorf("coinbase: %w: market buy needs a reference price",
					domain.ErrInvalidOrder)
			}
			mkt["quote_size"] = trimF(req.Amount * req.Price)
		} else {
			mkt["base_size"] = trimF(req.Amount)
		}
		orderConfig = map[string]any{"market_market_ioc": mkt}
	} else {
		orderConfig = map[string]any{"limit_limit_gtc": map[string]any{
			"base_size":   trimF(req.Amount),
			"limit_price": trimF(req.Price),
		}}
	}

	body := map[string]any{
		"client_order_id":     uuid.NewString(),
		"product_id":          req.Symbol,
		"side":                side,
		"order_configuration": orderConfig,
	}

	var result struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"error_response"`
	}
	if err := c.signed(ctx, "POST", "/api/v3/brokerage/orders", nil, body, &result); err != nil {
		return domain.Order{}, fmt.Errorf("coinbase: create order: %w", err)
	}
	if !result.Success {
		return domain.Order{}, fmt.Errorf("coinbase: create order rejected: %s: %s",
			result.ErrorResponse.Error, result.ErrorResponse.Message)
	}

	return domain.Order{
		ID:        result.SuccessResponse.OrderID,
		Venue:     domain.VenueCoinbase,
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
func (c *Coinbase) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	body := map[string]any{"order_ids": []string{id}}

	var result struct {
		Results []struct {
			Success bool `json:"success"`
		} `json:"results"`
	}
	if err := c.signed(ctx, "POST", "/api/v3/brokerage/orders/batch_cancel", nil, body, &result); err != nil {
		return false, fmt.Errorf("coinbase: cancel order %s: %w", id, err)
	}
	return len(result.Results) > 0 && result.Results[0].Success, nil
}

type coinbaseOrderRow struct {
	OrderID            string `json:"order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	TotalFees          string `json:"total_fees"`
	CreatedTime        string `json:"created_time"`
	OrderConfiguration struct {
		LimitGTC *struct {
			BaseSize   string `json:"base_size"`
			LimitPrice string `json:"limit_price"`
		} `json:"limit_limit_gtc"`
		MarketIOC *struct {
			BaseSize  string `json:"base_size"`
			QuoteSize string `json:"quote_size"`
		} `json:"market_market_ioc"`
	} `json:"order_configuration"`
}

func (r *coinbaseOrderRow) toDomain() domain.Order {
	ord := domain.Order{
		ID:       r.OrderID,
		Venue:    domain.VenueCoinbase,
		Symbol:   r.ProductID,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Filled:   parseF(r.FilledSize),
		AvgPrice: parseF(r.AverageFilledPrice),
		FeeUSD:   parseF(r.TotalFees),
	}
	if strings.EqualFold(r.Side, "SELL") {
		ord.Side = domain.SideSell
	}
	if cfg := r.OrderConfiguration.LimitGTC; cfg != nil {
		ord.Amount = parseF(cfg.BaseSize)
		ord.Price = parseF(cfg.LimitPrice)
	} else if cfg := r.OrderConfiguration.MarketIOC; cfg != nil {
		ord.Type = domain.OrderTypeMarket
		ord.Amount = parseF(cfg.BaseSize)
	}
	switch r.Status {
	case "OPEN", "PENDING", "QUEUED":
		if ord.Filled > 0 {
			ord.Status = domain.OrderStatusPartial
		} else {
			ord.Status = domain.OrderStatusOpen
		}
	case "FILLED":
		ord.Status = domain.OrderStatusFilled
	case "CANCELLED", "EXPIRED":
		ord.Status = domain.OrderStatusCancelled
	case "FAILED":
		ord.Status = domain.OrderStatusRejected
	default:
		ord.Status = domain.OrderStatusPending
	}
	if ts, err := time.Parse(time.RFC3339, r.CreatedTime); err == nil {
		ord.CreatedAt = ts
	}
	return ord
}

// GetOrder retrieves an order by ID.
func (c *Coinbase) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	var result struct {
		Order coinbaseOrderRow `json:"order"`
	}
	err := c.signed(ctx, "GET", "/api/v3/brokerage/orders/historical/"+id, nil, nil, &result)
	if err != nil {
		return domain.Order{}, fmt.Errorf("coinbase: get order %s: %w", id, err)
	}
	return result.Order.toDomain(), nil
}

// GetOpenOrders returns open orders, optionally filtered by product.
func (c *Coinbase) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{"order_status": "OPEN"}
	if symbol != "" {
		params["product_id"] = symbol
	}

	var result struct {
		Orders []coinbaseOrderRow `json:"orders"`
	}
	err := c.signed(ctx, "GET", "/api/v3/brokerage/orders/historical/batch", params, nil, &result)
	if err != nil {
		return nil, fmt.Errorf("coinbase: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(result.Orders))
	for i := range result.Orders {
		orders = append(orders, result.Orders[i].toDomain())
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.TradingClient = (*Coinbase)(nil)
