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

	"github.com/tradefleet/tradefleet/internal/domain"
)

const bybitBaseURL = "https://api.bybit.com"

// bybitFundingInterval is the number of 8-hour funding periods per year.
const bybitFundingInterval = 1095

// Bybit is the Bybit v5 unified client. The category defaults to "linear"
// (USDT perpetuals) and can be switched to "spot". Signed requests carry
// HMAC-SHA256 hex over timestamp+key+recvWindow+payload in X-BAPI headers.
type Bybit struct {
	http     *resty.Client
	creds    Credentials
	category string
}

// NewBybit creates a Bybit client for the given category ("linear" or
// "spot"; empty selects linear).
func NewBybit(creds Credentials, baseURL, category string) *Bybit {
	if baseURL == "" {
		baseURL = bybitBaseURL
	}
	if category == "" {
		category = "linear"
	}
	return &Bybit{http: newHTTP(baseURL), creds: creds, category: category}
}

func (b *Bybit) Venue() domain.Venue      { return domain.VenueBybit }
func (b *Bybit) Fees() domain.FeeSchedule { return Fees(domain.VenueBybit) }

// bybitEnvelope wraps every v5 response.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (e *bybitEnvelope) check() error {
	if e.RetCode == 0 {
		return nil
	}
	switch e.RetCode {
	case 10003, 10004, 10005:
		return fmt.Errorf("%w: %s (retCode %d)", domain.ErrUnauthorized, e.RetMsg, e.RetCode)
	case 10006:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, e.RetMsg)
	case 110007:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, e.RetMsg)
	default:
		return fmt.Errorf("bybit: retCode %d: %s", e.RetCode, e.RetMsg)
	}
}

// public sends an unsigned GET and decodes the result payload.
func (b *Bybit) public(ctx context.Context, path string, params map[string]string, result any) error {
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env bybitEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	return json.Unmarshal(env.Result, result)
}

// signed sends a signed request. GET payloads are the query string, POST
// payloads the JSON body.
func (b *Bybit) signed(ctx context.Context, method, path string, params map[string]string, body any, result any) error {
	if b.creds.Key == "" || b.creds.Secret == "" {
		return domain.ErrUnauthorized
	}

	const recvWindow = "5000"
	ts := nowMillis()

	var payload string
	req := b.http.R().SetContext(ctx)
	if method == "GET" {
		vals := url.Values{}
		for k, v := range params {
			vals.Set(k, v)
		}
		payload = vals.Encode()
		req.SetQueryString(payload)
	} else {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = string(jsonBody)
		req.SetHeader("Content-Type", "application/json").SetBody(jsonBody)
	}

	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     b.creds.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        hmacHex(b.creds.Secret, ts+b.creds.Key+recvWindow+payload),
	})

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env bybitEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(env.Result, result)
}

// --------------------------------------------------------------------------
// Market data
// --------------------------------------------------------------------------

type bybitTickerRow struct {
	Symbol      string `json:"symbol"`
	Bid1Price   string `json:"bid1Price"`
	Ask1Price   string `json:"ask1Price"`
	LastPrice   string `json:"lastPrice"`
	Turnover24h string `json:"turnover24h"`
	FundingRate string `json:"fundingRate"`
	NextFunding string `json:"nextFundingTime"`
	MarkPrice   string `json:"markPrice"`
	IndexPrice  string `json:"indexPrice"`
}

func (r *bybitTickerRow) toTicker() domain.Ticker {
	return domain.Ticker{
		Symbol:    r.Symbol,
		Bid:       parseF(r.Bid1Price),
		Ask:       parseF(r.Ask1Price),
		Last:      parseF(r.LastPrice),
		Volume24h: parseF(r.Turnover24h),
		Timestamp: time.Now(),
	}
}

// GetTicker returns the ticker for one symbol.
func (b *Bybit) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	rows, err := b.tickers(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, err
	}
	if len(rows) == 0 {
		return domain.Ticker{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return rows[0].toTicker(), nil
}

// GetTickers returns tickers for the given symbols from one category-wide
// fetch.
func (b *Bybit) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	rows, err := b.tickers(ctx, "")
	if err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}

	out := make(map[string]domain.Ticker, len(symbols))
	for i := range rows {
		if _, ok := want[rows[i].Symbol]; ok || len(symbols) == 0 {
			out[rows[i].Symbol] = rows[i].toTicker()
		}
	}
	return out, nil
}

func (b *Bybit) tickers(ctx context.Context, symbol string) ([]bybitTickerRow, error) {
	params := map[string]string{"category": b.category}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var result struct {
		List []bybitTickerRow `json:"list"`
	}
	if err := b.public(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, fmt.Errorf("bybit: get tickers: %w", err)
	}
	return result.List, nil
}

// GetOrderBook fetches the book for one symbol.
func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 {
		depth = 25
	}

	var result struct {
		Symbol string      `json:"s"`
		Bids   [][2]string `json:"b"`
		Asks   [][2]string `json:"a"`
		TS     int64       `json:"ts"`
	}
	err := b.public(ctx, "/v5/market/orderbook", map[string]string{
		"category": b.category,
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}, &result)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("bybit: get orderbook %s: %w", symbol, err)
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueBybit,
		MarketID:  symbol,
		Bids:      pairsToLevels(result.Bids),
		Asks:      pairsToLevels(result.Asks),
		Timestamp: time.UnixMilli(result.TS),
	}
	if result.TS == 0 {
		snap.Timestamp = time.Now()
	}
	return snap, nil
}

// GetOHLCV fetches klines. Bybit intervals are minutes ("60") plus "D"/"W".
func (b *Bybit) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, err := bybitInterval(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var result struct {
		List [][]string `json:"list"`
	}
	err = b.public(ctx, "/v5/market/kline", map[string]string{
		"category": b.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("bybit: get kline %s: %w", symbol, err)
	}

	// Rows are [startTime, open, high, low, close, volume, turnover],
	// newest first; callers expect oldest first.
	candles := make([]domain.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, domain.Candle{
			Timestamp: ts,
			Open:      parseF(row[1]),
			High:      parseF(row[2]),
			Low:       parseF(row[3]),
			Close:     parseF(row[4]),
			Volume:    parseF(row[5]),
		})
	}
	return candles, nil
}

// bybitInterval maps common timeframe strings to Bybit kline intervals.
func bybitInterval(timeframe string) (string, error) {
	switch timeframe {
	case "", "1h":
		return "60", nil
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "4h":
		return "240", nil
	case "1d":
		return "D", nil
	default:
		return "", fmt.Errorf("bybit: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns unified-account coin balances.
func (b *Bybit) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	params := map[string]string{"accountType": "UNIFIED"}
	if asset != "" {
		params["coin"] = strings.ToUpper(asset)
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin      string `json:"coin"`
				Equity    string `json:"equity"`
				Free      string `json:"availableToWithdraw"`
				WalletBal string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.signed(ctx, "GET", "/v5/account/wallet-balance", params, nil, &result); err != nil {
		return nil, fmt.Errorf("bybit: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total := parseF(c.WalletBal)
			if total == 0 {
				continue
			}
			free := parseF(c.Free)
			if free == 0 {
				free = total
			}
			out[c.Coin] = domain.Balance{
				Asset:  c.Coin,
				Free:   free,
				Locked: total - free,
				Total:  total,
			}
		}
	}
	return out, nil
}

// GetPositions returns open perp positions.
func (b *Bybit) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	params := map[string]string{"category": b.category}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Side      string `json:"side"` // "Buy" / "Sell"
			Size      string `json:"size"`
			AvgPrice  string `json:"avgPrice"`
			MarkPrice string `json:"markPrice"`
			UnrealPnL string `json:"unrealisedPnl"`
			Leverage  string `json:"leverage"`
			CreatedAt string `json:"createdTime"`
		} `json:"list"`
	}
	if err := b.signed(ctx, "GET", "/v5/position/list", params, nil, &result); err != nil {
		return nil, fmt.Errorf("bybit: get positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(result.List))
	for _, p := range result.List {
		size := parseF(p.Size)
		if size == 0 {
			continue
		}
		pos := domain.Position{
			Venue:      domain.VenueBybit,
			Symbol:     p.Symbol,
			Side:       domain.SideBuy,
			Size:       size,
			EntryPrice: parseF(p.AvgPrice),
			MarkPrice:  parseF(p.MarkPrice),
			PnLUSD:     parseF(p.UnrealPnL),
			Leverage:   parseF(p.Leverage),
		}
		if strings.EqualFold(p.Side, "Sell") {
			pos.Side = domain.SideSell
		}
		if ms, err := strconv.ParseInt(p.CreatedAt, 10, 64); err == nil && ms > 0 {
			pos.OpenedAt = time.UnixMilli(ms)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// CreateOrder places an order in the client's category.
func (b *Bybit) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("bybit: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "Buy"
	if req.Side == domain.SideSell {
		side = "Sell"
	}
	body := map[string]any{
		"category":  b.category,
		"symbol":    req.Symbol,
		"side":      side,
		"qty":       trimF(req.Amount),
		"orderType": "Limit",
	}
	if req.Type == domain.OrderTypeMarket {
		body["orderType"] = "Market"
	} else {
		body["price"] = trimF(req.Price)
		body["timeInForce"] = "GTC"
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.signed(ctx, "POST", "/v5/order/create", nil, body, &result); err != nil {
		return domain.Order{}, fmt.Errorf("bybit: create order: %w", err)
	}

	return domain.Order{
		ID:        result.OrderID,
		Venue:     domain.VenueBybit,
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
func (b *Bybit) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	body := map[string]any{
		"category": b.category,
		"symbol":   symbol,
		"orderId":  id,
	}
	if err := b.signed(ctx, "POST", "/v5/order/cancel", nil, body, nil); err != nil {
		return false, fmt.Errorf("bybit: cancel order %s: %w", id, err)
	}
	return true, nil
}

// GetOrder retrieves an order by ID from the realtime endpoint.
func (b *Bybit) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	orders, err := b.queryOrders(ctx, map[string]string{
		"category": b.category,
		"symbol":   symbol,
		"orderId":  id,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("bybit: get order %s: %w", id, err)
	}
	if len(orders) == 0 {
		return domain.Order{}, fmt.Errorf("bybit: order %s: %w", id, domain.ErrNotFound)
	}
	return orders[0], nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (b *Bybit) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{"category": b.category, "openOnly": "0"}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	orders, err := b.queryOrders(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("bybit: get open orders: %w", err)
	}
	return orders, nil
}

func (b *Bybit) queryOrders(ctx context.Context, params map[string]string) ([]domain.Order, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			CumExecFee  string `json:"cumExecFee"`
			OrderStatus string `json:"orderStatus"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}
	if err := b.signed(ctx, "GET", "/v5/order/realtime", params, nil, &result); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(result.List))
	for _, row := range result.List {
		ord := domain.Order{
			ID:       row.OrderID,
			Venue:    domain.VenueBybit,
			Symbol:   row.Symbol,
			Price:    parseF(row.Price),
			Amount:   parseF(row.Qty),
			Filled:   parseF(row.CumExecQty),
			AvgPrice: parseF(row.AvgPrice),
			FeeUSD:   parseF(row.CumExecFee),
		}
		if strings.EqualFold(row.Side, "Sell") {
			ord.Side = domain.SideSell
		} else {
			ord.Side = domain.SideBuy
		}
		if strings.EqualFold(row.OrderType, "Market") {
			ord.Type = domain.OrderTypeMarket
		} else {
			ord.Type = domain.OrderTypeLimit
		}
		switch row.OrderStatus {
		case "New", "Untriggered":
			ord.Status = domain.OrderStatusOpen
		case "PartiallyFilled":
			ord.Status = domain.OrderStatusPartial
		case "Filled":
			ord.Status = domain.OrderStatusFilled
		case "Cancelled", "Deactivated":
			ord.Status = domain.OrderStatusCancelled
		case "Rejected":
			ord.Status = domain.OrderStatusRejected
		default:
			ord.Status = domain.OrderStatusPending
		}
		if ms, err := strconv.ParseInt(row.CreatedTime, 10, 64); err == nil && ms > 0 {
			ord.CreatedAt = time.UnixMilli(ms)
		}
		orders = append(orders, ord)
	}
	return orders, nil
}

// --------------------------------------------------------------------------
// Funding rates
// --------------------------------------------------------------------------

// GetFundingRate returns the current funding state for one perp symbol.
func (b *Bybit) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	rows, err := b.tickers(ctx, symbol)
	if err != nil {
		return domain.FundingRate{}, err
	}
	if len(rows) == 0 {
		return domain.FundingRate{}, fmt.Errorf("bybit: funding %s: %w", symbol, domain.ErrNotFound)
	}
	return bybitFunding(rows[0]), nil
}

// GetFundingRates returns funding for every symbol in the category.
func (b *Bybit) GetFundingRates(ctx context.Context) (map[string]domain.FundingRate, error) {
	rows, err := b.tickers(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.FundingRate, len(rows))
	for i := range rows {
		if rows[i].FundingRate == "" {
			continue
		}
		out[rows[i].Symbol] = bybitFunding(rows[i])
	}
	return out, nil
}

func bybitFunding(row bybitTickerRow) domain.FundingRate {
	fr := domain.FundingRate{
		Symbol:         row.Symbol,
		Rate:           parseF(row.FundingRate),
		IntervalsPerYr: bybitFundingInterval,
		MarkPrice:      parseF(row.MarkPrice),
		IndexPrice:     parseF(row.IndexPrice),
	}
	if ms, err := strconv.ParseInt(row.NextFunding, 10, 64); err == nil && ms > 0 {
		fr.NextFundingAt = time.UnixMilli(ms)
	}
	return fr
}

// GetFundingRateHistory returns historical funding observations.
func (b *Bybit) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]domain.FundingRate, error) {
	if limit <= 0 {
		limit = 50
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			FundingRate string `json:"fundingRate"`
			Timestamp   string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	err := b.public(ctx, "/v5/market/funding/history", map[string]string{
		"category": b.category,
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("bybit: funding history %s: %w", symbol, err)
	}

	rates := make([]domain.FundingRate, 0, len(result.List))
	for _, row := range result.List {
		fr := domain.FundingRate{
			Symbol:         row.Symbol,
			Rate:           parseF(row.FundingRate),
			IntervalsPerYr: bybitFundingInterval,
		}
		if ms, err := strconv.ParseInt(row.Timestamp, 10, 64); err == nil {
			fr.NextFundingAt = time.UnixMilli(ms)
		}
		rates = append(rates, fr)
	}
	return rates, nil
}

// SetLeverage sets symbol leverage for both sides.
func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage < 1 {
		return fmt.Errorf("bybit: %w: leverage=%v", domain.ErrInvalidOrder, leverage)
	}
	body := map[string]any{
		"category":     b.category,
		"symbol":       symbol,
		"buyLeverage":  trimF(leverage),
		"sellLeverage": trimF(leverage),
	}
	if err := b.signed(ctx, "POST", "/v5/position/set-leverage", nil, body, nil); err != nil {
		return fmt.Errorf("bybit: set leverage %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.TradingClient     = (*Bybit)(nil)
	_ domain.FundingRateClient = (*Bybit)(nil)
)
