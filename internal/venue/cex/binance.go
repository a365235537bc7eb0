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

const binanceUSBaseURL = "https://api.binance.us"

// BinanceUS is the Binance.US spot client. Requests on signed endpoints
// carry an HMAC-SHA256 hex signature over the query string plus the
// X-MBX-APIKEY header. Symbols are native, e.g. "BTCUSDT".
type BinanceUS struct {
	http  *resty.Client
	creds Credentials
}

// NewBinanceUS creates a Binance.US client.
func NewBinanceUS(creds Credentials, baseURL string) *BinanceUS {
	if baseURL == "" {
		baseURL = binanceUSBaseURL
	}
	return &BinanceUS{http: newHTTP(baseURL), creds: creds}
}

func (b *BinanceUS) Venue() domain.Venue      { return domain.VenueBinanceUS }
func (b *BinanceUS) Fees() domain.FeeSchedule { return Fees(domain.VenueBinanceUS) }

// GetTicker returns the 24h ticker for one symbol.
func (b *BinanceUS) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var row struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Last     string `json:"lastPrice"`
		Volume   string `json:"quoteVolume"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("binanceus: get ticker %s: %w", symbol, err)
	}
	if err := checkResponse(resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("binanceus: get ticker %s: %w", symbol, err)
	}
	if err := decodeBody(resp, &row); err != nil {
		return domain.Ticker{}, fmt.Errorf("binanceus: get ticker %s: %w", symbol, err)
	}

	return domain.Ticker{
		Symbol:    row.Symbol,
		Bid:       parseF(row.BidPrice),
		Ask:       parseF(row.AskPrice),
		Last:      parseF(row.Last),
		Volume24h: parseF(row.Volume),
		Timestamp: time.Now(),
	}, nil
}

// GetTickers returns 24h tickers for the given symbols in one batch call.
func (b *BinanceUS) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	if len(symbols) == 0 {
		return map[string]domain.Ticker{}, nil
	}

	list, err := json.Marshal(symbols)
	if err != nil {
		return nil, fmt.Errorf("binanceus: marshal symbols: %w", err)
	}

	var rows []struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Last     string `json:"lastPrice"`
		Volume   string `json:"quoteVolume"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", string(list)).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("binanceus: get tickers: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("binanceus: get tickers: %w", err)
	}
	if err := decodeBody(resp, &rows); err != nil {
		return nil, fmt.Errorf("binanceus: get tickers: %w", err)
	}

	out := make(map[string]domain.Ticker, len(rows))
	for _, row := range rows {
		out[row.Symbol] = domain.Ticker{
			Symbol:    row.Symbol,
			Bid:       parseF(row.BidPrice),
			Ask:       parseF(row.AskPrice),
			Last:      parseF(row.Last),
			Volume24h: parseF(row.Volume),
			Timestamp: time.Now(),
		}
	}
	return out, nil
}

// GetOrderBook fetches the depth snapshot for one symbol.
func (b *BinanceUS) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}

	var book struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"limit":  strconv.Itoa(depth),
		}).
		Get("/api/v3/depth")
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("binanceus: get depth %s: %w", symbol, err)
	}
	if err := checkResponse(resp); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("binanceus: get depth %s: %w", symbol, err)
	}
	if err := decodeBody(resp, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("binanceus: get depth %s: %w", symbol, err)
	}

	return domain.BookSnapshot{
		Venue:     domain.VenueBinanceUS,
		MarketID:  symbol,
		Bids:      pairsToLevels(book.Bids),
		Asks:      pairsToLevels(book.Asks),
		Timestamp: time.Now(),
	}, nil
}

// GetOHLCV fetches klines. Timeframes are native Binance intervals.
func (b *BinanceUS) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if timeframe == "" {
		timeframe = "1h"
	}
	if limit <= 0 {
		limit = 100
	}

	var rows [][]json.RawMessage
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": timeframe,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("binanceus: get klines %s: %w", symbol, err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("binanceus: get klines %s: %w", symbol, err)
	}
	if err := decodeBody(resp, &rows); err != nil {
		return nil, fmt.Errorf("binanceus: get klines %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, ...]
		if len(row) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, c, v string
		if json.Unmarshal(row[0], &openTime) != nil ||
			json.Unmarshal(row[1], &o) != nil ||
			json.Unmarshal(row[2], &h) != nil ||
			json.Unmarshal(row[3], &l) != nil ||
			json.Unmarshal(row[4], &c) != nil ||
			json.Unmarshal(row[5], &v) != nil {
			continue
		}
		candles = append(candles, domain.Candle{
			Timestamp: openTime,
			Open:      parseF(o),
			High:      parseF(h),
			Low:       parseF(l),
			Close:     parseF(c),
			Volume:    parseF(v),
		})
	}
	return candles, nil
}

// GetBalance returns non-zero spot balances, optionally filtered by asset.
func (b *BinanceUS) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.signedCall(ctx, "GET", "/api/v3/account", nil, &account); err != nil {
		return nil, fmt.Errorf("binanceus: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for _, row := range account.Balances {
		free, locked := parseF(row.Free), parseF(row.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		if asset != "" && !strings.EqualFold(asset, row.Asset) {
			continue
		}
		out[row.Asset] = domain.Balance{
			Asset:  row.Asset,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return out, nil
}

// GetPositions is not available on a spot-only venue.
func (b *BinanceUS) GetPositions(context.Context, string) ([]domain.Position, error) {
	return nil, notSupported(domain.VenueBinanceUS, "positions")
}

// CreateOrder places a spot order.
func (b *BinanceUS) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("binanceus: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", trimF(req.Amount))
	if req.Type == domain.OrderTypeMarket {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", trimF(req.Price))
	}

	var row binanceOrderRow
	if err := b.signedCall(ctx, "POST", "/api/v3/order", params, &row); err != nil {
		return domain.Order{}, fmt.Errorf("binanceus: create order: %w", err)
	}
	return row.toDomain(), nil
}

// CancelOrder cancels an order by exchange ID.
func (b *BinanceUS) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)

	var row binanceOrderRow
	if err := b.signedCall(ctx, "DELETE", "/api/v3/order", params, &row); err != nil {
		return false, fmt.Errorf("binanceus: cancel order %s: %w", id, err)
	}
	return true, nil
}

// GetOrder retrieves an order by exchange ID.
func (b *BinanceUS) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)

	var row binanceOrderRow
	if err := b.signedCall(ctx, "GET", "/api/v3/order", params, &row); err != nil {
		return domain.Order{}, fmt.Errorf("binanceus: get order %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (b *BinanceUS) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var rows []binanceOrderRow
	if err := b.signedCall(ctx, "GET", "/api/v3/openOrders", params, &rows); err != nil {
		return nil, fmt.Errorf("binanceus: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, nil
}

// signedCall appends timestamp and signature to the query string and sends
// the request with the API key header.
func (b *BinanceUS) signedCall(ctx context.Context, method, path string, params url.Values, result any) error {
	if b.creds.Key == "" || b.creds.Secret == "" {
		return domain.ErrUnauthorized
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", nowMillis())
	params.Set("recvWindow", "5000")

	query := params.Encode()
	query += "&signature=" + hmacHex(b.creds.Secret, query)

	req := b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.creds.Key).
		SetQueryString(query)

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	return decodeBody(resp, result)
}

// binanceOrderRow is the order shape shared by the order endpoints.
type binanceOrderRow struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	QuoteQty    string `json:"cummulativeQuoteQty"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	Time        int64  `json:"time"`
	TransactAt  int64  `json:"transactTime"`
}

func (r *binanceOrderRow) toDomain() domain.Order {
	ord := domain.Order{
		ID:     strconv.FormatInt(r.OrderID, 10),
		Venue:  domain.VenueBinanceUS,
		Symbol: r.Symbol,
		Price:  parseF(r.Price),
		Amount: parseF(r.OrigQty),
		Filled: parseF(r.ExecutedQty),
	}
	if strings.EqualFold(r.Side, "SELL") {
		ord.Side = domain.SideSell
	} else {
		ord.Side = domain.SideBuy
	}
	if strings.EqualFold(r.Type, "MARKET") {
		ord.Type = domain.OrderTypeMarket
	} else {
		ord.Type = domain.OrderTypeLimit
	}
	if ord.Filled > 0 {
		if quote := parseF(r.QuoteQty); quote > 0 {
			ord.AvgPrice = quote / ord.Filled
		}
	}
	switch r.Status {
	case "NEW":
		ord.Status = domain.OrderStatusOpen
	case "PARTIALLY_FILLED":
		ord.Status = domain.OrderStatusPartial
	case "FILLED":
		ord.Status = domain.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		ord.Status = domain.OrderStatusCancelled
	case "REJECTED":
		ord.Status = domain.OrderStatusRejected
	default:
		ord.Status = domain.OrderStatusPending
	}
	ts := r.Time
	if ts == 0 {
		ts = r.TransactAt
	}
	if ts > 0 {
		ord.CreatedAt = time.UnixMilli(ts)
	}
	return ord
}

// parseF parses a decimal string, zero on failure.
func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// trimF formats a float without trailing zeros.
func trimF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// pairsToLevels converts [price, size] string pairs to levels.
func pairsToLevels(pairs [][2]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		price, size := parseF(p[0]), parseF(p[1])
		if price <= 0 || size <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// Compile-time interface check.
var _ domain.TradingClient = (*BinanceUS)(nil)
