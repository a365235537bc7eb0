package cex

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const krakenBaseURL = "https://api.kraken.com"

// Kraken is the Kraken spot client. Private calls are form-encoded POSTs
// signed with API-Sign = base64(HMAC-SHA512(base64decode(secret),
// path + SHA256(nonce + postdata))).
type Kraken struct {
	http  *resty.Client
	creds Credentials
}

// NewKraken creates a Kraken spot client.
func NewKraken(creds Credentials, baseURL string) *Kraken {
	if baseURL == "" {
		baseURL = krakenBaseURL
	}
	return &Kraken{http: newHTTP(baseURL), creds: creds}
}

func (k *Kraken) Venue() domain.Venue      { return domain.VenueKraken }
func (k *Kraken) Fees() domain.FeeSchedule { return Fees(domain.VenueKraken) }

// krakenEnvelope wraps every response in {error: [], result: {}}.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (e *krakenEnvelope) check() error {
	if len(e.Error) == 0 {
		return nil
	}
	msg := strings.Join(e.Error, "; ")
	switch {
	case strings.Contains(msg, "EAPI:Invalid key"), strings.Contains(msg, "EAPI:Invalid signature"),
		strings.Contains(msg, "EGeneral:Permission denied"):
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case strings.Contains(msg, "EAPI:Rate limit"), strings.Contains(msg, "EOrder:Rate limit"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case strings.Contains(msg, "EOrder:Insufficient funds"):
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, msg)
	case strings.Contains(msg, "EQuery:Unknown asset pair"), strings.Contains(msg, "EOrder:Unknown order"):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	default:
		return fmt.Errorf("kraken: %s", msg)
	}
}

// public sends an unsigned GET to /0/public.
func (k *Kraken) public(ctx context.Context, endpoint string, params map[string]string, result any) error {
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/0/public/" + endpoint)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env krakenEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	return json.Unmarshal(env.Result, result)
}

// private sends a signed form POST to /0/private.
func (k *Kraken) private(ctx context.Context, endpoint string, params map[string]string, result any) error {
	if k.creds.Key == "" || k.creds.Secret == "" {
		return domain.ErrUnauthorized
	}

	secret, err := base64.StdEncoding.DecodeString(k.creds.Secret)
	if err != nil {
		return fmt.Errorf("kraken: decode secret: %w", err)
	}

	form := url.Values{}
	for key, v := range params {
		form.Set(key, v)
	}
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	form.Set("nonce", nonce)
	postData := form.Encode()

	path := "/0/private/" + endpoint
	sum := sha256.Sum256([]byte(nonce + postData))
	sig := hmacB64SHA512(secret, append([]byte(path), sum[:]...))

	resp, err := k.http.R().
		SetContext(ctx).
		SetHeader("API-Key", k.creds.Key).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(postData).
		Post(path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env krakenEnvelope
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

// GetTicker returns the ticker for one pair.
func (k *Kraken) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	tickers, err := k.GetTickers(ctx, []string{symbol})
	if err != nil {
		return domain.Ticker{}, err
	}
	t, ok := tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("kraken: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return t, nil
}

// GetTickers returns tickers for the given pairs in one request. Kraken
// keys the result by its canonical pair name, which may differ from the
// requested alias, so entries are matched back positionally when the name
// differs.
func (k *Kraken) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	if len(symbols) == 0 {
		return map[string]domain.Ticker{}, nil
	}

	var result map[string]struct {
		Ask    []string `json:"a"` // [price, wholeLotVol, lotVol]
		Bid    []string `json:"b"`
		Closed []string `json:"c"`
		Volume []string `json:"v"` // [today, last24h]
	}
	err := k.public(ctx, "Ticker", map[string]string{
		"pair": strings.Join(symbols, ","),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("kraken: get tickers: %w", err)
	}

	out := make(map[string]domain.Ticker, len(result))
	for pair, row := range result {
		t := domain.Ticker{
			Symbol:    pair,
			Timestamp: time.Now(),
		}
		if len(row.Bid) > 0 {
			t.Bid = parseF(row.Bid[0])
		}
		if len(row.Ask) > 0 {
			t.Ask = parseF(row.Ask[0])
		}
		if len(row.Closed) > 0 {
			t.Last = parseF(row.Closed[0])
		}
		if len(row.Volume) > 1 {
			t.Volume24h = parseF(row.Volume[1]) * t.Last
		}
		out[pair] = t
	}
	// Keep the caller's aliases resolvable when only one pair was asked for.
	if len(symbols) == 1 && len(out) == 1 {
		for pair, t := range out {
			if pair != symbols[0] {
				t.Symbol = symbols[0]
				out[symbols[0]] = t
			}
		}
	}
	return out, nil
}

// GetOrderBook fetches the book for one pair.
func (k *Kraken) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 {
		depth = 25
	}

	// Levels are [price, volume, timestamp] with mixed string/number types.
	var result map[string]struct {
		Bids [][]json.RawMessage `json:"bids"`
		Asks [][]json.RawMessage `json:"asks"`
	}
	err := k.public(ctx, "Depth", map[string]string{
		"pair":  symbol,
		"count": strconv.Itoa(depth),
	}, &result)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kraken: get orderbook %s: %w", symbol, err)
	}

	toLevels := func(raw [][]json.RawMessage) []domain.PriceLevel {
		levels := make([]domain.PriceLevel, 0, len(raw))
		for _, lv := range raw {
			if len(lv) < 2 {
				continue
			}
			var price, size string
			if json.Unmarshal(lv[0], &price) != nil || json.Unmarshal(lv[1], &size) != nil {
				continue
			}
			levels = append(levels, domain.PriceLevel{Price: parseF(price), Size: parseF(size)})
		}
		return levels
	}

	for _, book := range result {
		return domain.BookSnapshot{
			Venue:     domain.VenueKraken,
			MarketID:  symbol,
			Bids:      toLevels(book.Bids),
			Asks:      toLevels(book.Asks),
			Timestamp: time.Now(),
		}, nil
	}
	return domain.BookSnapshot{}, fmt.Errorf("kraken: orderbook %s: %w", symbol, domain.ErrNotFound)
}

// GetOHLCV fetches OHLC rows. The interval parameter is minutes.
func (k *Kraken) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, err := krakenInterval(timeframe)
	if err != nil {
		return nil, err
	}

	// Result holds the pair key plus a "last" cursor; rows are
	// [time, open, high, low, close, vwap, volume, count].
	var result map[string]json.RawMessage
	err = k.public(ctx, "OHLC", map[string]string{
		"pair":     symbol,
		"interval": strconv.Itoa(interval),
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("kraken: get ohlc %s: %w", symbol, err)
	}

	var candles []domain.Candle
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			continue
		}
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			var ts int64
			var o, h, l, c, vol string
			if json.Unmarshal(row[0], &ts) != nil ||
				json.Unmarshal(row[1], &o) != nil ||
				json.Unmarshal(row[2], &h) != nil ||
				json.Unmarshal(row[3], &l) != nil ||
				json.Unmarshal(row[4], &c) != nil ||
				json.Unmarshal(row[6], &vol) != nil {
				continue
			}
			candles = append(candles, domain.Candle{
				Timestamp: ts * 1000,
				Open:      parseF(o),
				High:      parseF(h),
				Low:       parseF(l),
				Close:     parseF(c),
				Volume:    parseF(vol),
			})
		}
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func krakenInterval(timeframe string) (int, error) {
	switch timeframe {
	case "", "1h":
		return 60, nil
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "4h":
		return 240, nil
	case "1d":
		return 1440, nil
	default:
		return 0, fmt.Errorf("kraken: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns non-zero account balances. Kraken has no per-asset
// free/locked split on this endpoint, so Free mirrors Total.
func (k *Kraken) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	var result map[string]string
	if err := k.private(ctx, "Balance", nil, &result); err != nil {
		return nil, fmt.Errorf("kraken: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for a, v := range result {
		total := parseF(v)
		if total == 0 {
			continue
		}
		if asset != "" && !strings.EqualFold(a, asset) {
			continue
		}
		out[a] = domain.Balance{Asset: a, Free: total, Total: total}
	}
	return out, nil
}

// GetPositions is not supported for spot trading.
func (k *Kraken) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return nil, notSupported(domain.VenueKraken, "positions")
}

// CreateOrder places an order via AddOrder.
func (k *Kraken) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("kraken: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "buy"
	if req.Side == domain.SideSell {
		side = "sell"
	}
	params := map[string]string{
		"pair":      req.Symbol,
		"type":      side,
		"ordertype": "limit",
		"volume":    trimF(req.Amount),
	}
	if req.Type == domain.OrderTypeMarket {
		params["ordertype"] = "market"
	} else {
		params["price"] = trimF(req.Price)
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "AddOrder", params, &result); err != nil {
		return domain.Order{}, fmt.Errorf("kraken: create order: %w", err)
	}
	if len(result.TxID) == 0 {
		return domain.Order{}, fmt.Errorf("kraken: create order: no txid returned")
	}

	return domain.Order{
		ID:        result.TxID[0],
		Venue:     domain.VenueKraken,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    domain.OrderStatusOpen,
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels an order by transaction ID.
func (k *Kraken) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := k.private(ctx, "CancelOrder", map[string]string{"txid": id}, &result); err != nil {
		return false, fmt.Errorf("kraken: cancel order %s: %w", id, err)
	}
	return result.Count > 0, nil
}

// krakenOrderInfo is the per-order payload shared by QueryOrders and
// OpenOrders.
type krakenOrderInfo struct {
	Status string  `json:"status"`
	OpenTm float64 `json:"opentm"`
	Descr  struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"` // average fill price
	Fee     string `json:"fee"`
}

func (r *krakenOrderInfo) toDomain(id string) domain.Order {
	ord := domain.Order{
		ID:       id,
		Venue:    domain.VenueKraken,
		Symbol:   r.Descr.Pair,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Price:    parseF(r.Descr.Price),
		Amount:   parseF(r.Vol),
		Filled:   parseF(r.VolExec),
		AvgPrice: parseF(r.Price),
		FeeUSD:   parseF(r.Fee),
	}
	if r.Descr.Type == "sell" {
		ord.Side = domain.SideSell
	}
	if r.Descr.OrderType == "market" {
		ord.Type = domain.OrderTypeMarket
	}
	switch r.Status {
	case "open":
		if ord.Filled > 0 {
			ord.Status = domain.OrderStatusPartial
		} else {
			ord.Status = domain.OrderStatusOpen
		}
	case "closed":
		ord.Status = domain.OrderStatusFilled
	case "canceled", "expired":
		ord.Status = domain.OrderStatusCancelled
	default:
		ord.Status = domain.OrderStatusPending
	}
	if r.OpenTm > 0 {
		sec, frac := int64(r.OpenTm), r.OpenTm-float64(int64(r.OpenTm))
		ord.CreatedAt = time.Unix(sec, int64(frac*1e9))
	}
	return ord
}

// GetOrder retrieves an order by transaction ID.
func (k *Kraken) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	var result map[string]krakenOrderInfo
	if err := k.private(ctx, "QueryOrders", map[string]string{"txid": id}, &result); err != nil {
		return domain.Order{}, fmt.Errorf("kraken: get order %s: %w", id, err)
	}
	info, ok := result[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("kraken: order %s: %w", id, domain.ErrNotFound)
	}
	return info.toDomain(id), nil
}

// GetOpenOrders returns open orders, optionally filtered by pair.
func (k *Kraken) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	var result struct {
		Open map[string]krakenOrderInfo `json:"open"`
	}
	if err := k.private(ctx, "OpenOrders", nil, &result); err != nil {
		return nil, fmt.Errorf("kraken: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(result.Open))
	for id, info := range result.Open {
		ord := info.toDomain(id)
		if symbol != "" && ord.Symbol != symbol {
			continue
		}
		orders = append(orders, ord)
	}
	return orders, nil
}

// Compile-time interface check.
var _ domain.TradingClient = (*Kraken)(nil)
