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

const okxBaseURL = "https://www.okx.com"

// okxFundingInterval is the number of 8-hour funding periods per year.
const okxFundingInterval = 1095

// OKX is the OKX v5 client. Signed requests carry base64 HMAC-SHA256 of
// timestamp+method+requestPath+body in OK-ACCESS headers together with the
// account passphrase.
type OKX struct {
	http  *resty.Client
	creds Credentials
}

// NewOKX creates an OKX client.
func NewOKX(creds Credentials, baseURL string) *OKX {
	if baseURL == "" {
		baseURL = okxBaseURL
	}
	return &OKX{http: newHTTP(baseURL), creds: creds}
}

func (o *OKX) Venue() domain.Venue      { return domain.VenueOKX }
func (o *OKX) Fees() domain.FeeSchedule { return Fees(domain.VenueOKX) }

// okxEnvelope wraps every v5 response.
type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e *okxEnvelope) check() error {
	if e.Code == "0" || e.Code == "" {
		return nil
	}
	switch e.Code {
	case "50111", "50113", "50114":
		return fmt.Errorf("%w: %s (code %s)", domain.ErrUnauthorized, e.Msg, e.Code)
	case "50011", "50013":
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, e.Msg)
	case "51008":
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, e.Msg)
	default:
		return fmt.Errorf("okx: code %s: %s", e.Code, e.Msg)
	}
}

// public sends an unsigned GET.
func (o *OKX) public(ctx context.Context, path string, params map[string]string, result any) error {
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env okxEnvelope
	if err := decodeBody(resp, &env); err != nil {
		return err
	}
	if err := env.check(); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, result)
}

// signed sends an authenticated request. The signature covers the ISO-8601
// timestamp, method, request path including the query string, and the raw
// JSON body for POSTs.
func (o *OKX) signed(ctx context.Context, method, path string, params map[string]string, body any, result any) error {
	if o.creds.Key == "" || o.creds.Secret == "" || o.creds.Passphrase == "" {
		return domain.ErrUnauthorized
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	signPath := path
	req := o.http.R().SetContext(ctx)
	if len(params) > 0 {
		vals := url.Values{}
		for k, v := range params {
			vals.Set(k, v)
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

	req.SetHeaders(map[string]string{
		"OK-ACCESS-KEY":        o.creds.Key,
		"OK-ACCESS-SIGN":       hmacB64([]byte(o.creds.Secret), ts+method+signPath+jsonBody),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": o.creds.Passphrase,
	})

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	var env okxEnvelope
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

type okxTickerRow struct {
	InstID    string `json:"instId"`
	BidPx     string `json:"bidPx"`
	AskPx     string `json:"askPx"`
	Last      string `json:"last"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

func (r *okxTickerRow) toTicker() domain.Ticker {
	t := domain.Ticker{
		Symbol:    r.InstID,
		Bid:       parseF(r.BidPx),
		Ask:       parseF(r.AskPx),
		Last:      parseF(r.Last),
		Volume24h: parseF(r.VolCcy24h),
		Timestamp: time.Now(),
	}
	if ms, err := strconv.ParseInt(r.TS, 10, 64); err == nil && ms > 0 {
		t.Timestamp = time.UnixMilli(ms)
	}
	return t
}

// GetTicker returns the ticker for one instrument.
func (o *OKX) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var rows []okxTickerRow
	err := o.public(ctx, "/api/v5/market/ticker", map[string]string{"instId": symbol}, &rows)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("okx: get ticker %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return domain.Ticker{}, fmt.Errorf("okx: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return rows[0].toTicker(), nil
}

// GetTickers returns tickers for the given instruments from one
// instrument-type-wide fetch.
func (o *OKX) GetTickers(ctx context.Context, symbols []string) (map[string]domain.Ticker, error) {
	instType := "SPOT"
	for _, s := range symbols {
		if strings.HasSuffix(s, "-SWAP") {
			instType = "SWAP"
			break
		}
	}

	var rows []okxTickerRow
	err := o.public(ctx, "/api/v5/market/tickers", map[string]string{"instType": instType}, &rows)
	if err != nil {
		return nil, fmt.Errorf("okx: get tickers: %w", err)
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}

	out := make(map[string]domain.Ticker, len(symbols))
	for i := range rows {
		if _, ok := want[rows[i].InstID]; ok || len(symbols) == 0 {
			out[rows[i].InstID] = rows[i].toTicker()
		}
	}
	return out, nil
}

// GetOrderBook fetches the book for one instrument.
func (o *OKX) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 {
		depth = 25
	}

	// OKX book levels are [price, size, liquidatedOrders, orderCount].
	var rows []struct {
		Bids [][4]string `json:"bids"`
		Asks [][4]string `json:"asks"`
		TS   string      `json:"ts"`
	}
	err := o.public(ctx, "/api/v5/market/books", map[string]string{
		"instId": symbol,
		"sz":     strconv.Itoa(depth),
	}, &rows)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: get orderbook %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return domain.BookSnapshot{}, fmt.Errorf("okx: orderbook %s: %w", symbol, domain.ErrNotFound)
	}

	toLevels := func(raw [][4]string) []domain.PriceLevel {
		levels := make([]domain.PriceLevel, 0, len(raw))
		for _, lv := range raw {
			levels = append(levels, domain.PriceLevel{Price: parseF(lv[0]), Size: parseF(lv[1])})
		}
		return levels
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueOKX,
		MarketID:  symbol,
		Bids:      toLevels(rows[0].Bids),
		Asks:      toLevels(rows[0].Asks),
		Timestamp: time.Now(),
	}
	if ms, err := strconv.ParseInt(rows[0].TS, 10, 64); err == nil && ms > 0 {
		snap.Timestamp = time.UnixMilli(ms)
	}
	return snap, nil
}

// GetOHLCV fetches candles. OKX bar names are "1m", "1H", "1D" style.
func (o *OKX) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	bar, err := okxBar(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	// Rows are [ts, open, high, low, close, vol, ...], newest first.
	var rows [][]string
	err = o.public(ctx, "/api/v5/market/candles", map[string]string{
		"instId": symbol,
		"bar":    bar,
		"limit":  strconv.Itoa(limit),
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("okx: get candles %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
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

func okxBar(timeframe string) (string, error) {
	switch timeframe {
	case "", "1h":
		return "1H", nil
	case "1m":
		return "1m", nil
	case "5m":
		return "5m", nil
	case "15m":
		return "15m", nil
	case "4h":
		return "4H", nil
	case "1d":
		return "1D", nil
	default:
		return "", fmt.Errorf("okx: timeframe %q: %w", timeframe, domain.ErrNotSupported)
	}
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// GetBalance returns trading-account balances.
func (o *OKX) GetBalance(ctx context.Context, asset string) (map[string]domain.Balance, error) {
	params := map[string]string{}
	if asset != "" {
		params["ccy"] = strings.ToUpper(asset)
	}

	var rows []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			FrozenBa string `json:"frozenBal"`
			Eq       string `json:"eq"`
		} `json:"details"`
	}
	if err := o.signed(ctx, "GET", "/api/v5/account/balance", params, nil, &rows); err != nil {
		return nil, fmt.Errorf("okx: get balance: %w", err)
	}

	out := make(map[string]domain.Balance)
	for _, acct := range rows {
		for _, d := range acct.Details {
			total := parseF(d.Eq)
			if total == 0 {
				continue
			}
			out[d.Ccy] = domain.Balance{
				Asset:  d.Ccy,
				Free:   parseF(d.AvailBal),
				Locked: parseF(d.FrozenBa),
				Total:  total,
			}
		}
	}
	return out, nil
}

// GetPositions returns open swap positions.
func (o *OKX) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = symbol
	}

	var rows []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		Upl      string `json:"upl"`
		Lever    string `json:"lever"`
		CTime    string `json:"cTime"`
		LiqPrice string `json:"liqPx"`
	}
	if err := o.signed(ctx, "GET", "/api/v5/account/positions", params, nil, &rows); err != nil {
		return nil, fmt.Errorf("okx: get positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(rows))
	for _, p := range rows {
		size := parseF(p.Pos)
		if size == 0 {
			continue
		}
		pos := domain.Position{
			Venue:      domain.VenueOKX,
			Symbol:     p.InstID,
			Side:       domain.SideBuy,
			Size:       size,
			EntryPrice: parseF(p.AvgPx),
			MarkPrice:  parseF(p.MarkPx),
			PnLUSD:     parseF(p.Upl),
			Leverage:   parseF(p.Lever),
		}
		// In net mode a short position is a negative pos value.
		if strings.EqualFold(p.PosSide, "short") || size < 0 {
			pos.Side = domain.SideSell
			if size < 0 {
				pos.Size = -size
			}
		}
		if ms, err := strconv.ParseInt(p.CTime, 10, 64); err == nil && ms > 0 {
			pos.OpenedAt = time.UnixMilli(ms)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// CreateOrder places an order. Spot orders trade in cash mode; swaps in
// cross margin.
func (o *OKX) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Symbol == "" || req.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("okx: %w: symbol=%q amount=%v",
			domain.ErrInvalidOrder, req.Symbol, req.Amount)
	}

	side := "buy"
	if req.Side == domain.SideSell {
		side = "sell"
	}
	tdMode := "cash"
	if strings.HasSuffix(req.Symbol, "-SWAP") {
		tdMode = "cross"
	}
	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  tdMode,
		"side":    side,
		"ordType": "limit",
		"sz":      trimF(req.Amount),
	}
	if req.Type == domain.OrderTypeMarket {
		body["ordType"] = "market"
	} else {
		body["px"] = trimF(req.Price)
	}

	var rows []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := o.signed(ctx, "POST", "/api/v5/trade/order", nil, body, &rows); err != nil {
		return domain.Order{}, fmt.Errorf("okx: create order: %w", err)
	}
	if len(rows) == 0 {
		return domain.Order{}, fmt.Errorf("okx: create order: empty response")
	}
	if rows[0].SCode != "" && rows[0].SCode != "0" {
		return domain.Order{}, fmt.Errorf("okx: create order rejected: %s (sCode %s)",
			rows[0].SMsg, rows[0].SCode)
	}

	return domain.Order{
		ID:        rows[0].OrdID,
		Venue:     domain.VenueOKX,
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
func (o *OKX) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	body := map[string]any{"instId": symbol, "ordId": id}
	if err := o.signed(ctx, "POST", "/api/v5/trade/cancel-order", nil, body, nil); err != nil {
		return false, fmt.Errorf("okx: cancel order %s: %w", id, err)
	}
	return true, nil
}

type okxOrderRow struct {
	OrdID   string `json:"ordId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	AccFill string `json:"accFillSz"`
	AvgPx   string `json:"avgPx"`
	Fee     string `json:"fee"`
	State   string `json:"state"`
	CTime   string `json:"cTime"`
}

func (r *okxOrderRow) toDomain() domain.Order {
	ord := domain.Order{
		ID:       r.OrdID,
		Venue:    domain.VenueOKX,
		Symbol:   r.InstID,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Price:    parseF(r.Px),
		Amount:   parseF(r.Sz),
		Filled:   parseF(r.AccFill),
		AvgPrice: parseF(r.AvgPx),
	}
	// OKX reports fees as negative deductions.
	if fee := parseF(r.Fee); fee < 0 {
		ord.FeeUSD = -fee
	}
	if strings.EqualFold(r.Side, "sell") {
		ord.Side = domain.SideSell
	}
	if strings.EqualFold(r.OrdType, "market") {
		ord.Type = domain.OrderTypeMarket
	}
	switch r.State {
	case "live":
		ord.Status = domain.OrderStatusOpen
	case "partially_filled":
		ord.Status = domain.OrderStatusPartial
	case "filled":
		ord.Status = domain.OrderStatusFilled
	case "canceled", "mmp_canceled":
		ord.Status = domain.OrderStatusCancelled
	default:
		ord.Status = domain.OrderStatusPending
	}
	if ms, err := strconv.ParseInt(r.CTime, 10, 64); err == nil && ms > 0 {
		ord.CreatedAt = time.UnixMilli(ms)
	}
	return ord
}

// GetOrder retrieves an order by ID.
func (o *OKX) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	var rows []okxOrderRow
	err := o.signed(ctx, "GET", "/api/v5/trade/order", map[string]string{
		"instId": symbol,
		"ordId":  id,
	}, nil, &rows)
	if err != nil {
		return domain.Order{}, fmt.Errorf("okx: get order %s: %w", id, err)
	}
	if len(rows) == 0 {
		return domain.Order{}, fmt.Errorf("okx: order %s: %w", id, domain.ErrNotFound)
	}
	return rows[0].toDomain(), nil
}

// GetOpenOrders returns pending orders, optionally filtered by instrument.
func (o *OKX) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["instId"] = symbol
	}

	var rows []okxOrderRow
	if err := o.signed(ctx, "GET", "/api/v5/trade/orders-pending", params, nil, &rows); err != nil {
		return nil, fmt.Errorf("okx: get open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, nil
}

// --------------------------------------------------------------------------
// Funding rates
// --------------------------------------------------------------------------

type okxFundingRow struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	NextFunding string `json:"nextFundingTime"`
	FundingTime string `json:"fundingTime"`
}

func (r *okxFundingRow) toDomain() domain.FundingRate {
	fr := domain.FundingRate{
		Symbol:         r.InstID,
		Rate:           parseF(r.FundingRate),
		IntervalsPerYr: okxFundingInterval,
	}
	ts := r.NextFunding
	if ts == "" {
		ts = r.FundingTime
	}
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil && ms > 0 {
		fr.NextFundingAt = time.UnixMilli(ms)
	}
	return fr
}

// GetFundingRate returns the current funding rate for one swap.
func (o *OKX) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	var rows []okxFundingRow
	err := o.public(ctx, "/api/v5/public/funding-rate", map[string]string{"instId": symbol}, &rows)
	if err != nil {
		return domain.FundingRate{}, fmt.Errorf("okx: funding %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return domain.FundingRate{}, fmt.Errorf("okx: funding %s: %w", symbol, domain.ErrNotFound)
	}
	return rows[0].toDomain(), nil
}

// GetFundingRates returns funding rates for all swaps via the ANY wildcard.
func (o *OKX) GetFundingRates(ctx context.Context) (map[string]domain.FundingRate, error) {
	var rows []okxFundingRow
	err := o.public(ctx, "/api/v5/public/funding-rate", map[string]string{"instId": "ANY"}, &rows)
	if err != nil {
		return nil, fmt.Errorf("okx: funding rates: %w", err)
	}

	out := make(map[string]domain.FundingRate, len(rows))
	for i := range rows {
		out[rows[i].InstID] = rows[i].toDomain()
	}
	return out, nil
}

// GetFundingRateHistory returns settled funding observations, newest first
// from the API, returned oldest first.
func (o *OKX) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]domain.FundingRate, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []okxFundingRow
	err := o.public(ctx, "/api/v5/public/funding-rate-history", map[string]string{
		"instId": symbol,
		"limit":  strconv.Itoa(limit),
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("okx: funding history %s: %w", symbol, err)
	}

	rates := make([]domain.FundingRate, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		rates = append(rates, rows[i].toDomain())
	}
	return rates, nil
}

// SetLeverage sets cross leverage for a swap instrument.
func (o *OKX) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage < 1 {
		return fmt.Errorf("okx: %w: leverage=%v", domain.ErrInvalidOrder, leverage)
	}
	body := map[string]any{
		"instId":  symbol,
		"lever":   trimF(leverage),
		"mgnMode": "cross",
	}
	if err := o.signed(ctx, "POST", "/api/v5/account/set-leverage", nil, body, nil); err != nil {
		return fmt.Errorf("okx: set leverage %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.TradingClient     = (*OKX)(nil)
	_ domain.FundingRateClient = (*OKX)(nil)
)
