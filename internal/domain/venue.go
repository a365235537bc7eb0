package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// FeeSchedule is a venue's published fee model. Maker/taker are fractional
// rates on notional; ProfitFeePct applies to positive gross profit only
// (Kalshi's model); PerShareSellFee is the regulatory per-share charge on
// stock sells.
type FeeSchedule struct {
	Maker           decimal.Decimal
	Taker           decimal.Decimal
	ProfitFeePct    decimal.Decimal
	PerShareSellFee decimal.Decimal
}

// TakerFeeUSD returns the taker fee for a notional amount.
func (f FeeSchedule) TakerFeeUSD(notionalUSD float64) float64 {
	fee, _ := f.Taker.Mul(decimal.NewFromFloat(notionalUSD)).Float64()
	return fee
}

// MakerFeeUSD returns the maker fee for a notional amount.
func (f FeeSchedule) MakerFeeUSD(notionalUSD float64) float64 {
	fee, _ := f.Maker.Mul(decimal.NewFromFloat(notionalUSD)).Float64()
	return fee
}

// ProfitFeeUSD returns the fee charged on positive gross profit; zero when
// the venue has no profit fee or the profit is not positive.
func (f FeeSchedule) ProfitFeeUSD(grossProfitUSD float64) float64 {
	if grossProfitUSD <= 0 || f.ProfitFeePct.IsZero() {
		return 0
	}
	fee, _ := f.ProfitFeePct.
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(grossProfitUSD)).
		Float64()
	return fee
}

// SellSideFeeUSD returns the per-share regulatory fee for a stock sell.
func (f FeeSchedule) SellSideFeeUSD(shares float64) float64 {
	fee, _ := f.PerShareSellFee.Mul(decimal.NewFromFloat(shares)).Float64()
	return fee
}

// MarketDataClient is the read-side capability set every venue exposes.
type MarketDataClient interface {
	Venue() Venue
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetTickers(ctx context.Context, symbols []string) (map[string]Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (BookSnapshot, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// TradingClient extends market data with account and order operations. A
// client is code-stateless across tenants and instantiated per tenant with
// that tenant's credentials.
type TradingClient interface {
	MarketDataClient
	GetBalance(ctx context.Context, asset string) (map[string]Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, id, symbol string) (bool, error)
	GetOrder(ctx context.Context, id, symbol string) (Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Fees() FeeSchedule
}

// FundingRateClient is implemented only by venues with perpetual futures.
// Venues without the capability return ErrNotSupported from every method.
type FundingRateClient interface {
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetFundingRates(ctx context.Context) (map[string]FundingRate, error)
	GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRate, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// BookStreamer is implemented by prediction-market clients that maintain a
// live order-book via WebSocket. Subscribe registers market IDs; the stream
// replays the subscription list on reconnect. Snapshot returns an immutable
// copy, never the internal book.
type BookStreamer interface {
	Subscribe(ctx context.Context, marketIDs []string) error
	Snapshot(marketID string) (BookSnapshot, bool)
	RunStream(ctx context.Context) error
}

// MarketLister is implemented by prediction-market clients that can
// enumerate active markets for scanners.
type MarketLister interface {
	ListMarkets(ctx context.Context, limit int) ([]Market, error)
}
