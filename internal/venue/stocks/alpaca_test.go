package stocks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func TestAlpacaFeesCommissionFree(t *testing.T) {
	a := NewAlpaca(Config{})
	fees := a.Fees()

	assert.True(t, fees.Maker.IsZero())
	assert.True(t, fees.Taker.IsZero())
	// Selling 10000 shares costs 8 cents in regulatory fees.
	assert.InDelta(t, 0.08, fees.SellSideFeeUSD(10000), 1e-9)
}

func TestAlpacaRequestsCarryKeyHeaders(t *testing.T) {
	var gotKey, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("APCA-API-KEY-ID")
		gotSecret = r.Header.Get("APCA-API-SECRET-KEY")
		_ = json.NewEncoder(w).Encode(map[string]any{"cash": "2500.50", "equity": "4000.00"})
	}))
	defer srv.Close()

	a := NewAlpaca(Config{TradingURL: srv.URL, APIKeyID: "pk-id", APISecret: "pk-secret"})
	balances, err := a.GetBalance(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "pk-id", gotKey)
	assert.Equal(t, "pk-secret", gotSecret)
	assert.Equal(t, 2500.50, balances["USD"].Free)
	assert.Equal(t, 1499.50, balances["USD"].Locked)
	assert.Equal(t, 4000.00, balances["USD"].Total)
}

func TestAlpacaOrderBookFromQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"quote": map[string]any{
			"bp": 189.95, "bs": 3, "ap": 190.05, "as": 2,
		}})
	}))
	defer srv.Close()

	a := NewAlpaca(Config{DataURL: srv.URL})
	snap, err := a.GetOrderBook(context.Background(), "AAPL", 10)
	require.NoError(t, err)

	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 189.95, snap.BestBid())
	assert.Equal(t, 190.05, snap.BestAsk())
	assert.Equal(t, 300.0, snap.Bids[0].Size, "round lots expanded to shares")
}

func TestAlpacaOrderRowToDomain(t *testing.T) {
	raw := []byte(`{
		"id": "ord-1", "symbol": "MSFT", "side": "sell", "type": "limit",
		"qty": "10", "filled_qty": "4", "limit_price": "420.5",
		"filled_avg_price": "420.6", "status": "partially_filled",
		"created_at": "2026-08-03T14:30:00Z"
	}`)
	var row alpacaOrderRow
	require.NoError(t, json.Unmarshal(raw, &row))

	ord := row.toDomain()
	assert.Equal(t, domain.SideSell, ord.Side)
	assert.Equal(t, domain.OrderStatusPartial, ord.Status)
	assert.Equal(t, 10.0, ord.Amount)
	assert.Equal(t, 4.0, ord.Filled)
	assert.Equal(t, 420.6, ord.AvgPrice)
	assert.Equal(t, 2026, ord.CreatedAt.Year())

	row.Status = "rejected"
	assert.Equal(t, domain.OrderStatusRejected, row.toDomain().Status)
}

func TestAlpacaCreateOrderBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "ord-2", "symbol": "NVDA", "side": "buy", "type": "limit",
			"qty": "5", "limit_price": "120", "status": "new",
		})
	}))
	defer srv.Close()

	a := NewAlpaca(Config{TradingURL: srv.URL})
	ord, err := a.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "NVDA",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeLimit,
		Amount: 5,
		Price:  120,
	})
	require.NoError(t, err)

	assert.Equal(t, "buy", got["side"])
	assert.Equal(t, "limit", got["type"])
	assert.Equal(t, "120", got["limit_price"])
	assert.Equal(t, "day", got["time_in_force"])
	assert.Equal(t, "ord-2", ord.ID)
	assert.Equal(t, domain.OrderStatusOpen, ord.Status)
}

func TestAlpacaInvalidOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"insufficient qty available"}`))
	}))
	defer srv.Close()

	a := NewAlpaca(Config{TradingURL: srv.URL})
	_, err := a.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "NVDA", Side: domain.SideSell, Type: domain.OrderTypeMarket, Amount: 500,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestAlpacaTimeframes(t *testing.T) {
	for tf, want := range map[string]string{"": "1Hour", "1m": "1Min", "1d": "1Day"} {
		got, err := alpacaTimeframe(tf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := alpacaTimeframe("4h")
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}
