package cex

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

func TestCoinbaseOrderRowToDomain(t *testing.T) {
	raw := []byte(`{
		"order_id": "cb-3",
		"product_id": "BTC-USD",
		"side": "BUY",
		"status": "OPEN",
		"filled_size": "0.1",
		"average_filled_price": "64000",
		"total_fees": "7.68",
		"created_time": "2026-08-01T12:00:00Z",
		"order_configuration": {
			"limit_limit_gtc": {"base_size": "0.5", "limit_price": "64100"}
		}
	}`)
	var row coinbaseOrderRow
	require.NoError(t, json.Unmarshal(raw, &row))

	ord := row.toDomain()
	assert.Equal(t, domain.SideBuy, ord.Side)
	assert.Equal(t, domain.OrderTypeLimit, ord.Type)
	assert.Equal(t, domain.OrderStatusPartial, ord.Status)
	assert.Equal(t, 0.5, ord.Amount)
	assert.Equal(t, 64100.0, ord.Price)
	assert.Equal(t, 7.68, ord.FeeUSD)
	assert.Equal(t, 2026, ord.CreatedAt.Year())
}

func TestCoinbaseMarketBuySpendsQuote(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":          true,
			"success_response": map[string]any{"order_id": "cb-9"},
		})
	}))
	defer srv.Close()

	c := NewCoinbase(Credentials{Key: "k", Secret: "s"}, srv.URL)
	ord, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "ETH-USD",
		Side:   domain.SideBuy,
		Type:   domain.OrderTypeMarket,
		Amount: 2,
		Price:  3000,
	})
	require.NoError(t, err)

	cfg := got["order_configuration"].(map[string]any)["market_market_ioc"].(map[string]any)
	assert.Equal(t, "6000", cfg["quote_size"])
	assert.NotEmpty(t, got["client_order_id"])
	assert.Equal(t, "cb-9", ord.ID)
}

func TestCoinbaseMarketBuyNeedsReferencePrice(t *testing.T) {
	c := NewCoinbase(Credentials{Key: "k", Secret: "s"}, "http://localhost:1")
	_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "ETH-USD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 2,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestCoinbaseCreateOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error_response": map[string]any{
				"error": "INSUFFICIENT_FUND", "message": "not enough USD",
			},
		})
	}))
	defer srv.Close()

	c := NewCoinbase(Credentials{Key: "k", Secret: "s"}, srv.URL)
	_, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "ETH-USD", Side: domain.SideSell, Type: domain.OrderTypeLimit, Amount: 1, Price: 3000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUND")
}
