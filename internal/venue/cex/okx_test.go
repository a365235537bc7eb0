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

func TestOKXSignedRequestCarriesHeaders(t *testing.T) {
	var gotKey, gotSign, gotTS, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("OK-ACCESS-KEY")
		gotSign = r.Header.Get("OK-ACCESS-SIGN")
		gotTS = r.Header.Get("OK-ACCESS-TIMESTAMP")
		gotPass = r.Header.Get("OK-ACCESS-PASSPHRASE")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []any{}})
	}))
	defer srv.Close()

	o := NewOKX(Credentials{Key: "k", Secret: "s", Passphrase: "p"}, srv.URL)
	_, err := o.GetOpenOrders(context.Background(), "BTC-USDT")
	require.NoError(t, err)

	assert.Equal(t, "k", gotKey)
	assert.Equal(t, "p", gotPass)
	require.NotEmpty(t, gotTS)

	want := hmacB64([]byte("s"), gotTS+"GET"+"/api/v5/trade/orders-pending?instId=BTC-USDT")
	assert.Equal(t, want, gotSign)
}

func TestOKXSignedWithoutPassphraseFails(t *testing.T) {
	o := NewOKX(Credentials{Key: "k", Secret: "s"}, "http://localhost:1")
	_, err := o.GetBalance(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestOKXEnvelopeCheck(t *testing.T) {
	assert.NoError(t, (&okxEnvelope{Code: "0"}).check())
	assert.ErrorIs(t, (&okxEnvelope{Code: "50111"}).check(), domain.ErrUnauthorized)
	assert.ErrorIs(t, (&okxEnvelope{Code: "50011"}).check(), domain.ErrRateLimited)
	assert.ErrorIs(t, (&okxEnvelope{Code: "51008"}).check(), domain.ErrInsufficientFunds)
}

func TestOKXOrderRowToDomain(t *testing.T) {
	row := okxOrderRow{
		OrdID:   "okx-7",
		InstID:  "ETH-USDT-SWAP",
		Side:    "sell",
		OrdType: "limit",
		Px:      "3200",
		Sz:      "2",
		AccFill: "1",
		AvgPx:   "3199.5",
		Fee:     "-1.6",
		State:   "partially_filled",
		CTime:   "1700000000000",
	}
	ord := row.toDomain()

	assert.Equal(t, domain.SideSell, ord.Side)
	assert.Equal(t, domain.OrderStatusPartial, ord.Status)
	assert.Equal(t, 1.0, ord.Filled)
	assert.Equal(t, 3199.5, ord.AvgPrice)
	assert.Equal(t, 1.6, ord.FeeUSD, "negative fee deduction flips sign")
	assert.Equal(t, 2023, ord.CreatedAt.Year())
}

func TestOKXFundingHistoryOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []map[string]any{
			{"instId": "BTC-USDT-SWAP", "fundingRate": "0.0002", "fundingTime": "1700028800000"},
			{"instId": "BTC-USDT-SWAP", "fundingRate": "0.0001", "fundingTime": "1700000000000"},
		}})
	}))
	defer srv.Close()

	o := NewOKX(Credentials{}, srv.URL)
	rates, err := o.GetFundingRateHistory(context.Background(), "BTC-USDT-SWAP", 10)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, 0.0001, rates[0].Rate)
	assert.Equal(t, 0.0002, rates[1].Rate)
}

func TestOKXCreateOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []map[string]any{
			{"ordId": "", "sCode": "51000", "sMsg": "parameter instId error"},
		}})
	}))
	defer srv.Close()

	o := NewOKX(Credentials{Key: "k", Secret: "s", Passphrase: "p"}, srv.URL)
	_, err := o.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "BAD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "51000")
}
