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

func TestKucoinOrderRowToDomain(t *testing.T) {
	row := kucoinOrderRow{
		ID:        "kc-1",
		Symbol:    "BTC-USDT",
		Side:      "buy",
		Type:      "limit",
		Price:     "64000",
		Size:      "0.5",
		DealSize:  "0.5",
		DealFunds: "31995",
		Fee:       "31.9",
		IsActive:  false,
		CreatedAt: 1700000000000,
	}
	ord := row.toDomain()

	assert.Equal(t, domain.OrderStatusFilled, ord.Status)
	assert.Equal(t, 63990.0, ord.AvgPrice, "avg price derived from deal funds")
	assert.Equal(t, 2023, ord.CreatedAt.Year())

	row.IsActive = true
	assert.Equal(t, domain.OrderStatusPartial, row.toDomain().Status)

	row.DealSize = "0"
	assert.Equal(t, domain.OrderStatusOpen, row.toDomain().Status)

	row.IsActive = false
	row.CancelEx = true
	assert.Equal(t, domain.OrderStatusCancelled, row.toDomain().Status)
}

func TestKucoinSignedRequestCarriesHeaders(t *testing.T) {
	var gotSign, gotPass, gotVersion, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("KC-API-SIGN")
		gotPass = r.Header.Get("KC-API-PASSPHRASE")
		gotVersion = r.Header.Get("KC-API-KEY-VERSION")
		gotTS = r.Header.Get("KC-API-TIMESTAMP")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "200000", "data": []any{}})
	}))
	defer srv.Close()

	k := NewKuCoin(Credentials{Key: "k", Secret: "sec", Passphrase: "phrase"}, srv.URL)
	_, err := k.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)

	assert.Equal(t, "2", gotVersion)
	assert.Equal(t, hmacB64([]byte("sec"), "phrase"), gotPass, "v2 passphrase is HMAC-signed")
	want := hmacB64([]byte("sec"), gotTS+"GET"+"/api/v1/accounts?currency=USDT&type=trade")
	assert.Equal(t, want, gotSign)
}

func TestKucoinEnvelopeCheck(t *testing.T) {
	assert.NoError(t, (&kucoinEnvelope{Code: "200000"}).check())
	assert.ErrorIs(t, (&kucoinEnvelope{Code: "400005"}).check(), domain.ErrUnauthorized)
	assert.ErrorIs(t, (&kucoinEnvelope{Code: "429000"}).check(), domain.ErrRateLimited)
	assert.ErrorIs(t, (&kucoinEnvelope{Code: "200004"}).check(), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, (&kucoinEnvelope{Code: "400100"}).check(), domain.ErrInvalidOrder)
}
