package kalshi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func testKeyPEM(t *testing.T, pkcs1 bool) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	if pkcs1 {
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestParseRSAKeyBothEncodings(t *testing.T) {
	k1, err := parseRSAKey(testKeyPEM(t, false))
	require.NoError(t, err)
	assert.NotNil(t, k1)

	k2, err := parseRSAKey(testKeyPEM(t, true))
	require.NoError(t, err)
	assert.NotNil(t, k2)

	_, err = parseRSAKey([]byte("not a key"))
	require.Error(t, err)
}

func TestSignedRequestCarriesAuthHeaders(t *testing.T) {
	var gotKey, gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("KALSHI-ACCESS-KEY")
		gotSig = r.Header.Get("KALSHI-ACCESS-SIGNATURE")
		gotTS = r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		_ = json.NewEncoder(w).Encode(map[string]any{"balance": 12345})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKeyID: "key-id", PrivateKeyPEM: testKeyPEM(t, false)})
	require.NoError(t, err)

	balances, err := c.GetBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 123.45, balances["USD"].Free)

	assert.Equal(t, "key-id", gotKey)
	assert.NotEmpty(t, gotSig)
	assert.NotEmpty(t, gotTS)
}

func TestSignedRequestWithoutKeyFails(t *testing.T) {
	c, err := New(Config{BaseURL: "http://localhost:1", APIKeyID: "key-id"})
	require.NoError(t, err)

	_, err = c.GetBalance(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCheckStatusMapsSentinels(t *testing.T) {
	body := []byte(`{"code":"missing","message":"no such market"}`)

	assert.NoError(t, checkStatus(200, nil))
	assert.ErrorIs(t, checkStatus(404, body), domain.ErrNotFound)
	assert.ErrorIs(t, checkStatus(401, body), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkStatus(403, body), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkStatus(429, body), domain.ErrRateLimited)

	err := checkStatus(500, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such market")
}

func TestCreateOrderValidation(t *testing.T) {
	c, err := New(Config{APIKeyID: "k", PrivateKeyPEM: testKeyPEM(t, false)})
	require.NoError(t, err)

	_, err = c.CreateOrder(context.Background(), domain.OrderRequest{Symbol: "", Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "T", Amount: 10, Type: domain.OrderTypeLimit, Price: 1.5,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder, "limit price outside 1-99 cents")
}

func TestCreateOrderMapsSides(t *testing.T) {
	var got apiOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"order": map[string]any{
			"order_id": "ord-9", "ticker": got.Ticker, "status": "resting",
			"action": got.Action, "side": got.Side, "type": got.Type,
			"yes_price": 48, "initial_count": got.Count, "remaining_count": got.Count,
		}})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKeyID: "k", PrivateKeyPEM: testKeyPEM(t, false)})
	require.NoError(t, err)

	ord, err := c.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "KXTEST-26",
		Side:   domain.SideSell,
		Type:   domain.OrderTypeLimit,
		Amount: 25,
		Price:  0.48,
		Params: map[string]string{"outcome": "no"},
	})
	require.NoError(t, err)

	assert.Equal(t, "sell", got.Action)
	assert.Equal(t, "no", got.Side)
	require.NotNil(t, got.NoPrice)
	assert.Equal(t, int64(48), *got.NoPrice)
	assert.Nil(t, got.YesPrice)
	assert.Equal(t, int64(25), got.Count)

	assert.Equal(t, "ord-9", ord.ID)
	assert.Equal(t, domain.OrderStatusOpen, ord.Status)
}

func TestTimeframeMinutes(t *testing.T) {
	for tf, want := range map[string]int{"": 1, "1m": 1, "1h": 60, "1d": 1440} {
		got, err := timeframeMinutes(tf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := timeframeMinutes("5m")
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}

func TestFeesProfitOnly(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	fees := c.Fees()
	assert.Equal(t, 0.0, fees.TakerFeeUSD(1000))
	assert.InDelta(t, 7.0, fees.ProfitFeeUSD(100), 1e-9)
	assert.Equal(t, 0.0, fees.ProfitFeeUSD(-50))
}
