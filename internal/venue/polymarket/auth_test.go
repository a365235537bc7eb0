package polymarket

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key; never used against real funds.
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddressHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNewSignerDerivesWalletAddress(t *testing.T) {
	s, err := NewSigner(testPrivateKey, 137)
	require.NoError(t, err)
	assert.Equal(t, testAddressHex, s.Address().Hex())

	// A 0x prefix on the key is accepted.
	s2, err := NewSigner("0x"+testPrivateKey, 137)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex", 137)
	require.Error(t, err)
}

func TestSignAuthMessageShape(t *testing.T) {
	s, err := NewSigner(testPrivateKey, 137)
	require.NoError(t, err)

	sig, err := s.SignAuthMessage(s.Address().Hex(), 1700000000, 0)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(sig, "0x"))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.GreaterOrEqual(t, raw[64], byte(27), "recovery byte adjusted to 27/28")

	// Deterministic: same message, same signature.
	again, err := s.SignAuthMessage(s.Address().Hex(), 1700000000, 0)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	// Different nonce changes the digest.
	other, err := s.SignAuthMessage(s.Address().Hex(), 1700000000, 1)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestSignOrderValidatesNumericFields(t *testing.T) {
	s, err := NewSigner(testPrivateKey, 137)
	require.NoError(t, err)

	order := OrderPayload{
		Salt:        "12345",
		Maker:       testAddressHex,
		Signer:      testAddressHex,
		Taker:       zeroAddress,
		TokenID:     "7",
		MakerAmount: "52000000",
		TakerAmount: "100000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}

	sig, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))

	order.TokenID = "abc"
	_, err = s.SignOrder(order)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenId")
}

func TestL2HeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{
		Key:        "key-1",
		Secret:     "c2VjcmV0LWJ5dGVz", // base64("secret-bytes")
		Passphrase: "pass-1",
	}

	h1 := auth.L2HeadersAt(testAddressHex, "POST", "/order", `{"x":1}`, 1700000000)
	h2 := auth.L2HeadersAt(testAddressHex, "POST", "/order", `{"x":1}`, 1700000000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, testAddressHex, h1["POLY_ADDRESS"])
	assert.Equal(t, "key-1", h1["POLY_API_KEY"])
	assert.Equal(t, "pass-1", h1["POLY_PASSPHRASE"])
	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.NotEmpty(t, h1["POLY_SIGNATURE"])

	// Any input change produces a different signature.
	other := auth.L2HeadersAt(testAddressHex, "POST", "/order", `{"x":2}`, 1700000000)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], other["POLY_SIGNATURE"])
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "verylongkey", Secret: "verylongsecret"}
	s := auth.String()
	assert.NotContains(t, s, "verylongkey")
	assert.NotContains(t, s, "verylongsecret")
	assert.Contains(t, s, "very****")
}
