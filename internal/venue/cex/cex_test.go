package cex

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func TestFeeTable(t *testing.T) {
	fees := Fees(domain.VenueCoinbase)
	assert.Equal(t, "0.006", fees.Maker.String())
	assert.Equal(t, "0.012", fees.Taker.String())

	// 1000 USD taker notional on Kraken at 26 bps.
	assert.InDelta(t, 2.6, Fees(domain.VenueKraken).TakerFeeUSD(1000), 1e-9)

	// Unknown venues fall through to a zero schedule.
	assert.True(t, Fees(domain.VenuePolymarket).Maker.IsZero())
}

func TestHMACHelpers(t *testing.T) {
	// RFC 4231 test case 2: key "Jefe", data "what do ya want for nothing?".
	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		hmacHex("Jefe", "what do ya want for nothing?"))

	raw := hmacB64([]byte("Jefe"), "what do ya want for nothing?")
	decoded, err := base64.StdEncoding.DecodeString(raw)
	assert.NoError(t, err)
	assert.Len(t, decoded, 32)

	raw512 := hmacB64SHA512([]byte("Jefe"), []byte("what do ya want for nothing?"))
	decoded, err = base64.StdEncoding.DecodeString(raw512)
	assert.NoError(t, err)
	assert.Len(t, decoded, 64)
}

func TestPairsToLevels(t *testing.T) {
	levels := pairsToLevels([][2]string{{"101.5", "2"}, {"101.0", "0.5"}, {"bad", "1"}})
	assert.Len(t, levels, 2)
	assert.Equal(t, 101.5, levels[0].Price)
	assert.Equal(t, 0.5, levels[1].Size)
}

func TestTrimF(t *testing.T) {
	assert.Equal(t, "0.5", trimF(0.5))
	assert.Equal(t, "100", trimF(100))
	assert.Equal(t, "0.00000001", trimF(1e-8))
}

func TestNotSupported(t *testing.T) {
	err := notSupported(domain.VenueKraken, "positions")
	assert.ErrorIs(t, err, domain.ErrNotSupported)
	assert.Contains(t, err.Error(), "positions")
}
