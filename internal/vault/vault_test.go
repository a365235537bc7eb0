package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	cases := []string{
		"",
		"hunter2",
		"0xdeadbeefcafe0123456789",
		"key with spaces and unicode ✓ ☃",
		strings.Repeat("x", 4096),
	}
	for _, plaintext := range cases {
		ct, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(ct))
		if len(plaintext) >= 8 {
			assert.NotContains(t, ct, plaintext[:8])
		}

		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	a, err := v.Encrypt("secret")
	require.NoError(t, err)
	b, err := v.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	v1, err := New("master-key-one")
	require.NoError(t, err)
	v2, err := New("master-key-two")
	require.NoError(t, err)

	ct, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(ct)
	assert.Error(t, err)
}

func TestDecryptPlaintextFallback(t *testing.T) {
	strict, err := New("k")
	require.NoError(t, err)
	_, err = strict.Decrypt("legacy-plaintext-api-key")
	assert.Error(t, err, "fallback is off by default")

	lenient, err := New("k", WithPlaintextFallback())
	require.NoError(t, err)
	got, err := lenient.Decrypt("legacy-plaintext-api-key")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext-api-key", got)
}

func TestDecryptMalformed(t *testing.T) {
	v, err := New("k")
	require.NoError(t, err)

	for _, bad := range []string{
		"enc:v1:",
		"enc:v1:!!!not-base64!!!",
		"enc:v1:AAAA",
	} {
		_, err := v.Decrypt(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRequiresMasterKey(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, domain.ErrMissingMasterKey)
}

func TestGenerateMasterKey(t *testing.T) {
	a, err := GenerateMasterKey()
	require.NoError(t, err)
	b, err := GenerateMasterKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 43, "32 bytes base64-encoded")
}
