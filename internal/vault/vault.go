// Package vault provides symmetric encryption of tenant secrets under a
// single process-wide master key. Ciphertexts are self-describing via the
// "enc:v1:" prefix; key derivation is PBKDF2-HMAC-SHA256 with a fixed salt
// so every process with the same master key derives the same AES key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tradefleet/tradefleet/internal/domain"
)

const (
	// ciphertextPrefix marks vault-encrypted payloads on the wire and in the
	// secrets table.
	ciphertextPrefix = "enc:v1:"

	// kdfIterations matches the iteration count used by every deployed
	// secret row. Changing it invalidates all stored ciphertexts.
	kdfIterations = 100_000

	// kdfSalt is fixed: the same master key must derive the same AES key in
	// every process that reads the shared secrets table.
	kdfSalt = "tradefleet-secrets-v1"

	aesKeyLen    = 32
	masterKeyLen = 32
)

// Vault encrypts and decrypts secrets with a key derived from the master key.
type Vault struct {
	aead cipher.AEAD

	// AllowPlaintext permits Decrypt to pass through values that lack the
	// ciphertext prefix. It exists only for migrating legacy plaintext rows
	// and defaults to off.
	allowPlaintext bool
}

// Option configures a Vault.
type Option func(*Vault)

// WithPlaintextFallback lets Decrypt return non-prefixed input unchanged
// instead of failing. Only enable while legacy plaintext secret rows remain.
func WithPlaintextFallback() Option {
	return func(v *Vault) { v.allowPlaintext = true }
}

// New derives the AES-256-GCM AEAD from masterKey and returns a ready Vault.
func New(masterKey string, opts ...Option) (*Vault, error) {
	if masterKey == "" {
		return nil, domain.ErrMissingMasterKey
	}

	derived := pbkdf2.Key([]byte(masterKey), []byte(kdfSalt), kdfIterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}

	v := &Vault{aead: aead}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Encrypt seals plaintext and returns a prefixed, base64-encoded ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(nonce, sealed...)

	return ciphertextPrefix + base64.URLEncoding.EncodeToString(payload), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Input without the
// recognized prefix is returned unchanged only when the plaintext fallback
// was enabled; otherwise it is an error.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		if v.allowPlaintext {
			return ciphertext, nil
		}
		return "", errors.New("vault: input is not a vault ciphertext")
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decoding ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+1 {
		return "", errors.New("vault: ciphertext too short")
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed (wrong master key?): %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s carries the vault ciphertext prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, ciphertextPrefix)
}

// GenerateMasterKey produces a fresh random 32-byte URL-safe master key
// suitable for the TRADEFLEET_MASTER_KEY environment variable.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("vault: generating master key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
