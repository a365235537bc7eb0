package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Decrypter opens sealed secret values. Encrypter seals them for storage.
// Both are satisfied by the vault.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Encrypter seals plaintext secret values for storage.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// SecretStore implements domain.SecretStore for one tenant: rows are sealed
// at rest and decrypted on read. Decrypted values are cached in memory with
// a TTL so hot paths do not re-derive on every call; a row that fails to
// decrypt is skipped with the error reported so one bad secret does not
// block the rest.
type SecretStore struct {
	pool     *pgxpool.Pool
	tenantID string
	dec      Decrypter
	enc      Encrypter
	ttl      time.Duration

	mu       sync.Mutex
	cached   map[string]string
	cachedAt time.Time
}

// NewSecretStore creates a tenant-scoped SecretStore. vault provides both
// directions of the seal; ttl bounds cache staleness (0 means 5 minutes).
func NewSecretStore(pool *pgxpool.Pool, tenantID string, dec Decrypter, enc Encrypter, ttl time.Duration) *SecretStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretStore{pool: pool, tenantID: tenantID, dec: dec, enc: enc, ttl: ttl}
}

// Load returns the tenant's decrypted secrets by name. forceRefresh bypasses
// the TTL cache, which credential-rotation paths use after a Put.
func (s *SecretStore) Load(ctx context.Context, forceRefresh bool) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forceRefresh && s.cached != nil && time.Since(s.cachedAt) < s.ttl {
		out := make(map[string]string, len(s.cached))
		for k, v := range s.cached {
			out[k] = v
		}
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, value FROM tenant_secrets WHERE tenant_id = $1`,
		s.tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load secrets: %w", err)
	}
	defer rows.Close()

	secrets := make(map[string]string)
	var firstDecryptErr error
	for rows.Next() {
		var name, sealed string
		if err := rows.Scan(&name, &sealed); err != nil {
			return nil, fmt.Errorf("postgres: scan secret: %w", err)
		}
		plain, err := s.dec.Decrypt(sealed)
		if err != nil {
			if firstDecryptErr == nil {
				firstDecryptErr = fmt.Errorf("postgres: decrypt secret %s: %w", name, err)
			}
			continue
		}
		secrets[name] = plain
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load secrets: %w", err)
	}
	if len(secrets) == 0 && firstDecryptErr != nil {
		return nil, firstDecryptErr
	}

	s.cached = secrets
	s.cachedAt = time.Now()

	out := make(map[string]string, len(secrets))
	for k, v := range secrets {
		out[k] = v
	}
	return out, nil
}

// Put seals plaintext and upserts the named secret, then invalidates the
// cache so the next Load sees the rotation.
func (s *SecretStore) Put(ctx context.Context, name, plaintext string) error {
	sealed, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("postgres: seal secret %s: %w", name, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_secrets (tenant_id, name, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			value = EXCLUDED.value, updated_at = NOW()`,
		s.tenantID, name, sealed,
	)
	if err != nil {
		return fmt.Errorf("postgres: put secret %s: %w", name, err)
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return nil
}
