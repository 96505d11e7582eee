// Package provider manages the registry of upstream LLM provider API
// keys. Key material is envelope-encrypted with the master key on
// write and only ever decrypted in memory, on demand, to build an IP
// Token or forward a proxied call.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/bursar/internal/token"
)

var (
	ErrNotFound = errors.New("provider key not found")
	ErrDisabled = errors.New("provider key disabled")
)

// Store provides database operations for provider keys.
type Store struct {
	pool   *pgxpool.Pool
	master *token.Envelope
}

// NewStore creates a provider key store. The master envelope encrypts
// key material at rest.
func NewStore(pool *pgxpool.Pool, master *token.Envelope) *Store {
	return &Store{pool: pool, master: master}
}

const keyColumns = `id, provider, base_url, encrypted_key, enabled, created_at, updated_at`

func scanKey(row pgx.Row) (*Key, error) {
	k := &Key{}
	err := row.Scan(&k.ID, &k.Provider, &k.BaseURL, &k.EncryptedKey, &k.Enabled, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Create encrypts and registers a new provider key.
func (s *Store) Create(ctx context.Context, in CreateKeyInput) (*Key, error) {
	encrypted, err := s.master.Seal(in.PlaintextKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting provider key: %w", err)
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	k, err := scanKey(s.pool.QueryRow(ctx,
		`INSERT INTO provider_keys (id, provider, base_url, encrypted_key, enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+keyColumns,
		"pk_"+uuid.NewString(), in.Provider, in.BaseURL, encrypted, enabled,
	))
	if err != nil {
		return nil, fmt.Errorf("creating provider key: %w", err)
	}
	return k, nil
}

// Get retrieves a provider key record by id.
func (s *Store) Get(ctx context.Context, id string) (*Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM provider_keys WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("getting provider key: %w", err)
	}
	return k, nil
}

// GetByProvider returns the newest enabled key for a provider.
func (s *Store) GetByProvider(ctx context.Context, providerName string) (*Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM provider_keys
		 WHERE provider = $1 AND enabled
		 ORDER BY created_at DESC
		 LIMIT 1`, providerName))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("getting provider key by provider: %w", err)
	}
	return k, nil
}

// List returns all provider keys with masked key material for display.
func (s *Store) List(ctx context.Context) ([]*Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM provider_keys ORDER BY provider, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing provider keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k := &Key{}
		if err := rows.Scan(&k.ID, &k.Provider, &k.BaseURL, &k.EncryptedKey, &k.Enabled, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider key row: %w", err)
		}
		if secret, derr := s.Decrypt(k); derr == nil {
			k.MaskedKey = MaskKey(secret.String())
			secret.Zero()
		}
		k.EncryptedKey = ""
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider key rows: %w", err)
	}
	return keys, nil
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_keys SET enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("updating provider key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Rotate replaces a key's material in place. The precondition in the
// WHERE clause makes concurrent rotations race cleanly: exactly one
// caller matches the row it read, the other sees zero rows affected
// and reports a conflict.
func (s *Store) Rotate(ctx context.Context, id, currentEncrypted, newPlaintext string) error {
	encrypted, err := s.master.Seal(newPlaintext)
	if err != nil {
		return fmt.Errorf("encrypting rotated key: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_keys SET encrypted_key = $3, updated_at = now()
		 WHERE id = $1 AND encrypted_key = $2`,
		id, currentEncrypted, encrypted)
	if err != nil {
		return fmt.Errorf("rotating provider key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Decrypt recovers a key's plaintext material. Callers must Zero the
// returned secret as soon as it has been used.
func (s *Store) Decrypt(k *Key) (*token.Secret, error) {
	return s.master.Open(k.EncryptedKey)
}

// ResolveUsable returns the provider key to use for a handshake:
// either the key with the given id or, when id is empty, the newest
// enabled key for the provider. Disabled keys are rejected either way.
func (s *Store) ResolveUsable(ctx context.Context, providerName, keyID string) (*Key, error) {
	if keyID == "" {
		return s.GetByProvider(ctx, providerName)
	}
	k, err := s.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !k.Enabled {
		return nil, ErrDisabled
	}
	if k.Provider != providerName {
		return nil, ErrNotFound
	}
	return k, nil
}
