package user

import (
	"context"
	"fmt"

	"github.com/alecgard/bursar/internal/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApproverStore provides database operations for approver credentials.
type ApproverStore struct {
	pool *pgxpool.Pool
}

// NewApproverStore creates a new approver store backed by the given pool.
func NewApproverStore(pool *pgxpool.Pool) *ApproverStore {
	return &ApproverStore{pool: pool}
}

// Create mints a new approver credential and stores its hash and prefix.
// It returns the stored record and the full plaintext key, which is shown
// once and never persisted.
func (s *ApproverStore) Create(ctx context.Context, name, role string) (*ApproverRecord, string, error) {
	if role == "" {
		role = "approver"
	}

	key, plaintext, err := auth.GenerateApproverKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating approver key: %w", err)
	}

	rec := &ApproverRecord{}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO approver_keys (name, role, key_hash, key_prefix)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, name, role, key_hash, key_prefix, created_at`,
		name, role, key.Hash, key.Prefix,
	).Scan(&rec.ID, &rec.Name, &rec.Role, &rec.KeyHash, &rec.KeyPrefix, &rec.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("creating approver key: %w", err)
	}

	return rec, plaintext, nil
}

// GetByKeyHash looks up an approver credential by its key hash.
func (s *ApproverStore) GetByKeyHash(ctx context.Context, hash string) (*ApproverRecord, error) {
	rec := &ApproverRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, role, key_hash, key_prefix, created_at
		 FROM approver_keys WHERE key_hash = $1`, hash,
	).Scan(&rec.ID, &rec.Name, &rec.Role, &rec.KeyHash, &rec.KeyPrefix, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting approver by key hash: %w", err)
	}
	return rec, nil
}

// List returns all approver credentials ordered by created_at DESC.
func (s *ApproverStore) List(ctx context.Context) ([]*ApproverRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, role, key_hash, key_prefix, created_at
		 FROM approver_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing approver keys: %w", err)
	}
	defer rows.Close()

	var recs []*ApproverRecord
	for rows.Next() {
		rec := &ApproverRecord{}
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Role, &rec.KeyHash, &rec.KeyPrefix, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning approver key row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes an approver credential by id, revoking it.
func (s *ApproverStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approver_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting approver key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
