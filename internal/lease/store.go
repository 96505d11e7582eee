// Package lease persists budget leases and their state transitions.
// Every mutating statement carries its own status precondition in the
// WHERE clause; a zero-rows-affected result is a lost race or an
// invalid transition, diagnosed by re-reading the row, never retried
// blindly.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound           = errors.New("lease not found")
	ErrExpired            = errors.New("lease expired")
	ErrRevoked            = errors.New("lease revoked")
	ErrClosed             = errors.New("lease closed")
	ErrNotActive          = errors.New("lease not active")
	ErrInsufficientBudget = errors.New("insufficient lease budget")
)

// StatusError returns the sentinel matching a lease's non-active
// status, or nil for an active lease.
func StatusError(status string) error {
	switch status {
	case StatusActive:
		return nil
	case StatusExpired:
		return ErrExpired
	case StatusRevoked:
		return ErrRevoked
	case StatusClosed:
		return ErrClosed
	default:
		return ErrNotActive
	}
}

// Store provides database operations for budget leases.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a lease store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewLeaseID returns a fresh lease identifier.
func NewLeaseID() string {
	return "lease_" + uuid.NewString()
}

const leaseColumns = `id, agent_id, budget_id, budget_granted, budget_spent,
	returned_amount, lease_status, created_at, expires_at, closed_at, last_used_at`

// Create inserts a new active lease. Callers reserve the grant in the
// agent ledger first; a lease must never exist without a backing
// reservation.
func (s *Store) Create(ctx context.Context, agentID, budgetID string, granted int64, ttl time.Duration) (*Lease, error) {
	if granted <= 0 {
		return nil, fmt.Errorf("lease grant must be positive, got %d", granted)
	}

	l := &Lease{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO budget_leases
			(id, agent_id, budget_id, budget_granted, budget_spent, lease_status, expires_at)
		 VALUES ($1, $2, $3, $4, 0, 'active', now() + $5)
		 RETURNING `+leaseColumns,
		NewLeaseID(), agentID, budgetID, granted, ttl,
	).Scan(
		&l.ID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
		&l.ReturnedAmount, &l.Status, &l.CreatedAt, &l.ExpiresAt, &l.ClosedAt, &l.LastUsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating lease: %w", err)
	}
	return l, nil
}

// Get retrieves a lease by id. Callers must independently check the
// status and deadline; a lease's authorization can change between
// issue and use.
func (s *Store) Get(ctx context.Context, id string) (*Lease, error) {
	l := &Lease{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases WHERE id = $1`, id,
	).Scan(
		&l.ID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
		&l.ReturnedAmount, &l.Status, &l.CreatedAt, &l.ExpiresAt, &l.ClosedAt, &l.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting lease: %w", err)
	}
	return l, nil
}

// RecordUsage adds cost to the lease's spent counter. The update
// carries its own preconditions: the lease must be active and must
// have headroom for the full cost. On zero rows affected the lease is
// re-read to return the precise sentinel.
func (s *Store) RecordUsage(ctx context.Context, id string, cost int64) (*Lease, error) {
	if cost < 0 {
		return nil, fmt.Errorf("usage cost must not be negative, got %d", cost)
	}

	l := &Lease{}
	err := s.pool.QueryRow(ctx,
		`UPDATE budget_leases
		 SET budget_spent = budget_spent + $2, last_used_at = now()
		 WHERE id = $1
		   AND lease_status = 'active'
		   AND budget_spent + $2 <= budget_granted
		 RETURNING `+leaseColumns,
		id, cost,
	).Scan(
		&l.ID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
		&l.ReturnedAmount, &l.Status, &l.CreatedAt, &l.ExpiresAt, &l.ClosedAt, &l.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.diagnose(ctx, id, cost)
	}
	if err != nil {
		return nil, fmt.Errorf("recording lease usage: %w", err)
	}
	return l, nil
}

// diagnose explains why a guarded update matched no rows.
func (s *Store) diagnose(ctx context.Context, id string, cost int64) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if serr := StatusError(l.Status); serr != nil {
		return serr
	}
	if cost > l.Remaining() {
		return ErrInsufficientBudget
	}
	return ErrNotActive
}

// Touch refreshes the liveness timestamp on an active lease so an
// idle-expiry sweep does not reap a lease still in use.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE budget_leases SET last_used_at = now()
		 WHERE id = $1 AND lease_status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("touching lease: %w", err)
	}
	return nil
}

// Expire transitions an active lease to expired.
func (s *Store) Expire(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusExpired)
}

// Revoke transitions an active lease to revoked.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusRevoked)
}

func (s *Store) transition(ctx context.Context, id, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE budget_leases SET lease_status = $2
		 WHERE id = $1 AND lease_status = 'active'`,
		id, to)
	if err != nil {
		return fmt.Errorf("transitioning lease to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		l, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return StatusError(l.Status)
	}
	return nil
}

// Close terminally closes an active lease and records the unspent
// portion of the grant. The returned amount is what the caller must
// hand back to the agent ledger.
func (s *Store) Close(ctx context.Context, id string) (int64, error) {
	var returned int64
	err := s.pool.QueryRow(ctx,
		`UPDATE budget_leases
		 SET lease_status = 'closed',
		     closed_at = now(),
		     returned_amount = GREATEST(budget_granted - budget_spent, 0)
		 WHERE id = $1 AND lease_status = 'active'
		 RETURNING returned_amount`,
		id,
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		l, gerr := s.Get(ctx, id)
		if gerr != nil {
			return 0, gerr
		}
		return 0, StatusError(l.Status)
	}
	if err != nil {
		return 0, fmt.Errorf("closing lease: %w", err)
	}
	return returned, nil
}

// ExpireOverdue flips every active lease whose deadline has passed and
// returns how many rows changed. Expiry is otherwise lazy (checked on
// access); this sweep keeps listings honest.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE budget_leases SET lease_status = 'expired'
		 WHERE lease_status = 'active' AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("expiring overdue leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns a page of leases ordered by created_at DESC, id DESC
// using cursor-based pagination, with the next cursor (empty if no
// more results).
func (s *Store) List(ctx context.Context, params ListParams) ([]*Lease, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	where := ` WHERE 1=1`
	var args []any
	if params.AgentID != "" {
		args = append(args, params.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if params.Status != "" {
		args = append(args, params.Status)
		where += fmt.Sprintf(" AND lease_status = $%d", len(args))
	}
	if params.Cursor != "" {
		ts, id, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, ts, id)
		where += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, limit+1)
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM budget_leases`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, "", fmt.Errorf("listing leases: %w", err)
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		l := &Lease{}
		if err := rows.Scan(
			&l.ID, &l.AgentID, &l.BudgetID, &l.BudgetGranted, &l.BudgetSpent,
			&l.ReturnedAmount, &l.Status, &l.CreatedAt, &l.ExpiresAt, &l.ClosedAt, &l.LastUsedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning lease row: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating lease rows: %w", err)
	}

	var nextCursor string
	if len(leases) > limit {
		last := leases[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		leases = leases[:limit]
	}
	return leases, nextCursor, nil
}
