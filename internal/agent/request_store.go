package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRequestNotFound = errors.New("change request not found")
	ErrRequestDecided  = errors.New("change request already decided")
)

// RequestStore provides database operations for budget change requests.
// Decisions carry a pending-only precondition in the WHERE clause, so a
// request can be decided exactly once even under concurrent approvers.
type RequestStore struct {
	pool *pgxpool.Pool
}

// NewRequestStore creates a change request store backed by the given pool.
func NewRequestStore(pool *pgxpool.Pool) *RequestStore {
	return &RequestStore{pool: pool}
}

// NewRequestID returns a fresh change request identifier.
func NewRequestID() string {
	return "breq_" + uuid.NewString()
}

const requestColumns = `id, agent_id, amount, reason, status,
	requested_by, decided_by, created_at, decided_at`

// Create inserts a new pending change request.
func (s *RequestStore) Create(ctx context.Context, in CreateChangeRequestInput) (*ChangeRequest, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("request amount must be positive, got %d", in.Amount)
	}
	cr := &ChangeRequest{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO budget_change_requests (id, agent_id, amount, reason, status, requested_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+requestColumns,
		NewRequestID(), in.AgentID, in.Amount, in.Reason, RequestPending, in.RequestedBy,
	).Scan(&cr.ID, &cr.AgentID, &cr.Amount, &cr.Reason, &cr.Status,
		&cr.RequestedBy, &cr.DecidedBy, &cr.CreatedAt, &cr.DecidedAt)
	if err != nil {
		return nil, fmt.Errorf("creating change request: %w", err)
	}
	return cr, nil
}

// Get retrieves a change request by id.
func (s *RequestStore) Get(ctx context.Context, id string) (*ChangeRequest, error) {
	cr := &ChangeRequest{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM budget_change_requests WHERE id = $1`,
		id,
	).Scan(&cr.ID, &cr.AgentID, &cr.Amount, &cr.Reason, &cr.Status,
		&cr.RequestedBy, &cr.DecidedBy, &cr.CreatedAt, &cr.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting change request: %w", err)
	}
	return cr, nil
}

// List returns change requests for an agent, newest first, optionally
// filtered by status.
func (s *RequestStore) List(ctx context.Context, agentID, status string) ([]*ChangeRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM budget_change_requests WHERE agent_id = $1`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing change requests: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRequest
	for rows.Next() {
		cr := &ChangeRequest{}
		if err := rows.Scan(&cr.ID, &cr.AgentID, &cr.Amount, &cr.Reason, &cr.Status,
			&cr.RequestedBy, &cr.DecidedBy, &cr.CreatedAt, &cr.DecidedAt); err != nil {
			return nil, fmt.Errorf("scanning change request row: %w", err)
		}
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating change request rows: %w", err)
	}
	return out, nil
}

// Approve flips a pending request to approved and applies the amount to
// the agent's ledger row inside one transaction. A decided or missing
// request leaves the ledger untouched.
func (s *RequestStore) Approve(ctx context.Context, id, decidedBy string) (*ChangeRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cr := &ChangeRequest{}
	err = tx.QueryRow(ctx,
		`UPDATE budget_change_requests
		 SET status = $1, decided_by = $2, decided_at = now()
		 WHERE id = $3 AND status = $4
		 RETURNING `+requestColumns,
		RequestApproved, decidedBy, id, RequestPending,
	).Scan(&cr.ID, &cr.AgentID, &cr.Amount, &cr.Reason, &cr.Status,
		&cr.RequestedBy, &cr.DecidedBy, &cr.CreatedAt, &cr.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.diagnose(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approving change request: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE agent_budgets
		 SET total_allocated = total_allocated + $1,
		     budget_remaining = budget_remaining + $1,
		     updated_at = now()
		 WHERE agent_id = $2`,
		cr.Amount, cr.AgentID,
	)
	if err != nil {
		return nil, fmt.Errorf("applying approved budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("applying approved budget: no ledger row for agent %s", cr.AgentID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing approval: %w", err)
	}
	return cr, nil
}

// Reject flips a pending request to rejected.
func (s *RequestStore) Reject(ctx context.Context, id, decidedBy string) (*ChangeRequest, error) {
	return s.decide(ctx, id, RequestRejected, decidedBy)
}

// Cancel flips a pending request to canceled.
func (s *RequestStore) Cancel(ctx context.Context, id, decidedBy string) (*ChangeRequest, error) {
	return s.decide(ctx, id, RequestCanceled, decidedBy)
}

func (s *RequestStore) decide(ctx context.Context, id, status, decidedBy string) (*ChangeRequest, error) {
	cr := &ChangeRequest{}
	err := s.pool.QueryRow(ctx,
		`UPDATE budget_change_requests
		 SET status = $1, decided_by = $2, decided_at = now()
		 WHERE id = $3 AND status = $4
		 RETURNING `+requestColumns,
		status, decidedBy, id, RequestPending,
	).Scan(&cr.ID, &cr.AgentID, &cr.Amount, &cr.Reason, &cr.Status,
		&cr.RequestedBy, &cr.DecidedBy, &cr.CreatedAt, &cr.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.diagnose(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("deciding change request: %w", err)
	}
	return cr, nil
}

// diagnose distinguishes a missing request from one already decided
// after a zero-row update.
func (s *RequestStore) diagnose(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM budget_change_requests WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("diagnosing change request %s: %w", id, err)
	}
	return fmt.Errorf("%w: status is %s", ErrRequestDecided, status)
}
