// Package ledger is the persistent source of truth for per-agent
// budgets. Each agent has exactly one row holding total_allocated,
// total_spent and budget_remaining, with the invariant
//
//	total_spent + budget_remaining = total_allocated
//
// maintained by every write path. Budget mutation always runs inside
// a write-locking transaction (SELECT ... FOR UPDATE); optimistic
// read-then-write sequences are not used here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAgentNotFound      = errors.New("agent budget not found")
	ErrInsufficientBudget = errors.New("insufficient budget")
)

// AgentBudget is an agent's budget row. All amounts are microdollars.
type AgentBudget struct {
	AgentID         string    `json:"agent_id"`
	TotalAllocated  int64     `json:"total_allocated"`
	TotalSpent      int64     `json:"total_spent"`
	BudgetRemaining int64     `json:"budget_remaining"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store provides database operations for agent budgets.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a ledger store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const budgetColumns = `agent_id, total_allocated, total_spent, budget_remaining,
	created_at, updated_at`

// Create seeds an agent's budget row with its initial allocation.
func (s *Store) Create(ctx context.Context, agentID string, allocated int64) (*AgentBudget, error) {
	if allocated < 0 {
		return nil, fmt.Errorf("allocation must not be negative, got %d", allocated)
	}
	b := &AgentBudget{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_budgets (agent_id, total_allocated, total_spent, budget_remaining)
		 VALUES ($1, $2, 0, $2)
		 RETURNING `+budgetColumns,
		agentID, allocated,
	).Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.BudgetRemaining, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating agent budget: %w", err)
	}
	return b, nil
}

// Get returns a point-in-time read of an agent's budget.
func (s *Store) Get(ctx context.Context, agentID string) (*AgentBudget, error) {
	b := &AgentBudget{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM agent_budgets WHERE agent_id = $1`,
		agentID,
	).Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.BudgetRemaining, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent budget: %w", err)
	}
	return b, nil
}

// CheckAndReserve atomically verifies remaining budget and moves the
// requested amount from remaining to spent, all under a row write
// lock. Two concurrent calls against the same agent cannot both read
// the same remaining value and both decide they have room. Returns the
// remaining balance after the debit; anything short of the full
// request is a hard decline with no state change.
func (s *Store) CheckAndReserve(ctx context.Context, agentID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning reservation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var remaining int64
	err = tx.QueryRow(ctx,
		`SELECT budget_remaining FROM agent_budgets WHERE agent_id = $1 FOR UPDATE`,
		agentID,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAgentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("locking agent budget: %w", err)
	}

	if remaining < amount {
		return 0, ErrInsufficientBudget
	}

	_, err = tx.Exec(ctx,
		`UPDATE agent_budgets
		 SET total_spent = total_spent + $2,
		     budget_remaining = budget_remaining - $2,
		     updated_at = now()
		 WHERE agent_id = $1`,
		agentID, amount)
	if err != nil {
		return 0, fmt.Errorf("reserving agent budget: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing reservation: %w", err)
	}
	return remaining - amount, nil
}

// Restore hands unspent reservation back: remaining grows, spent
// shrinks. Used when a lease is returned or a handshake fails after
// its reservation succeeded.
func (s *Store) Restore(ctx context.Context, agentID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("restore amount must not be negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_budgets
		 SET total_spent = total_spent - $2,
		     budget_remaining = budget_remaining + $2,
		     updated_at = now()
		 WHERE agent_id = $1 AND total_spent >= $2`,
		agentID, amount)
	if err != nil {
		return fmt.Errorf("restoring agent budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.Get(ctx, agentID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("restoring %d exceeds recorded spend for agent %s", amount, agentID)
	}
	return nil
}

// AddBudget grows an agent's allocation and remaining budget by the
// same amount, preserving the ledger invariant.
func (s *Store) AddBudget(ctx context.Context, agentID string, amount int64) (*AgentBudget, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("budget addition must be positive, got %d", amount)
	}

	b := &AgentBudget{}
	err := s.pool.QueryRow(ctx,
		`UPDATE agent_budgets
		 SET total_allocated = total_allocated + $2,
		     budget_remaining = budget_remaining + $2,
		     updated_at = now()
		 WHERE agent_id = $1
		 RETURNING `+budgetColumns,
		agentID, amount,
	).Scan(&b.AgentID, &b.TotalAllocated, &b.TotalSpent, &b.BudgetRemaining, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adding agent budget: %w", err)
	}
	return b, nil
}
