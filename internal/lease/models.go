package lease

import "time"

// Lease statuses. Active is the only non-terminal state; once a lease
// leaves it, no operation may bring it back.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
	StatusClosed  = "closed"
)

// Lease is a time- and amount-boxed budget grant for one agent. All
// amounts are microdollars.
type Lease struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	BudgetID       string     `json:"budget_id"`
	BudgetGranted  int64      `json:"budget_granted"`
	BudgetSpent    int64      `json:"budget_spent"`
	ReturnedAmount *int64     `json:"returned_amount,omitempty"`
	Status         string     `json:"lease_status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// Remaining returns the unspent part of the grant, floored at zero.
func (l *Lease) Remaining() int64 {
	if r := l.BudgetGranted - l.BudgetSpent; r > 0 {
		return r
	}
	return 0
}

// Expired reports whether the lease's deadline has passed, regardless
// of the stored status.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(now)
}

// ListParams filters and paginates lease listings.
type ListParams struct {
	AgentID string
	Status  string
	Limit   int
	Cursor  string
}
