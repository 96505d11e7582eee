package agent

import "time"

// Agent is a registered workload identity. Agents never hold provider
// credentials; they hold an IC Token minted against this record.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Team      string    `json:"team,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAgentInput holds the fields required to register a new agent.
// InitialBudget seeds the agent's ledger row in microdollars.
type CreateAgentInput struct {
	Name          string `json:"name"`
	Team          string `json:"team"`
	InitialBudget int64  `json:"initial_budget"`
}

// ListParams controls cursor-based pagination for listing agents.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

// Change request statuses. Pending is the only state that accepts a
// decision.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestCanceled = "canceled"
)

// ChangeRequest is a pending budget top-up awaiting an approver's
// decision. Amount is microdollars.
type ChangeRequest struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason,omitempty"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// CreateChangeRequestInput holds the fields for a new change request.
type CreateChangeRequestInput struct {
	AgentID     string `json:"agent_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}
