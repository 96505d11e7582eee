package metering

import "time"

// Transaction records a single metered provider call against a lease.
// Cost is in microdollars.
type Transaction struct {
	ID         string    `json:"id"`
	LeaseID    string    `json:"lease_id"`
	AgentID    string    `json:"agent_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	RequestID  string    `json:"request_id"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	Cost       int64     `json:"cost_microdollars"`
	CostSource string    `json:"cost_source"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UsageSummary holds aggregate metrics for a set of transactions.
type UsageSummary struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalCost      int64 `json:"total_cost_microdollars"`
	TotalTokensIn  int64 `json:"total_tokens_in"`
	TotalTokensOut int64 `json:"total_tokens_out"`
}

// UsageQuery defines filters and pagination for querying transactions.
type UsageQuery struct {
	AgentID  string    `json:"agent_id,omitempty"`
	LeaseID  string    `json:"lease_id,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Cursor   string    `json:"cursor,omitempty"`
	Limit    int       `json:"limit"`
}
