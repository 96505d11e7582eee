package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage transactions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of transactions to the database in a single
// multi-row INSERT statement. It is a no-op when txns is empty.
func (s *Store) BatchInsert(ctx context.Context, txns []Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	const cols = 10 // columns per row (excluding server-generated id)
	args := make([]any, 0, len(txns)*cols)
	rows := make([]string, 0, len(txns))

	for i, tx := range txns {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		costSource := tx.CostSource
		if costSource == "" {
			costSource = "reported"
		}
		recordedAt := tx.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		args = append(args,
			tx.LeaseID,
			tx.AgentID,
			tx.Provider,
			tx.Model,
			tx.RequestID,
			tx.TokensIn,
			tx.TokensOut,
			tx.Cost,
			costSource,
			recordedAt,
		)
	}

	query := `INSERT INTO usage_transactions
		(lease_id, agent_id, provider, model, request_id, tokens_in,
		 tokens_out, cost_microdollars, cost_source, recorded_at)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting usage transactions: %w", err)
	}

	return nil
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(cost_microdollars), 0),
		COALESCE(SUM(tokens_in), 0),
		COALESCE(SUM(tokens_out), 0)
	FROM usage_transactions` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalCost,
		&summary.TotalTokensIn,
		&summary.TotalTokensOut,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// GetProviderCallCounts returns the total number of transactions per provider.
func (s *Store) GetProviderCallCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, COUNT(*) FROM usage_transactions GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("querying provider call counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var provider string
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("scanning provider call count: %w", err)
		}
		counts[provider] = count
	}
	return counts, rows.Err()
}

// ListTransactions returns a page of transactions matching the query filters,
// ordered by recorded_at DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) ListTransactions(ctx context.Context, q UsageQuery) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "recorded_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (recorded_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, lease_id, agent_id, provider, model, request_id,
		tokens_in, tokens_out, cost_microdollars, cost_source, recorded_at
	FROM usage_transactions` + where +
		` ORDER BY recorded_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(
			&tx.ID, &tx.LeaseID, &tx.AgentID, &tx.Provider, &tx.Model,
			&tx.RequestID, &tx.TokensIn, &tx.TokensOut, &tx.Cost,
			&tx.CostSource, &tx.RecordedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage transaction row: %w", err)
		}
		txns = append(txns, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage transaction rows: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.RecordedAt, last.ID)
		txns = txns[:limit]
	}

	return txns, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.LeaseID != "" {
		args = append(args, q.LeaseID)
		conditions = append(conditions, fmt.Sprintf("lease_id = $%d", len(args)))
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		conditions = append(conditions, fmt.Sprintf("provider = $%d", len(args)))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("recorded_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
