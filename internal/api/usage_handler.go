package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/bursar/internal/metering"
)

// usageHandler groups metering query HTTP handlers (admin).
type usageHandler struct {
	meter *metering.Store
}

func newUsageHandler(meter *metering.Store) *usageHandler {
	return &usageHandler{meter: meter}
}

// parseUsageQuery builds a UsageQuery from request query parameters.
func parseUsageQuery(r *http.Request) (metering.UsageQuery, string) {
	q := metering.UsageQuery{
		AgentID:  r.URL.Query().Get("agent_id"),
		LeaseID:  r.URL.Query().Get("lease_id"),
		Provider: r.URL.Query().Get("provider"),
		Model:    r.URL.Query().Get("model"),
		Cursor:   r.URL.Query().Get("cursor"),
	}

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return q, "from must be RFC3339"
		}
		q.From = t
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return q, "to must be RFC3339"
		}
		q.To = t
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			return q, "limit must be a positive integer"
		}
		q.Limit = l
	}
	return q, ""
}

// GetSummary handles GET /api/v1/usage/summary.
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, problem := parseUsageQuery(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", problem)
		return
	}

	summary, err := h.meter.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListTransactions handles GET /api/v1/usage/transactions.
func (h *usageHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q, problem := parseUsageQuery(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", problem)
		return
	}

	txns, nextCursor, err := h.meter.ListTransactions(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}
	if txns == nil {
		txns = []*metering.Transaction{}
	}

	resp := map[string]interface{}{"transactions": txns}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProviderCallCounts handles GET /api/v1/usage/providers.
func (h *usageHandler) GetProviderCallCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.meter.GetProviderCallCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to count provider calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": counts})
}
