package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// leasesHandler groups lease inspection and revocation handlers (admin).
type leasesHandler struct {
	leases  *lease.Store
	metrics *metrics.Metrics
}

func newLeasesHandler(leases *lease.Store, m *metrics.Metrics) *leasesHandler {
	return &leasesHandler{leases: leases, metrics: m}
}

// ListLeases handles GET /api/v1/leases.
func (h *leasesHandler) ListLeases(w http.ResponseWriter, r *http.Request) {
	params := lease.ListParams{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  r.URL.Query().Get("status"),
		Cursor:  r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	leases, nextCursor, err := h.leases.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list leases")
		return
	}
	if leases == nil {
		leases = []*lease.Lease{}
	}

	resp := map[string]interface{}{"leases": leases}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLease handles GET /api/v1/leases/{id}.
func (h *leasesHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := h.leases.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "lease not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get lease")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RevokeLease handles POST /api/v1/leases/{id}/revoke. Revocation does
// not restore the lease's unspent grant to the ledger; the reservation
// stays burned until an operator adds budget back explicitly.
func (h *leasesHandler) RevokeLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.leases.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "lease not found")
			return
		}
		if writeLeaseError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke lease")
		return
	}

	if h.metrics != nil {
		h.metrics.IncLeaseEnded(lease.StatusRevoked)
	}
	auditLog(r, "revoke", "lease", id)

	l, err := h.leases.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reload lease")
		return
	}
	writeJSON(w, http.StatusOK, l)
}
