package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/alecgard/bursar/internal/agent"
	"github.com/alecgard/bursar/internal/auth"
	"github.com/go-chi/chi/v5"
)

// requestsHandler groups budget change request HTTP handlers (admin).
type requestsHandler struct {
	requests *agent.RequestStore
	agents   *agent.Store
}

func newRequestsHandler(requests *agent.RequestStore, agents *agent.Store) *requestsHandler {
	return &requestsHandler{requests: requests, agents: agents}
}

// actor identifies who made a decision, from whichever principal is on
// the request context.
func actor(r *http.Request) string {
	if u := auth.UserFromContext(r.Context()); u != nil {
		return u.Email
	}
	if a := auth.ApproverFromContext(r.Context()); a != nil {
		return a.Name
	}
	return ""
}

// CreateRequest handles POST /api/v1/budget-requests.
func (h *requestsHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Amount  int64  `json:"amount"`
		Reason  string `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "agent_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "amount must be positive")
		return
	}

	if _, err := h.agents.GetByID(r.Context(), req.AgentID); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check agent")
		return
	}

	cr, err := h.requests.Create(r.Context(), agent.CreateChangeRequestInput{
		AgentID:     req.AgentID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		RequestedBy: actor(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create change request")
		return
	}

	auditLog(r, "create", "budget_request", cr.ID, "agent_id", cr.AgentID, "amount", cr.Amount)
	writeJSON(w, http.StatusCreated, cr)
}

// GetRequest handles GET /api/v1/budget-requests/{id}.
func (h *requestsHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	cr, err := h.requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, agent.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "change request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get change request")
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// ListRequests handles GET /api/v1/budget-requests?agent_id=&status=.
func (h *requestsHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	}

	requests, err := h.requests.List(r.Context(), agentID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list change requests")
		return
	}
	if requests == nil {
		requests = []*agent.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// Approve handles POST /api/v1/budget-requests/{id}/approve. Approval
// applies the amount to the agent's ledger in the same transaction
// that flips the request out of pending.
func (h *requestsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve", h.requests.Approve)
}

// Reject handles POST /api/v1/budget-requests/{id}/reject.
func (h *requestsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "reject", h.requests.Reject)
}

// Cancel handles POST /api/v1/budget-requests/{id}/cancel.
func (h *requestsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "cancel", h.requests.Cancel)
}

func (h *requestsHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	fn func(ctx context.Context, id, decidedBy string) (*agent.ChangeRequest, error),
) {
	id := chi.URLParam(r, "id")
	cr, err := fn(r.Context(), id, actor(r))
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrRequestNotFound):
			writeError(w, http.StatusNotFound, "not_found", "change request not found")
		case errors.Is(err, agent.ErrRequestDecided):
			writeError(w, http.StatusConflict, "conflict", "change request already decided")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to decide change request")
		}
		return
	}

	auditLog(r, action, "budget_request", cr.ID, "agent_id", cr.AgentID, "amount", cr.Amount)
	writeJSON(w, http.StatusOK, cr)
}
