package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/bursar/internal/agent"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/token"
	"github.com/go-chi/chi/v5"
)

// defaultPermissions is the permission set minted into a fresh IC Token.
var defaultPermissions = []string{"handshake", "report", "refresh", "return"}

// agentsHandler groups agent and ledger management HTTP handlers (admin).
type agentsHandler struct {
	agents *agent.Store
	ledger *ledger.Store
	signer *token.ICSigner
}

func newAgentsHandler(agents *agent.Store, ledgerStore *ledger.Store, signer *token.ICSigner) *agentsHandler {
	return &agentsHandler{agents: agents, ledger: ledgerStore, signer: signer}
}

// CreateAgent handles POST /api/v1/agents. It registers the agent,
// seeds its ledger row, and mints an IC Token. The token is returned
// once and never stored.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name"`
		Team            string `json:"team"`
		InitialBudget   int64  `json:"initial_budget"`
		TokenTTLSeconds int64  `json:"token_ttl_seconds"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if req.InitialBudget < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "initial_budget must not be negative")
		return
	}

	a, err := h.agents.Create(r.Context(), agent.CreateAgentInput{
		Name: req.Name,
		Team: req.Team,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create agent")
		return
	}

	budget, err := h.ledger.Create(r.Context(), a.ID, req.InitialBudget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to seed agent budget")
		return
	}

	claims := token.NewICClaims(a.ID, "bud_"+a.ID, defaultPermissions,
		time.Duration(req.TokenTTLSeconds)*time.Second)
	icToken, err := h.signer.Sign(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mint agent token")
		return
	}

	auditLog(r, "create", "agent", a.ID, "name", a.Name, "initial_budget", req.InitialBudget)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent":    a,
		"budget":   budget,
		"ic_token": icToken,
	})
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAgents handles GET /api/v1/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	params := agent.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	agents, nextCursor, err := h.agents.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}

	resp := map[string]interface{}{"agents": agents}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}.
func (h *agentsHandler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete agent")
		return
	}
	auditLog(r, "delete", "agent", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetBudget handles GET /api/v1/agents/{id}/budget.
func (h *agentsHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	budget, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent budget not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent budget")
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

// AddBudget handles POST /api/v1/agents/{id}/budget/add.
func (h *agentsHandler) AddBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "amount must be positive")
		return
	}

	budget, err := h.ledger.AddBudget(r.Context(), id, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent budget not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to add budget")
		return
	}

	auditLog(r, "add_budget", "agent", id, "amount", req.Amount)
	writeJSON(w, http.StatusOK, budget)
}

// MintToken handles POST /api/v1/agents/{id}/token. It mints a fresh
// IC Token for an existing agent, for rotation after a suspected leak.
func (h *agentsHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}

	var req struct {
		TokenTTLSeconds int64 `json:"token_ttl_seconds"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
			return
		}
	}

	claims := token.NewICClaims(a.ID, "bud_"+a.ID, defaultPermissions,
		time.Duration(req.TokenTTLSeconds)*time.Second)
	icToken, err := h.signer.Sign(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mint agent token")
		return
	}

	auditLog(r, "mint_token", "agent", a.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ic_token": icToken})
}
