package api

import (
	"errors"
	"net/http"

	"github.com/alecgard/bursar/internal/auth"
	"github.com/alecgard/bursar/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// authHandler groups session and approver credential HTTP handlers.
type authHandler struct {
	users     *user.Store
	approvers *user.ApproverStore
}

func newAuthHandler(users *user.Store, approvers *user.ApproverStore) *authHandler {
	return &authHandler{users: users, approvers: approvers}
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if !user.CheckPassword(u, req.Password) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	sessionToken, _, err := h.users.CreateSession(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	auditLog(r, "login", "user", u.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": sessionToken,
		"user": map[string]interface{}{
			"id":    u.ID,
			"email": u.Email,
			"name":  u.Name,
			"role":  u.Role,
		},
	})
}

// Me handles GET /api/v1/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    u.ID,
		"email": u.Email,
		"name":  u.Name,
		"role":  u.Role,
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionToken := bearerToken(r)
	if sessionToken == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	_ = h.users.DeleteSession(r.Context(), sessionToken)
	w.WriteHeader(http.StatusNoContent)
}

// CreateApprover handles POST /api/v1/approvers (admin). The plaintext
// credential appears only in this response.
func (h *authHandler) CreateApprover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}

	record, plaintext, err := h.approvers.Create(r.Context(), req.Name, req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create approver key")
		return
	}

	auditLog(r, "create", "approver_key", record.ID, "name", record.Name)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"approver": record,
		"key":      plaintext,
	})
}

// ListApprovers handles GET /api/v1/approvers (admin).
func (h *authHandler) ListApprovers(w http.ResponseWriter, r *http.Request) {
	records, err := h.approvers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list approver keys")
		return
	}
	if records == nil {
		records = []*user.ApproverRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvers": records})
}

// DeleteApprover handles DELETE /api/v1/approvers/{id} (admin).
func (h *authHandler) DeleteApprover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.approvers.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "approver key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete approver key")
		return
	}
	auditLog(r, "delete", "approver_key", id)
	w.WriteHeader(http.StatusNoContent)
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}
