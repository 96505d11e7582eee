package api

import (
	"errors"
	"net/http"

	"github.com/alecgard/bursar/internal/auth"
	"github.com/alecgard/bursar/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// usersHandler groups dashboard user management HTTP handlers (admin).
type usersHandler struct {
	store *user.Store
}

func newUsersHandler(store *user.Store) *usersHandler {
	return &usersHandler{store: store}
}

// CreateUser handles POST /api/v1/users.
func (h *usersHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req user.CreateUserInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "password is required")
		return
	}
	if req.Role != "" && req.Role != "admin" && req.Role != "operator" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "role must be admin or operator")
		return
	}

	u, err := h.store.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	auditLog(r, "create", "user", u.ID, "email", u.Email)
	writeJSON(w, http.StatusCreated, u)
}

// ListUsers handles GET /api/v1/users.
func (h *usersHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// UpdateUser handles PATCH /api/v1/users/{id}.
func (h *usersHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req user.UpdateUserInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Role != nil && *req.Role != "admin" && *req.Role != "operator" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "role must be admin or operator")
		return
	}

	u, err := h.store.Update(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update user")
		return
	}

	auditLog(r, "update", "user", id)
	writeJSON(w, http.StatusOK, u)
}

// DeleteUser handles DELETE /api/v1/users/{id}. A user cannot delete
// their own account.
func (h *usersHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if current := auth.UserFromContext(r.Context()); current != nil && current.ID == id {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "cannot delete your own account")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete user")
		return
	}

	auditLog(r, "delete", "user", id)
	w.WriteHeader(http.StatusNoContent)
}
