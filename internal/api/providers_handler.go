package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/alecgard/bursar/internal/provider"
	"github.com/go-chi/chi/v5"
)

// ProviderKeyStore is the provider key interface used by the admin
// handlers.
type ProviderKeyStore interface {
	Create(ctx context.Context, in provider.CreateKeyInput) (*provider.Key, error)
	Get(ctx context.Context, id string) (*provider.Key, error)
	List(ctx context.Context) ([]*provider.Key, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Rotate(ctx context.Context, id, currentEncrypted, newPlaintext string) error
}

// providersHandler groups provider key management HTTP handlers (admin).
// Key material is encrypted before it reaches the database and masked
// on every read path.
type providersHandler struct {
	keys ProviderKeyStore
}

func newProvidersHandler(keys ProviderKeyStore) *providersHandler {
	return &providersHandler{keys: keys}
}

// CreateKey handles POST /api/v1/providers.
func (h *providersHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req provider.CreateKeyInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Provider == "" || len(req.Provider) > maxProviderLength {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "provider is required")
		return
	}
	if req.BaseURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "base_url is required")
		return
	}
	if req.PlaintextKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "api_key is required")
		return
	}

	masked := provider.MaskKey(req.PlaintextKey)
	k, err := h.keys.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create provider key")
		return
	}
	k.MaskedKey = masked

	auditLog(r, "create", "provider_key", k.ID, "provider", k.Provider)
	writeJSON(w, http.StatusCreated, k)
}

// ListKeys handles GET /api/v1/providers.
func (h *providersHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list provider keys")
		return
	}
	if keys == nil {
		keys = []*provider.Key{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": keys})
}

// UpdateKey handles PATCH /api/v1/providers/{id}. Supports flipping
// the enabled flag and rotating key material.
func (h *providersHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Enabled *bool  `json:"enabled,omitempty"`
		APIKey  string `json:"api_key,omitempty"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Enabled == nil && req.APIKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "nothing to update")
		return
	}

	k, err := h.keys.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "provider key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get provider key")
		return
	}

	if req.APIKey != "" {
		if err := h.keys.Rotate(r.Context(), id, k.EncryptedKey, req.APIKey); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				writeError(w, http.StatusConflict, "conflict", "provider key changed concurrently")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to rotate provider key")
			return
		}
		auditLog(r, "rotate", "provider_key", id)
	}

	if req.Enabled != nil {
		if err := h.keys.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "provider key not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update provider key")
			return
		}
		auditLog(r, "set_enabled", "provider_key", id, "enabled", *req.Enabled)
	}

	updated, err := h.keys.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reload provider key")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
