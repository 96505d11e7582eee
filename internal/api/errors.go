package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/bursar/internal/lease"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeLeaseError maps a lease sentinel onto the wire taxonomy.
// Terminal leases read as gone to the caller; the code still says
// which terminal state the lease is in.
func writeLeaseError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, lease.ErrNotFound):
		writeError(w, http.StatusNotFound, "lease_not_found", "lease not found")
	case errors.Is(err, lease.ErrExpired):
		writeError(w, http.StatusNotFound, "lease_expired", "lease has expired")
	case errors.Is(err, lease.ErrRevoked):
		writeError(w, http.StatusNotFound, "lease_revoked", "lease has been revoked")
	case errors.Is(err, lease.ErrClosed):
		writeError(w, http.StatusNotFound, "lease_closed", "lease has been closed")
	default:
		return false
	}
	return true
}

// writeLeaseForbidden maps terminal-lease sentinels to 403. Refresh
// uses this instead of writeLeaseError: the caller proved it holds the
// lease, so a terminal state is a refusal, not a missing resource.
func writeLeaseForbidden(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, lease.ErrNotFound):
		writeError(w, http.StatusNotFound, "lease_not_found", "lease not found")
	case errors.Is(err, lease.ErrExpired):
		writeError(w, http.StatusForbidden, "lease_expired", "lease has expired")
	case errors.Is(err, lease.ErrRevoked):
		writeError(w, http.StatusForbidden, "lease_revoked", "lease has been revoked")
	case errors.Is(err, lease.ErrClosed):
		writeError(w, http.StatusForbidden, "lease_closed", "lease has been closed")
	default:
		return false
	}
	return true
}
