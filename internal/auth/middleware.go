package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const (
	approverContextKey contextKey = iota
	userContextKey
)

// ContextWithApprover returns a new context carrying the given approver.
func ContextWithApprover(ctx context.Context, approver *Approver) context.Context {
	return context.WithValue(ctx, approverContextKey, approver)
}

// ApproverFromContext extracts the approver from the context, or nil if not
// present.
func ApproverFromContext(ctx context.Context) *Approver {
	approver, _ := ctx.Value(approverContextKey).(*Approver)
	return approver
}

// ContextWithUser returns a new context carrying the given user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext extracts the user from the context, or nil if not present.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// OutcomeRecorder counts authentication outcomes per credential type.
// *metrics.Metrics satisfies it.
type OutcomeRecorder interface {
	IncAuthSuccess(authType string)
	IncAuthFailure(authType string)
}

func recordOutcome(recorders []OutcomeRecorder, authType string, ok bool) {
	for _, rec := range recorders {
		if ok {
			rec.IncAuthSuccess(authType)
		} else {
			rec.IncAuthFailure(authType)
		}
	}
}

// ApproverAuthMiddleware returns middleware that authenticates requests using
// an approver credential in the Authorization header. The credential is
// hashed and looked up via the service's approver store. On success the
// approver is injected into the request context.
func ApproverAuthMiddleware(svc *Service, recorders ...OutcomeRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				recordOutcome(recorders, "approver", false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			hash := HashKey(token)
			approver, err := svc.store.GetByKeyHash(r.Context(), hash)
			if err != nil || approver == nil {
				recordOutcome(recorders, "approver", false)
				writeUnauthorized(w, "invalid approver credential")
				return
			}

			recordOutcome(recorders, "approver", true)
			ctx := ContextWithApprover(r.Context(), approver)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSessionMiddleware validates the session token and requires the admin
// role.
func AdminSessionMiddleware(sessions SessionLookup, recorders ...OutcomeRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				recordOutcome(recorders, "session", false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			user, err := sessions.LookupSession(r.Context(), token)
			if err != nil || user == nil {
				recordOutcome(recorders, "session", false)
				writeUnauthorized(w, "invalid or expired session")
				return
			}
			if !user.IsAdmin() {
				// A valid session without the role is an authorization
				// refusal, not an authentication failure.
				recordOutcome(recorders, "session", true)
				writeForbidden(w, "admin access required")
				return
			}

			recordOutcome(recorders, "session", true)
			ctx := ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionAuthMiddleware validates the session token and injects the user into
// context. Any role is accepted.
func SessionAuthMiddleware(sessions SessionLookup, recorders ...OutcomeRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				recordOutcome(recorders, "session", false)
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			user, err := sessions.LookupSession(r.Context(), token)
			if err != nil || user == nil {
				recordOutcome(recorders, "session", false)
				writeUnauthorized(w, "invalid or expired session")
				return
			}

			recordOutcome(recorders, "session", true)
			ctx := ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "forbidden",
			Message: message,
		},
	})
}
