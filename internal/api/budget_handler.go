package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/metering"
	"github.com/alecgard/bursar/internal/metrics"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/ratelimit"
	"github.com/alecgard/bursar/internal/token"
)

// Field length caps for the protocol surface.
const (
	maxLeaseIDLength   = 100
	maxProviderLength  = 50
	maxRequestIDLength = 100
	maxModelLength     = 100
)

// LedgerStore is the ledger interface used by the protocol handlers.
type LedgerStore interface {
	CheckAndReserve(ctx context.Context, agentID string, amount int64) (int64, error)
	Restore(ctx context.Context, agentID string, amount int64) error
}

// LeaseStore is the lease interface used by the protocol handlers.
type LeaseStore interface {
	Create(ctx context.Context, agentID, budgetID string, granted int64, ttl time.Duration) (*lease.Lease, error)
	Get(ctx context.Context, id string) (*lease.Lease, error)
	RecordUsage(ctx context.Context, id string, cost int64) (*lease.Lease, error)
	Touch(ctx context.Context, id string) error
	Expire(ctx context.Context, id string) error
	Close(ctx context.Context, id string) (int64, error)
}

// KeyResolver resolves and decrypts provider key records.
type KeyResolver interface {
	ResolveUsable(ctx context.Context, providerName, keyID string) (*provider.Key, error)
	Decrypt(k *provider.Key) (*token.Secret, error)
}

// ICVerifier verifies raw IC Tokens.
type ICVerifier interface {
	Verify(raw string) (*token.ICClaims, error)
}

// Sealer seals a plaintext provider key into an IP Token envelope.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// MeteringRecorder accepts usage transactions for async persistence.
type MeteringRecorder interface {
	Record(tx metering.Transaction)
}

// BudgetLimits holds the grant bounds and lease lifetime for the
// protocol surface. All amounts are microdollars.
type BudgetLimits struct {
	DefaultHandshake int64
	MaxHandshake     int64
	DefaultRefresh   int64
	MaxRefresh       int64
	LeaseTTL         time.Duration
}

// budgetHandler implements the four budget protocol operations.
type budgetHandler struct {
	ledger    LedgerStore
	leases    LeaseStore
	keys      KeyResolver
	verifier  ICVerifier
	sealer    Sealer
	collector MeteringRecorder
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	limits    BudgetLimits
}

func newBudgetHandler(
	ledgerStore LedgerStore,
	leases LeaseStore,
	keys KeyResolver,
	verifier ICVerifier,
	sealer Sealer,
	collector MeteringRecorder,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
	limits BudgetLimits,
) *budgetHandler {
	return &budgetHandler{
		ledger:    ledgerStore,
		leases:    leases,
		keys:      keys,
		verifier:  verifier,
		sealer:    sealer,
		collector: collector,
		limiter:   limiter,
		metrics:   m,
		limits:    limits,
	}
}

func (h *budgetHandler) protocolOutcome(operation, outcome string) {
	if h.metrics != nil {
		h.metrics.IncProtocolRequest(operation, outcome)
	}
}

// Handshake handles POST /budget/handshake.
func (h *budgetHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ICToken         string `json:"ic_token"`
		Provider        string `json:"provider"`
		ProviderKeyID   string `json:"provider_key_id"`
		RequestedBudget int64  `json:"requested_budget"`
	}
	if err := readJSON(r, &req); err != nil {
		h.protocolOutcome("handshake", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	if req.Provider == "" || len(req.Provider) > maxProviderLength {
		h.protocolOutcome("handshake", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}
	if req.RequestedBudget < 0 || req.RequestedBudget > h.limits.MaxHandshake {
		h.protocolOutcome("handshake", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "requested_budget out of bounds")
		return
	}
	grant := req.RequestedBudget
	if grant == 0 {
		grant = h.limits.DefaultHandshake
	}

	claims, err := h.verifier.Verify(req.ICToken)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncTokenFailure("ic")
		}
		h.protocolOutcome("handshake", "invalid_token")
		writeError(w, http.StatusUnauthorized, "invalid_token", "ic token rejected")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(claims.AgentID, 0) {
		if h.metrics != nil {
			h.metrics.IncRateLimitRejection("handshake")
		}
		h.protocolOutcome("handshake", "rate_limited")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "handshake rate limit exceeded")
		return
	}

	remaining, err := h.ledger.CheckAndReserve(r.Context(), claims.AgentID, grant)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAgentNotFound):
			h.protocolOutcome("handshake", "agent_not_found")
			writeError(w, http.StatusNotFound, "invalid_request", "unknown agent")
		case errors.Is(err, ledger.ErrInsufficientBudget):
			if h.metrics != nil {
				h.metrics.IncBudgetRejection("handshake")
			}
			h.protocolOutcome("handshake", "insufficient_budget")
			writeError(w, http.StatusForbidden, "insufficient_budget", "agent budget cannot cover the requested grant")
		default:
			h.protocolOutcome("handshake", "error")
			writeError(w, http.StatusInternalServerError, "database_error", "budget reservation failed")
		}
		return
	}

	// Everything past this point must either succeed or put the
	// reservation back.
	rollback := func() {
		if rerr := h.ledger.Restore(context.WithoutCancel(r.Context()), claims.AgentID, grant); rerr != nil {
			auditLog(r, "rollback_failed", "ledger", claims.AgentID, "amount", grant, "error", rerr.Error())
		}
	}

	key, err := h.keys.ResolveUsable(r.Context(), req.Provider, req.ProviderKeyID)
	if err != nil {
		rollback()
		h.protocolOutcome("handshake", "provider_unavailable")
		writeError(w, http.StatusForbidden, "provider_unavailable", "no usable key for provider")
		return
	}

	secret, err := h.keys.Decrypt(key)
	if err != nil {
		rollback()
		if h.metrics != nil {
			h.metrics.IncTokenFailure("ip")
		}
		h.protocolOutcome("handshake", "crypto_unavailable")
		writeError(w, http.StatusServiceUnavailable, "crypto_unavailable", "provider key unavailable")
		return
	}
	ipToken, err := h.sealer.Seal(secret.String())
	secret.Zero()
	if err != nil {
		rollback()
		h.protocolOutcome("handshake", "crypto_unavailable")
		writeError(w, http.StatusServiceUnavailable, "crypto_unavailable", "sealing credential failed")
		return
	}

	l, err := h.leases.Create(r.Context(), claims.AgentID, claims.BudgetID, grant, h.limits.LeaseTTL)
	if err != nil {
		rollback()
		h.protocolOutcome("handshake", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "lease creation failed")
		return
	}

	if h.metrics != nil {
		h.metrics.IncLeaseCreated("handshake")
		h.metrics.AddBudgetGranted(grant)
	}
	auditLog(r, "handshake", "lease", l.ID,
		"agent_id", claims.AgentID, "provider", req.Provider,
		"budget_granted", grant, "ledger_remaining", remaining)
	h.protocolOutcome("handshake", "ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lease_id":       l.ID,
		"budget_granted": l.BudgetGranted,
		"expires_at":     l.ExpiresAt,
		"ip_token":       ipToken,
		"provider":       key.Provider,
		"base_url":       key.BaseURL,
	})
}

// validateActiveLease loads a lease and applies the shared validation
// order: exists, not past its deadline (lazily expiring it), not in a
// terminal state. On failure the response has already been written.
func (h *budgetHandler) validateActiveLease(w http.ResponseWriter, r *http.Request, leaseID string) (*lease.Lease, bool) {
	if leaseID == "" || len(leaseID) > maxLeaseIDLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "lease_id is required")
		return nil, false
	}

	l, err := h.leases.Get(r.Context(), leaseID)
	if err != nil {
		if !writeLeaseError(w, err) {
			writeError(w, http.StatusInternalServerError, "database_error", "lease lookup failed")
		}
		return nil, false
	}

	if l.Status == lease.StatusActive && l.Expired(time.Now()) {
		if err := h.leases.Expire(r.Context(), l.ID); err == nil && h.metrics != nil {
			h.metrics.IncLeaseEnded(lease.StatusExpired)
		}
		writeLeaseError(w, lease.ErrExpired)
		return nil, false
	}
	if serr := lease.StatusError(l.Status); serr != nil {
		if !writeLeaseError(w, serr) {
			writeError(w, http.StatusNotFound, "lease_not_found", "lease not usable")
		}
		return nil, false
	}
	return l, true
}

// Report handles POST /budget/report.
func (h *budgetHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID   string `json:"lease_id"`
		RequestID string `json:"request_id"`
		TokensIn  int64  `json:"tokens_in"`
		TokensOut int64  `json:"tokens_out"`
		Cost      int64  `json:"cost_microdollars"`
		Model     string `json:"model"`
		Provider  string `json:"provider"`
	}
	if err := readJSON(r, &req); err != nil {
		h.protocolOutcome("report", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	if req.Cost < 0 ||
		len(req.RequestID) > maxRequestIDLength ||
		len(req.Model) > maxModelLength ||
		len(req.Provider) > maxProviderLength {
		h.protocolOutcome("report", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid report fields")
		return
	}

	l, ok := h.validateActiveLease(w, r, req.LeaseID)
	if !ok {
		h.protocolOutcome("report", "lease_rejected")
		return
	}

	updated, err := h.leases.RecordUsage(r.Context(), l.ID, req.Cost)
	if err != nil {
		if errors.Is(err, lease.ErrInsufficientBudget) {
			if h.metrics != nil {
				h.metrics.IncBudgetRejection("report")
			}
			h.protocolOutcome("report", "budget_exceeded")
			writeError(w, http.StatusForbidden, "budget_exceeded", "report exceeds lease headroom")
			return
		}
		if writeLeaseError(w, err) {
			h.protocolOutcome("report", "lease_rejected")
			return
		}
		h.protocolOutcome("report", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "recording usage failed")
		return
	}
	_ = h.leases.Touch(r.Context(), l.ID)

	if h.collector != nil {
		h.collector.Record(metering.Transaction{
			LeaseID:    l.ID,
			AgentID:    l.AgentID,
			Provider:   req.Provider,
			Model:      req.Model,
			RequestID:  req.RequestID,
			TokensIn:   req.TokensIn,
			TokensOut:  req.TokensOut,
			Cost:       req.Cost,
			CostSource: "reported",
			RecordedAt: time.Now().UTC(),
		})
	}
	if h.metrics != nil {
		h.metrics.AddUsageReported(req.Cost)
	}
	auditLog(r, "report", "lease", l.ID,
		"agent_id", l.AgentID, "cost", req.Cost, "request_id", req.RequestID)
	h.protocolOutcome("report", "ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recorded":        true,
		"lease_spent":     updated.BudgetSpent,
		"lease_remaining": updated.Remaining(),
	})
}

// Refresh handles POST /budget/refresh. The approver credential is
// checked by middleware before this handler runs.
func (h *budgetHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ICToken         string `json:"ic_token"`
		CurrentLeaseID  string `json:"current_lease_id"`
		RequestedBudget int64  `json:"requested_budget"`
	}
	if err := readJSON(r, &req); err != nil {
		h.protocolOutcome("refresh", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	if req.RequestedBudget < 0 || req.RequestedBudget > h.limits.MaxRefresh {
		h.protocolOutcome("refresh", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "requested_budget out of bounds")
		return
	}
	grant := req.RequestedBudget
	if grant == 0 {
		grant = h.limits.DefaultRefresh
	}

	claims, err := h.verifier.Verify(req.ICToken)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncTokenFailure("ic")
		}
		h.protocolOutcome("refresh", "invalid_token")
		writeError(w, http.StatusUnauthorized, "invalid_token", "ic token rejected")
		return
	}

	if req.CurrentLeaseID == "" || len(req.CurrentLeaseID) > maxLeaseIDLength {
		h.protocolOutcome("refresh", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "current_lease_id is required")
		return
	}
	l, err := h.leases.Get(r.Context(), req.CurrentLeaseID)
	if err != nil {
		if writeLeaseForbidden(w, err) {
			h.protocolOutcome("refresh", "lease_rejected")
			return
		}
		h.protocolOutcome("refresh", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "lease lookup failed")
		return
	}

	// Ownership before state. A token for another agent gets the same
	// refusal regardless of what shape the lease is in.
	if l.AgentID != claims.AgentID {
		h.protocolOutcome("refresh", "forbidden")
		writeError(w, http.StatusForbidden, "unauthorized", "lease is not held by this agent")
		return
	}

	// Unlike report, a dead lease here is a 403: the agent is asking to
	// extend an authorization it no longer holds.
	if l.Status == lease.StatusActive && l.Expired(time.Now()) {
		if err := h.leases.Expire(r.Context(), l.ID); err == nil && h.metrics != nil {
			h.metrics.IncLeaseEnded(lease.StatusExpired)
		}
		h.protocolOutcome("refresh", "lease_rejected")
		writeLeaseForbidden(w, lease.ErrExpired)
		return
	}
	if serr := lease.StatusError(l.Status); serr != nil {
		h.protocolOutcome("refresh", "lease_rejected")
		if !writeLeaseForbidden(w, serr) {
			writeError(w, http.StatusForbidden, "lease_not_found", "lease not usable")
		}
		return
	}

	if _, err := h.ledger.CheckAndReserve(r.Context(), claims.AgentID, grant); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBudget) {
			if h.metrics != nil {
				h.metrics.IncBudgetRejection("refresh")
			}
			h.protocolOutcome("refresh", "denied")
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": "denied",
				"reason": "insufficient_budget",
			})
			return
		}
		if errors.Is(err, ledger.ErrAgentNotFound) {
			h.protocolOutcome("refresh", "agent_not_found")
			writeError(w, http.StatusNotFound, "invalid_request", "unknown agent")
			return
		}
		h.protocolOutcome("refresh", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "budget reservation failed")
		return
	}

	// Replacement first, retirement second. If the process dies in
	// between, the agent holds two live leases briefly; the reverse
	// order could strand it with none while the reservation is gone.
	replacement, err := h.leases.Create(r.Context(), claims.AgentID, claims.BudgetID, grant, h.limits.LeaseTTL)
	if err != nil {
		if rerr := h.ledger.Restore(context.WithoutCancel(r.Context()), claims.AgentID, grant); rerr != nil {
			auditLog(r, "rollback_failed", "ledger", claims.AgentID, "amount", grant, "error", rerr.Error())
		}
		h.protocolOutcome("refresh", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "lease creation failed")
		return
	}
	if err := h.leases.Expire(r.Context(), l.ID); err != nil {
		auditLog(r, "refresh_expire_failed", "lease", l.ID, "error", err.Error())
	} else if h.metrics != nil {
		h.metrics.IncLeaseEnded(lease.StatusExpired)
	}

	if h.metrics != nil {
		h.metrics.IncLeaseCreated("refresh")
		h.metrics.AddBudgetGranted(grant)
	}
	auditLog(r, "refresh", "lease", replacement.ID,
		"agent_id", claims.AgentID, "replaced_lease", l.ID, "budget_granted", grant)
	h.protocolOutcome("refresh", "ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "approved",
		"lease_id":       replacement.ID,
		"budget_granted": replacement.BudgetGranted,
		"expires_at":     replacement.ExpiresAt,
	})
}

// Return handles POST /budget/return.
func (h *budgetHandler) Return(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeaseID string `json:"lease_id"`
	}
	if err := readJSON(r, &req); err != nil {
		h.protocolOutcome("return", "invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	l, ok := h.validateActiveLease(w, r, req.LeaseID)
	if !ok {
		h.protocolOutcome("return", "lease_rejected")
		return
	}

	returned, err := h.leases.Close(r.Context(), l.ID)
	if err != nil {
		if writeLeaseError(w, err) {
			h.protocolOutcome("return", "lease_rejected")
			return
		}
		h.protocolOutcome("return", "error")
		writeError(w, http.StatusInternalServerError, "database_error", "closing lease failed")
		return
	}

	if returned > 0 {
		if err := h.ledger.Restore(context.WithoutCancel(r.Context()), l.AgentID, returned); err != nil {
			auditLog(r, "restore_failed", "ledger", l.AgentID, "amount", returned, "error", err.Error())
			h.protocolOutcome("return", "error")
			writeError(w, http.StatusInternalServerError, "database_error", "restoring budget failed")
			return
		}
	}

	if h.metrics != nil {
		h.metrics.IncLeaseEnded(lease.StatusClosed)
	}
	auditLog(r, "return", "lease", l.ID,
		"agent_id", l.AgentID, "returned_amount", returned)
	h.protocolOutcome("return", "ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lease_id":        l.ID,
		"returned_amount": returned,
	})
}
