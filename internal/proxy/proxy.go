package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/bursar/internal/cost"
	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/metering"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/token"
	"github.com/go-chi/chi/v5"
	openai "github.com/sashabaranov/go-openai"
)

// LeaseHeader carries the lease id authorizing a proxied provider call.
const LeaseHeader = "X-Bursar-Lease"

// LeaseStore is the interface for validating and charging leases.
type LeaseStore interface {
	Get(ctx context.Context, id string) (*lease.Lease, error)
	Expire(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, id string, cost int64) (*lease.Lease, error)
	Touch(ctx context.Context, id string) error
}

// KeyStore is the interface for resolving provider credentials.
type KeyStore interface {
	GetByProvider(ctx context.Context, providerName string) (*provider.Key, error)
	Decrypt(k *provider.Key) (*token.Secret, error)
}

// MeteringRecorder is the interface for recording usage transactions.
type MeteringRecorder interface {
	Record(tx metering.Transaction)
}

// MetricsRecorder is an optional interface for recording proxy-level metrics.
type MetricsRecorder interface {
	IncBudgetRejection(reason string)
	AddUsageReported(amount int64)
	ObserveUpstreamDuration(providerName string, seconds float64)
	IncUpstreamError(errorType, providerName string)
}

// Pricer computes a microdollar cost from parsed token usage.
type Pricer func(model string, promptTokens, completionTokens int64) int64

// Handler forwards provider calls on behalf of a lease holder. The agent
// never sees the real credential: the handler resolves and decrypts the
// provider key, injects it upstream, and charges the parsed usage against
// the lease.
type Handler struct {
	leases       LeaseStore
	keys         KeyStore
	collector    MeteringRecorder
	pricer       Pricer
	client       *http.Client
	maxBodySize  int64
	flatCallCost int64
	metrics      MetricsRecorder
}

// NewHandler creates a new provider proxy handler.
func NewHandler(leases LeaseStore, keys KeyStore, collector MeteringRecorder, timeout time.Duration, maxBodySize, flatCallCost int64) *Handler {
	return &Handler{
		leases:       leases,
		keys:         keys,
		collector:    collector,
		pricer:       defaultPricer,
		client:       &http.Client{Timeout: timeout},
		maxBodySize:  maxBodySize,
		flatCallCost: flatCallCost,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// SetPricer overrides the usage pricer.
func (h *Handler) SetPricer(p Pricer) {
	h.pricer = p
}

// ServeHTTP handles proxied provider requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing provider")
		return
	}

	leaseID := r.Header.Get(LeaseHeader)
	if leaseID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing lease header")
		return
	}

	l, err := h.leases.Get(r.Context(), leaseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "lease_not_found", "lease not found")
		return
	}
	if l.Status == lease.StatusActive && l.Expired(time.Now()) {
		_ = h.leases.Expire(r.Context(), l.ID)
		writeError(w, http.StatusNotFound, "lease_expired", "lease has expired")
		return
	}
	if l.Status != lease.StatusActive {
		writeError(w, http.StatusNotFound, "lease_"+l.Status, "lease is "+l.Status)
		return
	}
	if l.Remaining() <= 0 {
		if h.metrics != nil {
			h.metrics.IncBudgetRejection("lease_exhausted")
		}
		writeError(w, http.StatusForbidden, "budget_exceeded", "lease budget exhausted")
		return
	}

	key, err := h.keys.GetByProvider(r.Context(), providerName)
	if err != nil {
		writeError(w, http.StatusForbidden, "provider_unavailable", "no usable key for provider")
		return
	}

	secret, err := h.keys.Decrypt(key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "crypto_unavailable", "provider key unavailable")
		return
	}
	defer secret.Zero()

	// Build the upstream URL by stripping the /proxy/{provider} prefix.
	proxyPrefix := "/proxy/" + providerName
	upstreamPath := strings.TrimPrefix(r.URL.Path, proxyPrefix)
	if upstreamPath == "" {
		upstreamPath = "/"
	}
	targetURL := strings.TrimRight(key.BaseURL, "/") + upstreamPath
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil {
		body = io.LimitReader(r.Body, h.maxBodySize+1)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "provider_unavailable", "failed to build upstream request")
		return
	}

	// Forward headers, excluding credentials and hop-by-hop headers.
	skipHeaders := map[string]bool{
		"Authorization": true,
		"Host":          true,
		"Connection":    true,
		LeaseHeader:     true,
	}
	for name, values := range r.Header {
		if skipHeaders[name] {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	outReq.Header.Set("Authorization", "Bearer "+secret.String())

	start := time.Now()
	resp, err := h.client.Do(outReq)
	elapsed := time.Since(start)

	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(providerName, elapsed.Seconds())
	}

	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamError(classifyUpstreamError(err), providerName)
		}
		writeError(w, http.StatusBadGateway, "provider_unavailable", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize))
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamError("read", providerName)
		}
		writeError(w, http.StatusBadGateway, "provider_unavailable", "reading upstream response")
		return
	}

	cost, model, tokensIn, tokensOut, costSource := h.priceResponse(respBody)

	// Only successful upstream responses are billable; error responses
	// pass through uncharged.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.charge(r.Context(), l, providerName, model, tokensIn, tokensOut, cost, costSource)
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// priceResponse parses provider usage out of the response body and converts
// it to a microdollar cost. Bodies without parseable usage fall back to the
// flat per-call cost.
func (h *Handler) priceResponse(respBody []byte) (cost int64, model string, tokensIn, tokensOut int64, costSource string) {
	var parsed struct {
		Model string       `json:"model"`
		Usage openai.Usage `json:"usage"`
	}
	if err := json.NewDecoder(bytes.NewReader(respBody)).Decode(&parsed); err == nil &&
		(parsed.Usage.PromptTokens > 0 || parsed.Usage.CompletionTokens > 0) {
		tokensIn = int64(parsed.Usage.PromptTokens)
		tokensOut = int64(parsed.Usage.CompletionTokens)
		return h.pricer(parsed.Model, tokensIn, tokensOut), parsed.Model, tokensIn, tokensOut, "computed"
	}
	return h.flatCallCost, "", 0, 0, "flat"
}

// charge records the cost against the lease and emits a usage transaction.
// A lease that lost its headroom mid-flight is still recorded for whatever
// fits; the shortfall is logged through the metering record's cost source.
func (h *Handler) charge(ctx context.Context, l *lease.Lease, providerName, model string, tokensIn, tokensOut, cost int64, costSource string) {
	if _, err := h.leases.RecordUsage(ctx, l.ID, cost); err != nil {
		if errors.Is(err, lease.ErrInsufficientBudget) {
			if remaining := l.Remaining(); remaining > 0 {
				if _, err := h.leases.RecordUsage(ctx, l.ID, remaining); err == nil {
					cost = remaining
					costSource = "clamped"
				}
			}
			if h.metrics != nil {
				h.metrics.IncBudgetRejection("lease_overrun")
			}
		}
	}
	_ = h.leases.Touch(ctx, l.ID)

	if h.metrics != nil {
		h.metrics.AddUsageReported(cost)
	}

	h.collector.Record(metering.Transaction{
		LeaseID:    l.ID,
		AgentID:    l.AgentID,
		Provider:   providerName,
		Model:      model,
		RequestID:  fmt.Sprintf("proxy-%d", time.Now().UnixNano()),
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       cost,
		CostSource: costSource,
		RecordedAt: time.Now().UTC(),
	})
}

func defaultPricer(model string, promptTokens, completionTokens int64) int64 {
	return cost.CostForUsage(model, promptTokens, completionTokens)
}

type proxyError struct {
	Error proxyErrorBody `json:"error"`
}

type proxyErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(proxyError{
		Error: proxyErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
