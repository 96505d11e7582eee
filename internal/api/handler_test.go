package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/metering"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/token"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeLedger mirrors the database store's reservation semantics: the
// budget check and the debit happen under one lock.
type fakeLedger struct {
	mu      sync.Mutex
	budgets map[string]*ledger.AgentBudget
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{budgets: make(map[string]*ledger.AgentBudget)}
}

func (f *fakeLedger) seed(agentID string, allocated int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets[agentID] = &ledger.AgentBudget{
		AgentID:         agentID,
		TotalAllocated:  allocated,
		BudgetRemaining: allocated,
	}
}

func (f *fakeLedger) CheckAndReserve(_ context.Context, agentID string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[agentID]
	if !ok {
		return 0, ledger.ErrAgentNotFound
	}
	if b.BudgetRemaining < amount {
		return 0, ledger.ErrInsufficientBudget
	}
	b.BudgetRemaining -= amount
	b.TotalSpent += amount
	return b.BudgetRemaining, nil
}

func (f *fakeLedger) Restore(_ context.Context, agentID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[agentID]
	if !ok {
		return ledger.ErrAgentNotFound
	}
	b.BudgetRemaining += amount
	b.TotalSpent -= amount
	return nil
}

func (f *fakeLedger) snapshot(agentID string) ledger.AgentBudget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.budgets[agentID]
}

// fakeLeases is an in-memory lease store.
type fakeLeases struct {
	mu     sync.Mutex
	seq    int
	leases map[string]*lease.Lease
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{leases: make(map[string]*lease.Lease)}
}

func (f *fakeLeases) Create(_ context.Context, agentID, budgetID string, granted int64, ttl time.Duration) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	l := &lease.Lease{
		ID:            fmt.Sprintf("lease_%d", f.seq),
		AgentID:       agentID,
		BudgetID:      budgetID,
		BudgetGranted: granted,
		Status:        lease.StatusActive,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
	}
	f.leases[l.ID] = l
	return l, nil
}

func (f *fakeLeases) Get(_ context.Context, id string) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok {
		return nil, lease.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLeases) RecordUsage(_ context.Context, id string, cost int64) (*lease.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok {
		return nil, lease.ErrNotFound
	}
	if l.Status != lease.StatusActive {
		return nil, lease.StatusError(l.Status)
	}
	if l.BudgetGranted-l.BudgetSpent < cost {
		return nil, lease.ErrInsufficientBudget
	}
	l.BudgetSpent += cost
	cp := *l
	return &cp, nil
}

func (f *fakeLeases) Touch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[id]; ok {
		now := time.Now()
		l.LastUsedAt = &now
	}
	return nil
}

func (f *fakeLeases) Expire(_ context.Context, id string) error {
	return f.transition(id, lease.StatusExpired)
}

func (f *fakeLeases) Close(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok {
		return 0, lease.ErrNotFound
	}
	if l.Status != lease.StatusActive {
		return 0, lease.StatusError(l.Status)
	}
	l.Status = lease.StatusClosed
	returned := l.BudgetGranted - l.BudgetSpent
	if returned < 0 {
		returned = 0
	}
	l.ReturnedAmount = &returned
	return returned, nil
}

func (f *fakeLeases) transition(id, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[id]
	if !ok {
		return lease.ErrNotFound
	}
	if l.Status != lease.StatusActive {
		return lease.StatusError(l.Status)
	}
	l.Status = to
	return nil
}

func (f *fakeLeases) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[id].Status
}

// fakeKeys resolves provider keys and decrypts them with a real envelope.
type fakeKeys struct {
	keys     map[string]*provider.Key
	envelope *token.Envelope
}

func (f *fakeKeys) ResolveUsable(_ context.Context, providerName, keyID string) (*provider.Key, error) {
	k, ok := f.keys[providerName]
	if !ok {
		return nil, provider.ErrNotFound
	}
	if keyID != "" && k.ID != keyID {
		return nil, provider.ErrNotFound
	}
	if !k.Enabled {
		return nil, provider.ErrDisabled
	}
	return k, nil
}

func (f *fakeKeys) Decrypt(k *provider.Key) (*token.Secret, error) {
	return f.envelope.Open(k.EncryptedKey)
}

type fakeMetering struct {
	mu           sync.Mutex
	transactions []metering.Transaction
}

func (f *fakeMetering) Record(tx metering.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
}

func (f *fakeMetering) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const testAgentID = "agent_test"

type protocolFixture struct {
	handler  *budgetHandler
	ledger   *fakeLedger
	leases   *fakeLeases
	keys     *fakeKeys
	metering *fakeMetering
	signer   *token.ICSigner
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()

	env, err := token.NewEnvelope(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		t.Fatalf("creating envelope: %v", err)
	}
	encrypted, err := env.Seal("sk-provider-secret")
	if err != nil {
		t.Fatalf("sealing provider key: %v", err)
	}

	fl := newFakeLedger()
	fl.seed(testAgentID, 50_000_000)

	leases := newFakeLeases()
	keys := &fakeKeys{
		envelope: env,
		keys: map[string]*provider.Key{
			"openai": {
				ID:           "pk_openai",
				Provider:     "openai",
				BaseURL:      "https://api.openai.com/v1",
				EncryptedKey: encrypted,
				Enabled:      true,
			},
		},
	}
	meter := &fakeMetering{}
	signer := token.NewICSigner("test-ic-secret")

	limits := BudgetLimits{
		DefaultHandshake: 10_000_000,
		MaxHandshake:     100_000_000,
		DefaultRefresh:   10_000_000,
		MaxRefresh:       1_000_000_000,
		LeaseTTL:         time.Hour,
	}

	return &protocolFixture{
		handler:  newBudgetHandler(fl, leases, keys, signer, env, meter, nil, nil, limits),
		ledger:   fl,
		leases:   leases,
		keys:     keys,
		metering: meter,
		signer:   signer,
	}
}

func (fx *protocolFixture) icToken(t *testing.T, agentID string) string {
	t.Helper()
	claims := token.NewICClaims(agentID, "bud_"+agentID,
		[]string{"handshake", "report", "refresh", "return"}, time.Hour)
	raw, err := fx.signer.Sign(claims)
	if err != nil {
		t.Fatalf("signing ic token: %v", err)
	}
	return raw
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env.Error.Code
}

// handshake runs one successful handshake and returns the lease id.
func (fx *protocolFixture) handshake(t *testing.T, budget int64) string {
	t.Helper()
	rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
		"ic_token":         fx.icToken(t, testAgentID),
		"provider":         "openai",
		"requested_budget": budget,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("handshake failed: %d %s", rr.Code, rr.Body.String())
	}
	return decodeBody(t, rr)["lease_id"].(string)
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	fx := newProtocolFixture(t)

	rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
		"ic_token":         fx.icToken(t, testAgentID),
		"provider":         "openai",
		"requested_budget": int64(10_000_000),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["lease_id"] == "" {
		t.Error("expected a lease id")
	}
	if got := int64(body["budget_granted"].(float64)); got != 10_000_000 {
		t.Errorf("budget_granted = %d, want 10000000", got)
	}
	if body["provider"] != "openai" {
		t.Errorf("provider = %v, want openai", body["provider"])
	}
	if body["base_url"] != "https://api.openai.com/v1" {
		t.Errorf("base_url = %v", body["base_url"])
	}

	// The IP token must open back to the provider key.
	secret, err := fx.keys.envelope.Open(body["ip_token"].(string))
	if err != nil {
		t.Fatalf("opening ip token: %v", err)
	}
	defer secret.Zero()
	if secret.String() != "sk-provider-secret" {
		t.Error("ip token did not round-trip the provider key")
	}

	// The reservation moved the full grant out of the ledger.
	b := fx.ledger.snapshot(testAgentID)
	if b.BudgetRemaining != 40_000_000 || b.TotalSpent != 10_000_000 {
		t.Errorf("ledger = remaining %d spent %d, want 40000000/10000000", b.BudgetRemaining, b.TotalSpent)
	}
	if b.TotalSpent+b.BudgetRemaining != b.TotalAllocated {
		t.Error("ledger invariant violated")
	}
}

func TestHandshakeDefaultsAndBounds(t *testing.T) {
	fx := newProtocolFixture(t)

	t.Run("zero budget uses default", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token": fx.icToken(t, testAgentID),
			"provider": "openai",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if got := int64(decodeBody(t, rr)["budget_granted"].(float64)); got != 10_000_000 {
			t.Errorf("budget_granted = %d, want default 10000000", got)
		}
	})

	t.Run("above max rejected", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token":         fx.icToken(t, testAgentID),
			"provider":         "openai",
			"requested_budget": int64(100_000_001),
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_request" {
			t.Errorf("error code = %s, want invalid_request", code)
		}
	})

	t.Run("negative rejected", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token":         fx.icToken(t, testAgentID),
			"provider":         "openai",
			"requested_budget": int64(-1),
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestHandshakeRejections(t *testing.T) {
	fx := newProtocolFixture(t)

	t.Run("bad ic token", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token": "not-a-jwt",
			"provider": "openai",
		})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_token" {
			t.Errorf("error code = %s, want invalid_token", code)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token": fx.icToken(t, "agent_unknown"),
			"provider": "openai",
		})
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("insufficient budget", func(t *testing.T) {
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token":         fx.icToken(t, testAgentID),
			"provider":         "openai",
			"requested_budget": int64(60_000_000),
		})
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "insufficient_budget" {
			t.Errorf("error code = %s, want insufficient_budget", code)
		}
	})

	t.Run("unknown provider rolls back the reservation", func(t *testing.T) {
		before := fx.ledger.snapshot(testAgentID)
		rr := postJSON(t, fx.handler.Handshake, "/budget/handshake", map[string]interface{}{
			"ic_token":         fx.icToken(t, testAgentID),
			"provider":         "anthropic",
			"requested_budget": int64(10_000_000),
		})
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "provider_unavailable" {
			t.Errorf("error code = %s, want provider_unavailable", code)
		}
		after := fx.ledger.snapshot(testAgentID)
		if after.BudgetRemaining != before.BudgetRemaining {
			t.Errorf("reservation leaked: remaining %d, want %d", after.BudgetRemaining, before.BudgetRemaining)
		}
	})
}

// Twenty concurrent $10 handshakes against a $50 ledger: exactly five
// succeed, and the ledger still balances afterwards.
func TestHandshakeConcurrentAdmission(t *testing.T) {
	fx := newProtocolFixture(t)
	icToken := fx.icToken(t, testAgentID)

	const workers = 20
	codes := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]interface{}{
				"ic_token":         icToken,
				"provider":         "openai",
				"requested_budget": int64(10_000_000),
			})
			req := httptest.NewRequest(http.MethodPost, "/budget/handshake", bytes.NewReader(raw))
			rr := httptest.NewRecorder()
			fx.handler.Handshake(rr, req)
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			granted++
		case http.StatusForbidden:
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	if granted != 5 {
		t.Errorf("granted = %d handshakes, want exactly 5", granted)
	}

	b := fx.ledger.snapshot(testAgentID)
	if b.BudgetRemaining != 0 {
		t.Errorf("remaining = %d, want 0", b.BudgetRemaining)
	}
	if b.TotalSpent+b.BudgetRemaining != b.TotalAllocated {
		t.Error("ledger invariant violated")
	}
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

func TestReport(t *testing.T) {
	fx := newProtocolFixture(t)
	leaseID := fx.handshake(t, 10_000_000)

	rr := postJSON(t, fx.handler.Report, "/budget/report", map[string]interface{}{
		"lease_id":          leaseID,
		"request_id":        "req-1",
		"tokens_in":         1200,
		"tokens_out":        340,
		"cost_microdollars": int64(5_000_000),
		"model":             "gpt-4o",
		"provider":          "openai",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["recorded"] != true {
		t.Error("expected recorded=true")
	}
	if got := int64(body["lease_spent"].(float64)); got != 5_000_000 {
		t.Errorf("lease_spent = %d, want 5000000", got)
	}
	if got := int64(body["lease_remaining"].(float64)); got != 5_000_000 {
		t.Errorf("lease_remaining = %d, want 5000000", got)
	}

	// Reporting moves nothing in the ledger; the handshake already did.
	b := fx.ledger.snapshot(testAgentID)
	if b.TotalSpent != 10_000_000 {
		t.Errorf("ledger total_spent = %d, want 10000000", b.TotalSpent)
	}

	if fx.metering.count() != 1 {
		t.Errorf("metering transactions = %d, want 1", fx.metering.count())
	}
}

func TestReportBudgetExceeded(t *testing.T) {
	fx := newProtocolFixture(t)
	leaseID := fx.handshake(t, 10_000_000)

	report := func(cost int64) *httptest.ResponseRecorder {
		return postJSON(t, fx.handler.Report, "/budget/report", map[string]interface{}{
			"lease_id":          leaseID,
			"request_id":        "req-x",
			"cost_microdollars": cost,
			"model":             "gpt-4o",
			"provider":          "openai",
		})
	}

	if rr := report(5_000_000); rr.Code != http.StatusOK {
		t.Fatalf("first report: expected 200, got %d", rr.Code)
	}

	rr := report(6_000_000)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "budget_exceeded" {
		t.Errorf("error code = %s, want budget_exceeded", code)
	}

	// The exact remainder still fits.
	if rr := report(5_000_000); rr.Code != http.StatusOK {
		t.Fatalf("exact remainder: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReportLeaseValidation(t *testing.T) {
	fx := newProtocolFixture(t)

	activeID := fx.handshake(t, 10_000_000)

	expired, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, -time.Minute)
	revoked, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, time.Hour)
	_ = fx.leases.transition(revoked.ID, lease.StatusRevoked)
	closed, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, time.Hour)
	_ = fx.leases.transition(closed.ID, lease.StatusClosed)

	tests := []struct {
		name       string
		leaseID    string
		wantStatus int
		wantCode   string
	}{
		{"unknown", "lease_nope", http.StatusNotFound, "lease_not_found"},
		{"expired deadline", expired.ID, http.StatusNotFound, "lease_expired"},
		{"revoked", revoked.ID, http.StatusNotFound, "lease_revoked"},
		{"closed", closed.ID, http.StatusNotFound, "lease_closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(t, fx.handler.Report, "/budget/report", map[string]interface{}{
				"lease_id":          tt.leaseID,
				"request_id":        "req-1",
				"cost_microdollars": int64(1),
				"model":             "gpt-4o",
				"provider":          "openai",
			})
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Errorf("error code = %s, want %s", code, tt.wantCode)
			}
		})
	}

	// The deadline-expired lease was lazily flipped in storage.
	if got := fx.leases.status(expired.ID); got != lease.StatusExpired {
		t.Errorf("expired lease status = %s, want expired", got)
	}
	// The active lease is untouched.
	if got := fx.leases.status(activeID); got != lease.StatusActive {
		t.Errorf("active lease status = %s, want active", got)
	}
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

func TestRefresh(t *testing.T) {
	fx := newProtocolFixture(t)
	oldID := fx.handshake(t, 10_000_000)

	rr := postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
		"ic_token":         fx.icToken(t, testAgentID),
		"current_lease_id": oldID,
		"requested_budget": int64(20_000_000),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["status"] != "approved" {
		t.Fatalf("status = %v, want approved", body["status"])
	}
	newID := body["lease_id"].(string)
	if newID == oldID {
		t.Error("expected a replacement lease, got the old id")
	}
	if got := int64(body["budget_granted"].(float64)); got != 20_000_000 {
		t.Errorf("budget_granted = %d, want 20000000", got)
	}

	if got := fx.leases.status(oldID); got != lease.StatusExpired {
		t.Errorf("old lease status = %s, want expired", got)
	}
	if got := fx.leases.status(newID); got != lease.StatusActive {
		t.Errorf("new lease status = %s, want active", got)
	}

	// 10M from the handshake plus 20M from the refresh.
	b := fx.ledger.snapshot(testAgentID)
	if b.TotalSpent != 30_000_000 || b.BudgetRemaining != 20_000_000 {
		t.Errorf("ledger = spent %d remaining %d, want 30000000/20000000", b.TotalSpent, b.BudgetRemaining)
	}
}

func TestRefreshDenied(t *testing.T) {
	fx := newProtocolFixture(t)
	leaseID := fx.handshake(t, 10_000_000)

	rr := postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
		"ic_token":         fx.icToken(t, testAgentID),
		"current_lease_id": leaseID,
		"requested_budget": int64(60_000_000),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("denial is a 200, got %d", rr.Code)
	}

	body := decodeBody(t, rr)
	if body["status"] != "denied" {
		t.Errorf("status = %v, want denied", body["status"])
	}
	if body["reason"] != "insufficient_budget" {
		t.Errorf("reason = %v, want insufficient_budget", body["reason"])
	}

	// Denial leaves the current lease usable.
	if got := fx.leases.status(leaseID); got != lease.StatusActive {
		t.Errorf("lease status = %s, want active", got)
	}
}

// A dead lease refuses a refresh with 403: the agent proved who it is,
// it just no longer holds a live authorization to extend.
func TestRefreshLeaseValidation(t *testing.T) {
	fx := newProtocolFixture(t)

	expired, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, -time.Minute)
	revoked, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, time.Hour)
	_ = fx.leases.transition(revoked.ID, lease.StatusRevoked)
	closed, _ := fx.leases.Create(context.Background(), testAgentID, "bud_x", 1_000_000, time.Hour)
	_ = fx.leases.transition(closed.ID, lease.StatusClosed)

	tests := []struct {
		name       string
		leaseID    string
		wantStatus int
		wantCode   string
	}{
		{"unknown", "lease_nope", http.StatusNotFound, "lease_not_found"},
		{"expired deadline", expired.ID, http.StatusForbidden, "lease_expired"},
		{"revoked", revoked.ID, http.StatusForbidden, "lease_revoked"},
		{"closed", closed.ID, http.StatusForbidden, "lease_closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
				"ic_token":         fx.icToken(t, testAgentID),
				"current_lease_id": tt.leaseID,
			})
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Errorf("error code = %s, want %s", code, tt.wantCode)
			}
		})
	}

	// The deadline-expired lease was lazily flipped in storage.
	if got := fx.leases.status(expired.ID); got != lease.StatusExpired {
		t.Errorf("expired lease status = %s, want expired", got)
	}

	// None of the refusals reserved anything.
	b := fx.ledger.snapshot(testAgentID)
	if b.TotalSpent != 0 {
		t.Errorf("ledger total_spent = %d, want 0", b.TotalSpent)
	}
}

func TestRefreshWrongAgent(t *testing.T) {
	fx := newProtocolFixture(t)
	fx.ledger.seed("agent_other", 50_000_000)
	leaseID := fx.handshake(t, 10_000_000)

	rr := postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
		"ic_token":         fx.icToken(t, "agent_other"),
		"current_lease_id": leaseID,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "unauthorized" {
		t.Errorf("error code = %s, want unauthorized", code)
	}

	// Ownership is checked before lease state, so a foreign token gets
	// the same answer whatever shape the lease is in.
	_ = fx.leases.transition(leaseID, lease.StatusRevoked)
	rr = postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
		"ic_token":         fx.icToken(t, "agent_other"),
		"current_lease_id": leaseID,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "unauthorized" {
		t.Errorf("error code = %s, want unauthorized (not a lease state code)", code)
	}
}

// ---------------------------------------------------------------------------
// Return
// ---------------------------------------------------------------------------

func TestReturn(t *testing.T) {
	fx := newProtocolFixture(t)
	leaseID := fx.handshake(t, 10_000_000)

	// Spend 4M of the lease first.
	rr := postJSON(t, fx.handler.Report, "/budget/report", map[string]interface{}{
		"lease_id":          leaseID,
		"request_id":        "req-1",
		"cost_microdollars": int64(4_000_000),
		"model":             "gpt-4o",
		"provider":          "openai",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d", rr.Code)
	}

	rr = postJSON(t, fx.handler.Return, "/budget/return", map[string]interface{}{
		"lease_id": leaseID,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if got := int64(body["returned_amount"].(float64)); got != 6_000_000 {
		t.Errorf("returned_amount = %d, want 6000000", got)
	}

	// The unspent 6M went back to the ledger; the spent 4M stayed burned.
	b := fx.ledger.snapshot(testAgentID)
	if b.TotalSpent != 4_000_000 || b.BudgetRemaining != 46_000_000 {
		t.Errorf("ledger = spent %d remaining %d, want 4000000/46000000", b.TotalSpent, b.BudgetRemaining)
	}
	if b.TotalSpent+b.BudgetRemaining != b.TotalAllocated {
		t.Error("ledger invariant violated")
	}

	if got := fx.leases.status(leaseID); got != lease.StatusClosed {
		t.Errorf("lease status = %s, want closed", got)
	}

	// A second return reads as gone.
	rr = postJSON(t, fx.handler.Return, "/budget/return", map[string]interface{}{
		"lease_id": leaseID,
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second return: expected 404, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "lease_closed" {
		t.Errorf("error code = %s, want lease_closed", code)
	}
}

// A full lease lifecycle against a $100 ledger: handshake, partial
// report, refresh to a replacement lease, and return of its unspent
// grant, checking the ledger at every step.
func TestProtocolLifecycle(t *testing.T) {
	fx := newProtocolFixture(t)
	fx.ledger.seed(testAgentID, 100_000_000)

	leaseID := fx.handshake(t, 10_000_000)
	if b := fx.ledger.snapshot(testAgentID); b.BudgetRemaining != 90_000_000 {
		t.Fatalf("after handshake: remaining = %d, want 90000000", b.BudgetRemaining)
	}

	rr := postJSON(t, fx.handler.Report, "/budget/report", map[string]interface{}{
		"lease_id":          leaseID,
		"request_id":        "req-1",
		"cost_microdollars": int64(5_000_000),
		"model":             "gpt-4o",
		"provider":          "openai",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d", rr.Code)
	}
	if got := int64(decodeBody(t, rr)["lease_spent"].(float64)); got != 5_000_000 {
		t.Fatalf("after report: lease_spent = %d, want 5000000", got)
	}
	if got := fx.leases.status(leaseID); got != lease.StatusActive {
		t.Fatalf("after report: lease status = %s, want active", got)
	}

	rr = postJSON(t, fx.handler.Refresh, "/budget/refresh", map[string]interface{}{
		"ic_token":         fx.icToken(t, testAgentID),
		"current_lease_id": leaseID,
		"requested_budget": int64(5_000_000),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "approved" {
		t.Fatalf("refresh status = %v, want approved", body["status"])
	}
	newID := body["lease_id"].(string)
	if got := int64(body["budget_granted"].(float64)); got != 5_000_000 {
		t.Fatalf("refresh grant = %d, want 5000000", got)
	}
	if got := fx.leases.status(leaseID); got != lease.StatusExpired {
		t.Fatalf("old lease status = %s, want expired", got)
	}
	if b := fx.ledger.snapshot(testAgentID); b.BudgetRemaining != 85_000_000 {
		t.Fatalf("after refresh: remaining = %d, want 85000000", b.BudgetRemaining)
	}

	rr = postJSON(t, fx.handler.Return, "/budget/return", map[string]interface{}{
		"lease_id": newID,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("return: expected 200, got %d", rr.Code)
	}
	if got := int64(decodeBody(t, rr)["returned_amount"].(float64)); got != 5_000_000 {
		t.Fatalf("returned_amount = %d, want 5000000", got)
	}
	if b := fx.ledger.snapshot(testAgentID); b.BudgetRemaining != 90_000_000 {
		t.Fatalf("after return: remaining = %d, want 90000000", b.BudgetRemaining)
	}
}

// ---------------------------------------------------------------------------
// Health, readiness, manifest
// ---------------------------------------------------------------------------

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

func TestHealthAndReadiness(t *testing.T) {
	handler := NewRouter(RouterDeps{
		AllowedOrigins: []string{"*"},
		Pinger:         &fakePinger{},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}

	handler = NewRouter(RouterDeps{
		Pinger: &fakePinger{err: fmt.Errorf("connection refused")},
	})
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with dead db: expected 503, got %d", rec.Code)
	}
}

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/bursar.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}
	if name, _ := manifest["name"].(string); name != "Bursar" {
		t.Errorf("expected name=Bursar, got %q", name)
	}

	protocol, ok := manifest["protocol"].(map[string]interface{})
	if !ok {
		t.Fatal("protocol field is not an object")
	}
	for _, op := range []string{"handshake", "report", "refresh", "return"} {
		if _, ok := protocol[op]; !ok {
			t.Errorf("manifest missing protocol.%s", op)
		}
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	t.Run("generates when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		requestIDMiddleware(next).ServeHTTP(rec, req)

		if seen == "" {
			t.Error("expected a generated request id in context")
		}
		if rec.Header().Get("X-Request-ID") != seen {
			t.Error("expected response header to carry the request id")
		}
	})

	t.Run("preserves provided id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "client-id-1")
		rec := httptest.NewRecorder()
		requestIDMiddleware(next).ServeHTTP(rec, req)

		if seen != "client-id-1" {
			t.Errorf("request id = %q, want client-id-1", seen)
		}
	})
}

func TestSecureHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	secureHeaders(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := corsMiddleware([]string{"https://dashboard.example.com"})

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")
		rec := httptest.NewRecorder()
		mw(next).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
	})

	t.Run("other origin gets no allow header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		mw(next).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")
		rec := httptest.NewRecorder()
		mw(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
	})
}
