package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestICSignVerify(t *testing.T) {
	s := NewICSigner("test-secret")
	claims := NewICClaims("agent_abc123", "budget_xyz789", []string{"llm:call", "data:read"}, 0)

	raw, err := s.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := s.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.AgentID != "agent_abc123" {
		t.Errorf("AgentID = %q, want agent_abc123", got.AgentID)
	}
	if got.BudgetID != "budget_xyz789" {
		t.Errorf("BudgetID = %q, want budget_xyz789", got.BudgetID)
	}
	if len(got.Permissions) != 2 || !got.HasPermission("llm:call") {
		t.Errorf("Permissions = %v", got.Permissions)
	}
	if got.ExpiresAt != nil {
		t.Error("zero ttl should produce a long-lived token without exp")
	}
	if got.Issuer != Issuer {
		t.Errorf("Issuer = %q, want %q", got.Issuer, Issuer)
	}
}

func TestICVerifyWithExpiry(t *testing.T) {
	s := NewICSigner("test-secret")

	raw, err := s.Sign(NewICClaims("agent_abc", "budget_x", nil, time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.Verify(raw); err != nil {
		t.Fatalf("Verify unexpired: %v", err)
	}

	expired := NewICClaims("agent_abc", "budget_x", nil, time.Hour)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	raw, err = s.Sign(expired)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.Verify(raw); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify expired error = %v, want ErrTokenExpired", err)
	}
}

func TestICVerifyRejects(t *testing.T) {
	s := NewICSigner("test-secret")

	wrongIssuer := NewICClaims("agent_abc", "budget_x", nil, 0)
	wrongIssuer.Issuer = "somebody-else"
	badIssuerTok, err := s.Sign(wrongIssuer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	badAgent, err := s.Sign(NewICClaims("not-an-agent-id", "budget_x", nil, 0))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	otherSecret, err := NewICSigner("other-secret").Sign(NewICClaims("agent_abc", "budget_x", nil, 0))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage", "invalid.token.here"},
		{"wrong secret", otherSecret},
		{"wrong issuer", badIssuerTok},
		{"malformed agent id", badAgent},
		{"oversized", strings.Repeat("a", MaxICTokenLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Verify(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestICVerifyRejectsUnsignedAlg(t *testing.T) {
	s := NewICSigner("test-secret")
	claims := NewICClaims("agent_abc", "budget_x", nil, 0)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing alg=none token: %v", err)
	}
	if _, err := s.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg=none Verify error = %v, want ErrInvalidToken", err)
	}
}
