package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the required iss claim on every IC Token.
const Issuer = "bursar-control-plane"

// MaxICTokenLength bounds the raw token accepted from the wire.
const MaxICTokenLength = 2000

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// ICClaims is the claim set carried by an IC Token. ExpiresAt may be
// nil for long-lived tokens.
type ICClaims struct {
	AgentID     string   `json:"agent_id"`
	BudgetID    string   `json:"budget_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// NewICClaims builds a claim set issued now. A zero ttl produces a
// long-lived token with no exp claim.
func NewICClaims(agentID, budgetID string, permissions []string, ttl time.Duration) ICClaims {
	now := time.Now()
	claims := ICClaims{
		AgentID:     agentID,
		BudgetID:    budgetID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return claims
}

// HasPermission reports whether the claim set grants the named
// operation.
func (c *ICClaims) HasPermission(op string) bool {
	for _, p := range c.Permissions {
		if p == op {
			return true
		}
	}
	return false
}

// ICSigner signs and verifies IC Tokens with a shared HMAC-SHA256
// secret. Verification is pure and does no I/O, so it is usable on the
// hot path of every protocol call.
type ICSigner struct {
	secret []byte
}

// NewICSigner creates a signer from the shared secret.
func NewICSigner(secret string) *ICSigner {
	return &ICSigner{secret: []byte(secret)}
}

// Sign produces a compact JWT for the claims.
func (s *ICSigner) Sign(claims ICClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verify parses and validates a raw IC Token. It fails closed: any
// structural error, signature mismatch, wrong issuer, or malformed
// agent id is ErrInvalidToken; a valid-but-expired token is
// ErrTokenExpired.
func (s *ICSigner) Verify(raw string) (*ICClaims, error) {
	if raw == "" || len(raw) > MaxICTokenLength {
		return nil, ErrInvalidToken
	}

	var claims ICClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if !strings.HasPrefix(claims.AgentID, "agent_") {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
