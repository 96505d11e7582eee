package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Approver represents an authenticated refresh approver: the human or
// service identity whose credential authorizes budget refreshes.
type Approver struct {
	ID   string
	Name string
	Role string // "admin" or "approver"
}

// IsAdmin returns true if the approver may use the admin surface.
func (a *Approver) IsAdmin() bool {
	return a.Role == "admin"
}

// ApproverKey holds the hashed key and a short prefix for identification.
type ApproverKey struct {
	Hash   string
	Prefix string // first 14 characters of the plaintext key
}

// User represents an authenticated dashboard user.
type User struct {
	ID    string
	Email string
	Name  string
	Role  string // "admin" or "operator"
}

// IsAdmin returns true if the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// ApproverLookup is the interface for retrieving approvers by their key hash.
type ApproverLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Approver, error)
}

// SessionLookup is the interface for resolving session tokens to users.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (*User, error)
}

// Service provides authentication operations backed by an approver store.
type Service struct {
	store ApproverLookup
}

// NewService creates a new authentication service.
func NewService(store ApproverLookup) *Service {
	return &Service{store: store}
}

// GenerateApproverKey creates a new approver credential with the "bursar_"
// prefix followed by 32 URL-safe random characters. It returns the
// ApproverKey struct (containing the hash and prefix) and the full
// plaintext key.
func GenerateApproverKey() (ApproverKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return ApproverKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "bursar_" + random

	key := ApproverKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:14],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
