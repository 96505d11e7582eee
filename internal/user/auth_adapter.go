package user

import (
	"context"

	"github.com/alecgard/bursar/internal/auth"
)

// SessionAdapter adapts user.Store to the auth.SessionLookup interface.
type SessionAdapter struct {
	store *Store
}

// NewSessionAdapter creates a new SessionAdapter wrapping the given user store.
func NewSessionAdapter(store *Store) *SessionAdapter {
	return &SessionAdapter{store: store}
}

// LookupSession looks up a session token and returns the associated auth.User.
func (a *SessionAdapter) LookupSession(ctx context.Context, token string) (*auth.User, error) {
	u, err := a.store.GetSessionUser(ctx, token)
	if err != nil {
		return nil, err
	}
	return &auth.User{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
	}, nil
}

// ApproverAdapter adapts ApproverStore to the auth.ApproverLookup interface.
type ApproverAdapter struct {
	store *ApproverStore
}

// NewApproverAdapter creates a new ApproverAdapter wrapping the given store.
func NewApproverAdapter(store *ApproverStore) *ApproverAdapter {
	return &ApproverAdapter{store: store}
}

// GetByKeyHash looks up an approver credential and returns the auth.Approver.
func (a *ApproverAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Approver, error) {
	rec, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Approver{
		ID:   rec.ID,
		Name: rec.Name,
		Role: rec.Role,
	}, nil
}
