package ledger

import (
	"context"
	"testing"
)

// Argument validation happens before any database round-trip, so these
// paths are testable with an unconnected store.
func TestRejectsInvalidAmounts(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if _, err := s.CheckAndReserve(ctx, "agent_1", 0); err == nil {
		t.Error("CheckAndReserve(0) should fail")
	}
	if _, err := s.CheckAndReserve(ctx, "agent_1", -5); err == nil {
		t.Error("CheckAndReserve(-5) should fail")
	}
	if err := s.Restore(ctx, "agent_1", -1); err == nil {
		t.Error("Restore(-1) should fail")
	}
	if _, err := s.AddBudget(ctx, "agent_1", 0); err == nil {
		t.Error("AddBudget(0) should fail")
	}
	if _, err := s.Create(ctx, "agent_1", -1); err == nil {
		t.Error("Create with negative allocation should fail")
	}
}

func TestRestoreZeroIsNoOp(t *testing.T) {
	s := NewStore(nil)
	if err := s.Restore(context.Background(), "agent_1", 0); err != nil {
		t.Errorf("Restore(0) = %v, want nil", err)
	}
}
