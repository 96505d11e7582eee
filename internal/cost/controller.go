// Package cost provides in-process budget accounting for a single
// agent's spend, in integer microdollars (1_000_000 = $1). The
// Controller is lock-free: admission goes through a compare-and-swap
// retry loop so concurrent callers can never both claim the same
// slice of budget.
package cost

import (
	"fmt"
	"sync/atomic"
)

// Controller tracks spend against a fixed limit. All amounts are
// microdollars. The zero value is unusable; use New.
type Controller struct {
	limit    atomic.Int64
	spent    atomic.Int64
	reserved atomic.Int64
}

// Reservation is a hold on budget capacity created by Reserve and
// resolved by exactly one of Commit or Cancel.
type Reservation struct {
	amount int64
}

// Amount returns the reserved amount in microdollars.
func (r Reservation) Amount() int64 { return r.amount }

// BudgetExceededError reports that spent plus reserved has reached the
// limit.
type BudgetExceededError struct {
	Spent    int64
	Limit    int64
	Reserved int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent %d + reserved %d >= limit %d (microdollars)",
		e.Spent, e.Reserved, e.Limit)
}

// InsufficientBudgetError reports that a reservation asked for more
// than is currently available.
type InsufficientBudgetError struct {
	Available int64
	Requested int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget: requested %d, available %d (microdollars)",
		e.Requested, e.Available)
}

// New creates a Controller with the given limit in microdollars.
// Negative limits are treated as zero.
func New(limit int64) *Controller {
	c := &Controller{}
	if limit < 0 {
		limit = 0
	}
	c.limit.Store(limit)
	return c
}

// CheckBudget reports whether any spend is still admissible. It is
// side-effect free and fails once spent + reserved has reached the
// limit.
func (c *Controller) CheckBudget() error {
	limit := c.limit.Load()
	spent := c.spent.Load()
	reserved := c.reserved.Load()
	if spent+reserved >= limit {
		return &BudgetExceededError{Spent: spent, Limit: limit, Reserved: reserved}
	}
	return nil
}

// Reserve places a hold for maxCost microdollars. It is the only
// operation that increases the reserved counter, via CAS retry, so two
// goroutines can never both be granted the same headroom.
func (c *Controller) Reserve(maxCost int64) (Reservation, error) {
	if maxCost < 0 {
		return Reservation{}, fmt.Errorf("negative reservation amount %d", maxCost)
	}
	for {
		limit := c.limit.Load()
		spent := c.spent.Load()
		reserved := c.reserved.Load()

		available := limit - spent - reserved
		if available < 0 {
			available = 0
		}
		if maxCost > available {
			return Reservation{}, &InsufficientBudgetError{Available: available, Requested: maxCost}
		}
		if c.reserved.CompareAndSwap(reserved, reserved+maxCost) {
			return Reservation{amount: maxCost}, nil
		}
	}
}

// Commit resolves a reservation with the actual cost, which may be
// less than the amount reserved. Spend lands before the reservation is
// released so available never overshoots mid-commit.
func (c *Controller) Commit(res Reservation, actual int64) {
	if actual < 0 {
		actual = 0
	}
	c.spent.Add(actual)
	c.reserved.Add(-res.amount)
}

// Cancel releases a reservation without recording any spend.
func (c *Controller) Cancel(res Reservation) {
	c.reserved.Add(-res.amount)
}

// AddSpend records cost after a request finishes. Admission control is
// CheckBudget and Reserve; AddSpend itself never blocks or fails.
func (c *Controller) AddSpend(amount int64) {
	if amount <= 0 {
		return
	}
	c.spent.Add(amount)
}

// SetLimit replaces the budget limit.
func (c *Controller) SetLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}
	c.limit.Store(limit)
}

// Spent returns total spend so far.
func (c *Controller) Spent() int64 { return c.spent.Load() }

// Reserved returns the total outstanding reservations.
func (c *Controller) Reserved() int64 { return c.reserved.Load() }

// Limit returns the configured limit.
func (c *Controller) Limit() int64 { return c.limit.Load() }

// Available returns limit - spent - reserved, floored at zero. It is a
// snapshot and may be stale under concurrent mutation; admission
// decisions go through Reserve.
func (c *Controller) Available() int64 {
	available := c.limit.Load() - c.spent.Load() - c.reserved.Load()
	if available < 0 {
		return 0
	}
	return available
}
