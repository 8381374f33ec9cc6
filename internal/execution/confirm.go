package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"convexity_trading/internal/models"
)

// PendingConfirmation is an order parked in WAITING_CONFIRMATION.
type PendingConfirmation struct {
	OrderID   string
	Candidate models.CandidateOrder
	Notional  string
	Since     time.Time
	Deadline  time.Time
}

// Confirmations hands operator decisions to orders waiting for them.
type Confirmations struct {
	mu      sync.Mutex
	waiting map[string]*waiter
}

type waiter struct {
	info PendingConfirmation
	ch   chan bool
}

func NewConfirmations() *Confirmations {
	return &Confirmations{waiting: make(map[string]*waiter)}
}

// Await blocks until Resolve is called for id, the timeout passes or ctx is done.
// decided is false on timeout.
func (c *Confirmations) Await(ctx context.Context, info PendingConfirmation, timeout time.Duration) (approved, decided bool, err error) {
	w := &waiter{info: info, ch: make(chan bool, 1)}
	c.mu.Lock()
	c.waiting[info.OrderID] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, info.OrderID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-w.ch:
		return ok, true, nil
	case <-timer.C:
		return false, false, nil
	case <-ctx.Done():
		return false, false, ctx.Err()
	}
}

// Resolve delivers an operator decision. It errors when nothing waits under id.
func (c *Confirmations) Resolve(id string, approve bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiting[id]
	if !ok {
		return fmt.Errorf("no order waiting for confirmation with id %s", id)
	}
	select {
	case w.ch <- approve:
	default:
		return fmt.Errorf("order %s already resolved", id)
	}
	return nil
}

// Pending lists waiting orders, oldest first.
func (c *Confirmations) Pending() []PendingConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(c.waiting))
	for _, w := range c.waiting {
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
