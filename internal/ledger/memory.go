package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

// Memory is a process-local Ledger, used for dry runs without a database and in tests.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]models.Order
	order     []string
	equity    map[string]decimal.Decimal
	snapshots []PortfolioSnapshot
	guardrail *models.GuardrailState
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]models.Order),
		equity: make(map[string]decimal.Decimal),
	}
}

func (m *Memory) AppendOrder(_ context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		m.order = append(m.order, o.ID)
	}
	o.History = append([]models.Transition(nil), o.History...)
	m.orders[o.ID] = o
	return nil
}

// RecentOrders returns the newest orders first.
func (m *Memory) RecentOrders(_ context.Context, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for i := len(m.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.orders[m.order[i]])
	}
	return out, nil
}

func (m *Memory) AppendEquitySnapshot(_ context.Context, equity decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity[dayOf(at)] = equity
	return nil
}

func (m *Memory) EquityHigh(_ context.Context, lookbackDays int, now time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, to := lookbackStart(lookbackDays, now), dayOf(now)
	high := decimal.Zero
	for day, v := range m.equity {
		if day >= from && day <= to && v.GreaterThan(high) {
			high = v
		}
	}
	return high, nil
}

func (m *Memory) AppendPortfolioSnapshot(_ context.Context, s PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

// Snapshots returns stored portfolio snapshots ordered by time.
func (m *Memory) Snapshots() []PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]PortfolioSnapshot(nil), m.snapshots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *Memory) LoadGuardrail(context.Context) (*models.GuardrailState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guardrail == nil {
		return nil, nil
	}
	st := *m.guardrail
	return &st, nil
}

func (m *Memory) SaveGuardrail(_ context.Context, st models.GuardrailState, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if m.guardrail != nil {
		current = m.guardrail.Version
	}
	if current != prevVersion {
		return models.ErrStaleGuardrailState
	}
	m.guardrail = &st
	return nil
}

func (m *Memory) Close() {}
