// Package ledger is the engine's history: submitted orders, daily equity, portfolio
// snapshots and the guardrail record. The broker stays authoritative for positions.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

// PortfolioSnapshot is what a cycle saw at refresh time.
type PortfolioSnapshot struct {
	CycleID     string                    `json:"cycle_id"`
	At          time.Time                 `json:"at"`
	Equity      decimal.Decimal           `json:"equity"`
	Cash        decimal.Decimal           `json:"cash"`
	BuyingPower decimal.Decimal           `json:"buying_power"`
	Allocations map[models.Bucket]float64 `json:"allocations"`
	Positions   int                       `json:"positions"`
}

func SnapshotOf(cycleID string, pf *models.Portfolio) PortfolioSnapshot {
	return PortfolioSnapshot{
		CycleID:     cycleID,
		At:          pf.AsOf,
		Equity:      pf.Equity,
		Cash:        pf.Cash,
		BuyingPower: pf.BuyingPower,
		Allocations: pf.Allocations(),
		Positions:   len(pf.Positions),
	}
}

type Ledger interface {
	// AppendOrder inserts the order or replaces the stored copy with the same ID.
	AppendOrder(ctx context.Context, o models.Order) error
	RecentOrders(ctx context.Context, limit int) ([]models.Order, error)

	// AppendEquitySnapshot keeps one value per calendar day of at; the latest write wins.
	AppendEquitySnapshot(ctx context.Context, equity decimal.Decimal, at time.Time) error
	// EquityHigh is the highest daily equity in the lookbackDays before now, zero if none.
	EquityHigh(ctx context.Context, lookbackDays int, now time.Time) (decimal.Decimal, error)

	AppendPortfolioSnapshot(ctx context.Context, s PortfolioSnapshot) error

	LoadGuardrail(ctx context.Context) (*models.GuardrailState, error)
	SaveGuardrail(ctx context.Context, st models.GuardrailState, prevVersion int64) error

	Close()
}

func dayOf(t time.Time) string {
	return t.Format("2006-01-02")
}

func lookbackStart(lookbackDays int, now time.Time) string {
	return dayOf(now.AddDate(0, 0, -lookbackDays))
}
