package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemory_EquityHighOnePerDayLatestWins(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	now := time.Date(2026, 3, 31, 16, 0, 0, 0, time.UTC)

	require.NoError(t, l.AppendEquitySnapshot(ctx, d("1700"), now.AddDate(0, 0, -45))) // outside lookback
	require.NoError(t, l.AppendEquitySnapshot(ctx, d("1600"), now.AddDate(0, 0, -10)))
	require.NoError(t, l.AppendEquitySnapshot(ctx, d("1900"), now.Add(-3*time.Hour)))
	require.NoError(t, l.AppendEquitySnapshot(ctx, d("1180"), now)) // same day, replaces 1900

	high, err := l.EquityHigh(ctx, 30, now)
	require.NoError(t, err)
	assert.True(t, high.Equal(d("1600")), "got %s", high)
}

func TestMemory_EquityHighEmpty(t *testing.T) {
	high, err := NewMemory().EquityHigh(context.Background(), 30, time.Now())
	require.NoError(t, err)
	assert.True(t, high.IsZero())
}

func TestMemory_OrdersUpsertAndRecentFirst(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	now := time.Now()

	a := models.NewOrder("a", "c1", models.CandidateOrder{Intent: models.IntentOpen, Symbol: "X"}, now)
	b := models.NewOrder("b", "c1", models.CandidateOrder{Intent: models.IntentClose, Symbol: "Y"}, now)
	require.NoError(t, l.AppendOrder(ctx, *a))
	require.NoError(t, l.AppendOrder(ctx, *b))

	require.NoError(t, a.Transition(models.StatePreflightFailed, now, "price moved"))
	require.NoError(t, l.AppendOrder(ctx, *a))

	orders, err := l.RecentOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "b", orders[0].ID)
	assert.Equal(t, models.StatePreflightFailed, orders[1].State)

	orders, err = l.RecentOrders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestMemory_GuardrailCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	st, err := l.LoadGuardrail(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, l.SaveGuardrail(ctx, models.GuardrailState{Version: 1}, 0))
	assert.ErrorIs(t, l.SaveGuardrail(ctx, models.GuardrailState{Version: 1}, 0), models.ErrStaleGuardrailState)
	require.NoError(t, l.SaveGuardrail(ctx, models.GuardrailState{Version: 2, Paused: true}, 1))

	st, err = l.LoadGuardrail(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, int64(2), st.Version)
}

func TestSnapshotOf(t *testing.T) {
	pf := &models.Portfolio{Equity: d("1000"), Cash: d("400"), Positions: []models.Position{
		{Symbol: "A", Kind: models.KindCall, Quantity: d("1"), CurrentPrice: d("6"), Bucket: models.BucketThemeA},
	}}
	s := SnapshotOf("c1", pf)
	assert.Equal(t, 1, s.Positions)
	assert.InDelta(t, 0.6, s.Allocations[models.BucketThemeA], 1e-9)
	assert.InDelta(t, 0.4, s.Allocations[models.BucketCash], 1e-9)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
}
