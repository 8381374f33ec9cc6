package market

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/models"
)

func TestParseOCC(t *testing.T) {
	occ, ok := ParseOCC("UMC260116C00010500")
	require.True(t, ok)
	assert.Equal(t, "UMC", occ.Underlying)
	assert.Equal(t, models.RightCall, occ.Right)
	assert.True(t, occ.Strike.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), occ.Expiration)

	put, ok := ParseOCC("TE260220P00005000")
	require.True(t, ok)
	assert.Equal(t, models.RightPut, put.Right)

	for _, s := range []string{"UMC", "GME.WS", "", "UMC260116X00010000", "260116C00010000"} {
		_, ok := ParseOCC(s)
		assert.False(t, ok, s)
	}
}

func TestFormatOCC_RoundTripsParse(t *testing.T) {
	exp := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	s := FormatOCC("ampx", exp, models.RightCall, decimal.RequireFromString("7.5"))
	assert.Equal(t, "AMPX260320C00007500", s)

	occ, ok := ParseOCC(s)
	require.True(t, ok)
	assert.Equal(t, "AMPX", occ.Underlying)
}

func TestState(t *testing.T) {
	qty := decimal.NewFromInt(4)
	cases := []struct {
		status string
		filled int64
		want   models.OrderState
		ok     bool
	}{
		{"new", 0, "", false},
		{"partially_filled", 2, "", false},
		{"filled", 4, models.StateFilled, true},
		{"canceled", 0, models.StateCancelled, true},
		{"canceled", 1, models.StatePartiallyFilled, true},
		{"expired", 0, models.StateExpired, true},
		{"expired", 3, models.StatePartiallyFilled, true},
		{"rejected", 0, models.StateRejected, true},
	}
	for _, c := range cases {
		t.Run(c.status, func(t *testing.T) {
			got, ok := State(&models.BrokerOrder{Status: c.status, Qty: qty, FilledQty: decimal.NewFromInt(c.filled)})
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

type stubBroker struct {
	Broker
	open []models.BrokerOrder
}

func (s *stubBroker) ListOpenOrders(context.Context) ([]models.BrokerOrder, error) {
	return s.open, nil
}

func TestDryRunBroker(t *testing.T) {
	inner := &stubBroker{open: []models.BrokerOrder{{ID: "real-1", Symbol: "UMC"}}}
	d := NewDryRunBroker(inner)
	ctx := context.Background()

	id, err := d.PlaceOrder(ctx, models.OrderSpec{
		Symbol:     "UMC260116C00010000",
		Qty:        decimal.NewFromInt(2),
		Side:       models.SideBuy,
		LimitPrice: decimal.RequireFromString("1.25"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "DRY_RUN_"))

	o, err := d.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.FilledAvgPrice.Equal(decimal.RequireFromString("1.25")))

	_, err = d.GetOrder(ctx, "DRY_RUN_999")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	open, err := d.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
