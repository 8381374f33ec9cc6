package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
	"convexity_trading/internal/market/fake"
	"convexity_trading/internal/models"
	"convexity_trading/internal/selector"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubSelector struct {
	picks map[string]*selector.Selection
	err   error
	calls int
}

func (s *stubSelector) Select(_ context.Context, underlying string, _ decimal.Decimal, _ config.SelectionPolicy) (*selector.Selection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	sel, ok := s.picks[underlying]
	if !ok {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no liquid contract"}
	}
	return sel, nil
}

func pick(symbol, ask string) *selector.Selection {
	return &selector.Selection{Contract: models.Contract{
		Symbol: symbol,
		Right:  models.RightCall,
		Strike: d("10"),
		Bid:    d(ask).Sub(d("0.05")),
		Ask:    d(ask),
	}, DTE: 90}
}

func setup() (*fake.Data, *stubSelector, config.Policy) {
	data := fake.NewData()
	for _, u := range []string{"UMC", "TE", "AMPX"} {
		data.SetQuote(u, "9.99", "10.01", "10")
	}
	sel := &stubSelector{picks: map[string]*selector.Selection{
		"UMC":  pick("UMC_C", "1.00"),
		"TE":   pick("TE_C", "1.00"),
		"AMPX": pick("AMPX_C", "1.00"),
	}}
	pol := config.Defaults()
	pol.UseSMAFilter = false
	return data, sel, pol
}

func cashOnly(equity, cash string) *models.Portfolio {
	return &models.Portfolio{Equity: d(equity), Cash: d(cash)}
}

func holding(symbol string, bucket models.Bucket, qty, price string) models.Position {
	return models.Position{
		Symbol:       symbol,
		Kind:         models.KindCall,
		Quantity:     d(qty),
		EntryPrice:   d(price),
		CurrentPrice: d(price),
		Bid:          d(price),
		Bucket:       bucket,
	}
}

func TestPlanRebalance_BuysThemesWithinCashFloor(t *testing.T) {
	data, sel, pol := setup()

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	require.NoError(t, err)

	require.Len(t, plan.Orders, 3)
	want := map[string]string{"UMC_C": "35", "TE_C": "35", "AMPX_C": "10"} // C is capped by the $2000 floor
	spent := decimal.Zero
	for _, o := range plan.Orders {
		assert.Equal(t, models.IntentOpen, o.Intent)
		assert.True(t, o.Quantity.Equal(d(want[o.Symbol])), "%s qty %s", o.Symbol, o.Quantity)
		assert.NotEqual(t, models.BucketMoonshot, o.Bucket)
		spent = spent.Add(o.Notional())
	}
	assert.True(t, spent.LessThanOrEqual(d("8000")))
}

func TestPlanRebalance_NeverBuysMoonshot(t *testing.T) {
	data, sel, pol := setup()
	pol.MoonshotTarget = 0.30

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	require.NoError(t, err)
	for _, o := range plan.Orders {
		assert.NotEqual(t, "GME.WS", o.Symbol)
		assert.NotEqual(t, models.BucketMoonshot, o.Bucket)
	}
}

func TestPlanRebalance_CashBufferBlocksBuys(t *testing.T) {
	data, sel, pol := setup()
	pf := cashOnly("10000", "2050")
	pf.Positions = []models.Position{holding("OTHER", models.BucketOther, "79", "1.00")}

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: pf, Policy: pol})
	require.NoError(t, err)

	assert.Empty(t, plan.Orders)
	require.Len(t, plan.Skipped, 3)
	for _, s := range plan.Skipped {
		assert.Equal(t, "blocked: cash buffer", s.Reason)
	}
}

func TestPlanRebalance_DriftBelowThresholdDoesNothing(t *testing.T) {
	data, sel, pol := setup()
	pf := cashOnly("10000", "3550")
	pf.Positions = []models.Position{
		holding("UMC_C", models.BucketThemeA, "10", "3.45"), // $3450, $50 short
		holding("TE_C", models.BucketThemeB, "10", "3.50"),
		holding("AMPX_C", models.BucketThemeC, "10", "1.50"),
	}

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: pf, Policy: pol})
	require.NoError(t, err)
	assert.Empty(t, plan.Orders)
	assert.Empty(t, plan.Skipped)
	assert.Equal(t, 0, sel.calls)
}

func TestPlanRebalance_ReducesOverTargetTheme(t *testing.T) {
	data, sel, pol := setup()
	pf := cashOnly("10000", "0")
	pf.Positions = []models.Position{
		holding("UMC_C", models.BucketThemeA, "10", "5.00"), // $5000 vs $3500 target
		holding("TE_C", models.BucketThemeB, "10", "3.50"),
		holding("AMPX_C", models.BucketThemeC, "10", "1.50"),
	}

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: pf, Policy: pol})
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	o := plan.Orders[0]
	assert.Equal(t, models.IntentReduce, o.Intent)
	assert.Equal(t, models.ActionSell, o.Action())
	assert.True(t, o.Quantity.Equal(d("3")))

	t.Run("symbols with lifecycle orders are left alone", func(t *testing.T) {
		plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: pf, Policy: pol, Exclude: map[string]bool{"UMC_C": true}})
		require.NoError(t, err)
		assert.Empty(t, plan.Orders)
	})
}

func TestPlanRebalance_IsIdempotent(t *testing.T) {
	data, sel, pol := setup()
	in := Input{Portfolio: cashOnly("10000", "10000"), Policy: pol}

	first, err := New(data, sel).PlanRebalance(context.Background(), in)
	require.NoError(t, err)
	second, err := New(data, sel).PlanRebalance(context.Background(), in)
	require.NoError(t, err)

	keys := func(p *Plan) []string {
		var out []string
		for _, o := range p.Orders {
			out = append(out, o.Key())
		}
		return out
	}
	assert.Equal(t, keys(first), keys(second))
}

func TestPlanRebalance_SMAFilter(t *testing.T) {
	data, sel, pol := setup()
	pol.UseSMAFilter = true
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 11
	}
	data.SetBars("UMC", closes...)
	data.SetBars("TE", 9, 9, 9) // not enough history, filter does not block

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	require.NoError(t, err)

	var symbols []string
	for _, o := range plan.Orders {
		symbols = append(symbols, o.Symbol)
	}
	assert.NotContains(t, symbols, "UMC_C")
	assert.Contains(t, symbols, "TE_C")
	require.NotEmpty(t, plan.Skipped)
	assert.Equal(t, "UMC", plan.Skipped[0].Underlying)
	assert.Contains(t, plan.Skipped[0].Reason, "below SMA20")
}

func TestPlanRebalance_ManualModeOnlySkipsBuys(t *testing.T) {
	data, sel, pol := setup()
	pol.ManualModeOnly = true

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	require.NoError(t, err)
	assert.Empty(t, plan.Orders)
	require.Len(t, plan.Skipped, 3)
	assert.Equal(t, "manual mode only", plan.Skipped[0].Reason)
}

func TestPlanRebalance_SelectionFailureSkipsProviderErrorAborts(t *testing.T) {
	data, sel, pol := setup()
	delete(sel.picks, "TE")

	plan, err := New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	require.NoError(t, err)
	assert.Len(t, plan.Orders, 2)
	require.Len(t, plan.Skipped, 1)
	assert.Contains(t, plan.Skipped[0].Reason, "no liquid contract")

	data.Err = errors.New("503")
	_, err = New(data, sel).PlanRebalance(context.Background(), Input{Portfolio: cashOnly("10000", "10000"), Policy: pol})
	assert.ErrorIs(t, err, models.ErrDataProviderUnavailable)
}

func TestApplyCashBuffer(t *testing.T) {
	buy := func(sym string) models.CandidateOrder {
		return models.CandidateOrder{Intent: models.IntentOpen, Symbol: sym, Kind: models.KindCall, Quantity: d("1"), PriceHint: d("5")}
	}
	sell := models.CandidateOrder{Intent: models.IntentReduce, Symbol: "S", Kind: models.KindCall, Quantity: d("1"), PriceHint: d("5")}

	kept, skipped := applyCashBuffer([]models.CandidateOrder{buy("A"), sell, buy("B")}, nil, d("2800"), d("2000"))
	require.Len(t, kept, 2)
	assert.Equal(t, "A", kept[0].Symbol)
	assert.Equal(t, "S", kept[1].Symbol)
	require.Len(t, skipped, 1)
	assert.Equal(t, "blocked: cash buffer", skipped[0].Reason)
}

func TestTrimMoonshot(t *testing.T) {
	pol := config.Defaults()
	pf := cashOnly("10000", "6500")
	pf.Positions = []models.Position{{
		Symbol:       "GME.WS",
		Kind:         models.KindWarrant,
		Quantity:     d("100"),
		EntryPrice:   d("10"),
		CurrentPrice: d("35"),
		Bid:          d("34.90"),
		Bucket:       models.BucketMoonshot,
	}} // 35% vs 30% cap

	orders := TrimMoonshot(pf, pol)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, models.IntentTrim, o.Intent)
	assert.Equal(t, models.ActionSell, o.Action())
	assert.True(t, o.Quantity.Equal(d("14")))
	assert.True(t, o.PriceHint.Equal(d("34.90")))

	pf.Positions[0].CurrentPrice = d("25")
	assert.Empty(t, TrimMoonshot(pf, pol), "under the cap")
}

func TestCapToBudget(t *testing.T) {
	o := func(intent models.Intent, sym, group string) models.CandidateOrder {
		return models.CandidateOrder{Intent: intent, Symbol: sym, RollGroup: group}
	}
	orders := []models.CandidateOrder{
		o(models.IntentOpen, "open", ""),
		o(models.IntentReduce, "reduce", ""),
		o(models.IntentTrim, "trim", ""),
		o(models.IntentClose, "close", ""),
		o(models.IntentRollClose, "roll_out", "g"),
		o(models.IntentRollOpen, "roll_in", "g"),
	}
	symbols := func(os []models.CandidateOrder) []string {
		var out []string
		for _, x := range os {
			out = append(out, x.Symbol)
		}
		return out
	}

	kept, dropped := CapToBudget(orders, 3)
	assert.Equal(t, []string{"close", "roll_out", "roll_in"}, symbols(kept))
	assert.Equal(t, []string{"trim", "reduce", "open"}, symbols(dropped))

	kept, _ = CapToBudget(orders, 2)
	assert.Equal(t, []string{"close", "trim"}, symbols(kept), "roll legs travel together")

	kept, dropped = CapToBudget(orders, 0)
	assert.Empty(t, kept)
	assert.Len(t, dropped, 6)
}

func TestSMA(t *testing.T) {
	bars := []models.Bar{{Close: d("1")}, {Close: d("2")}, {Close: d("3")}, {Close: d("4")}}
	v, ok := SMA(bars, 2)
	require.True(t, ok)
	assert.True(t, v.Equal(d("3.5")))

	_, ok = SMA(bars, 5)
	assert.False(t, ok)
}
