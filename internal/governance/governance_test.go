package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
)

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func portfolio(equity, cash string, positions ...models.Position) *models.Portfolio {
	return &models.Portfolio{Equity: d(equity), Cash: d(cash), Positions: positions}
}

func buy(symbol string, bucket models.Bucket, qty, price string) models.CandidateOrder {
	return models.CandidateOrder{Intent: models.IntentOpen, Symbol: symbol, Kind: models.KindCall, Quantity: d(qty), PriceHint: d(price), Bucket: bucket}
}

func sell(symbol string, intent models.Intent) models.CandidateOrder {
	return models.CandidateOrder{Intent: intent, Symbol: symbol, Kind: models.KindCall, Quantity: d("1"), PriceHint: d("1"), Bucket: models.BucketThemeA}
}

func denied(t *testing.T, err error) *models.GovernanceDenied {
	t.Helper()
	var gd *models.GovernanceDenied
	require.True(t, errors.As(err, &gd), "expected a denial, got %v", err)
	return gd
}

func policy() config.Policy {
	p := config.Defaults()
	p.MaxSinglePositionPct = 1
	p.MaxCorrelatedPct = 1
	return p
}

func TestAuthorize_KillSwitchScenario(t *testing.T) {
	pf := portfolio("1180", "1000")
	st := models.GuardrailState{EquityHigh: d("1600")} // -26.25%

	err := Authorize(Request{Order: buy("NEW", models.BucketThemeA, "1", "0.50"), Portfolio: pf, State: st, Policy: policy(), Now: testNow})
	gd := denied(t, err)
	assert.Equal(t, "kill_switch", gd.Check)
	assert.Contains(t, gd.Reason, "kill switch active")
	assert.Contains(t, gd.Reason, "No new positions")

	err = Authorize(Request{Order: sell("OTHER", models.IntentClose), Portfolio: pf, State: st, Policy: policy(), Now: testNow})
	assert.NoError(t, err, "a stop-loss sell is never blocked by the kill switch")
}

func TestAuthorize_KillSwitchLatchOutlivesRecovery(t *testing.T) {
	until := testNow.Add(48 * time.Hour)
	st := models.GuardrailState{EquityHigh: d("1000"), KillSwitchActive: true, KillSwitchUntil: &until}

	err := Authorize(Request{Order: buy("X", models.BucketThemeA, "1", "1"), Portfolio: portfolio("1000", "1000"), State: st, Policy: policy(), Now: testNow})
	assert.Equal(t, "kill_switch", denied(t, err).Check)

	err = Authorize(Request{Order: buy("X", models.BucketThemeA, "1", "1"), Portfolio: portfolio("1000", "1000"), State: st, Policy: policy(), Now: until.Add(time.Minute)})
	assert.NoError(t, err)
}

func TestAuthorize_CashBuffer(t *testing.T) {
	pf := portfolio("10000", "2500")

	assert.NoError(t, Authorize(Request{Order: buy("X", models.BucketThemeA, "5", "1.00"), Portfolio: pf, Policy: policy(), Now: testNow}))

	err := Authorize(Request{Order: buy("X", models.BucketThemeA, "6", "1.00"), Portfolio: pf, Policy: policy(), Now: testNow})
	gd := denied(t, err)
	assert.Equal(t, "cash_buffer", gd.Check)
	assert.Equal(t, "Blocked: cash $1900.00 below minimum $2000.00", gd.Reason)

	t.Run("never on margin", func(t *testing.T) {
		p := policy()
		p.CashMinimum = 0
		err := Authorize(Request{Order: buy("X", models.BucketThemeA, "30", "1.00"), Portfolio: pf, Policy: p, Now: testNow})
		assert.Contains(t, denied(t, err).Reason, "no margin")
	})
}

func TestAuthorize_AllowedBuysKeepCashAboveMinimum(t *testing.T) {
	pf := portfolio("10000", "3000")
	floor := d("2000")
	for qty := 1; qty <= 20; qty++ {
		o := buy("X", models.BucketThemeA, decimal.NewFromInt(int64(qty)).String(), "0.75")
		if Authorize(Request{Order: o, Portfolio: pf, Policy: policy(), Now: testNow}) == nil {
			assert.True(t, pf.Cash.Sub(o.Notional()).GreaterThanOrEqual(floor), "qty %d", qty)
		}
	}
}

func TestAuthorize_PauseAndReadOnlyDenyEverything(t *testing.T) {
	pf := portfolio("10000", "10000")
	st := models.GuardrailState{Paused: true, PauseReason: "vacation"}

	gd := denied(t, Authorize(Request{Order: sell("X", models.IntentClose), Portfolio: pf, State: st, Policy: policy(), Now: testNow}))
	assert.Equal(t, "pause", gd.Check)
	assert.Equal(t, "Blocked: trading paused (vacation)", gd.Reason)

	p := policy()
	p.ExecutionTier = config.TierReadOnly
	gd = denied(t, Authorize(Request{Order: sell("X", models.IntentClose), Portfolio: pf, Policy: p, Now: testNow}))
	assert.Contains(t, gd.Reason, "read_only")
}

func TestAuthorize_CooldownDeniesAll(t *testing.T) {
	until := testNow.Add(time.Hour)
	st := models.GuardrailState{CooldownUntil: &until}
	gd := denied(t, Authorize(Request{Order: sell("X", models.IntentClose), Portfolio: portfolio("1", "1"), State: st, Policy: policy(), Now: testNow}))
	assert.Equal(t, "cooldown", gd.Check)
}

func TestAuthorize_ExposureLimits(t *testing.T) {
	held := models.Position{Symbol: "A", Kind: models.KindCall, Quantity: d("10"), CurrentPrice: d("3"), Bucket: models.BucketThemeA} // $3000

	t.Run("single position", func(t *testing.T) {
		p := policy()
		p.MaxSinglePositionPct = 0.40
		err := Authorize(Request{Order: buy("A", models.BucketThemeA, "11", "1"), Portfolio: portfolio("10000", "7000", held), Policy: p, Now: testNow})
		assert.Equal(t, "concentration", denied(t, err).Check)
	})

	t.Run("correlated themes", func(t *testing.T) {
		p := policy()
		p.MaxCorrelatedPct = 0.35
		err := Authorize(Request{Order: buy("B", models.BucketThemeB, "6", "1"), Portfolio: portfolio("10000", "7000", held), Policy: p, Now: testNow})
		assert.Equal(t, "correlated", denied(t, err).Check)
	})

	t.Run("moonshot cap, trims exempt", func(t *testing.T) {
		ms := models.Position{Symbol: "GME.WS", Kind: models.KindWarrant, Quantity: d("100"), CurrentPrice: d("28"), Bucket: models.BucketMoonshot}
		pf := portfolio("10000", "7200", ms)
		o := models.CandidateOrder{Intent: models.IntentOpen, Symbol: "GME.WS", Kind: models.KindWarrant, Quantity: d("10"), PriceHint: d("28"), Bucket: models.BucketMoonshot}
		assert.Equal(t, "moonshot_cap", denied(t, Authorize(Request{Order: o, Portfolio: pf, Policy: policy(), Now: testNow})).Check)

		trim := models.CandidateOrder{Intent: models.IntentTrim, Symbol: "GME.WS", Kind: models.KindWarrant, Quantity: d("10"), PriceHint: d("28"), Bucket: models.BucketMoonshot}
		assert.NoError(t, Authorize(Request{Order: trim, Portfolio: pf, Policy: policy(), Now: testNow}))
	})
}

func TestChecksOrder(t *testing.T) {
	assert.Equal(t, []string{"pause", "cooldown", "kill_switch", "cash_buffer", "concentration", "correlated", "moonshot_cap"}, Checks())
}

// memPersister is an in-memory Persister that enforces versions.
type memPersister struct {
	mu    sync.Mutex
	state *models.GuardrailState
	fail  error
	saves int
}

func (m *memPersister) LoadGuardrail(context.Context) (*models.GuardrailState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	st := *m.state
	return &st, nil
}

func (m *memPersister) SaveGuardrail(_ context.Context, st models.GuardrailState, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cur := int64(0)
	if m.state != nil {
		cur = m.state.Version
	}
	if cur != prev {
		return models.ErrStaleGuardrailState
	}
	m.saves++
	m.state = &st
	return nil
}

func newStore(t *testing.T, p *memPersister) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), p, time.UTC)
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	return s
}

func TestStore_UpdateIsVersionedAndSerialized(t *testing.T) {
	p := &memPersister{}
	s := newStore(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), func(st *models.GuardrailState) error {
				CountTrade(st)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := s.Snapshot()
	assert.Equal(t, 20, st.TradesToday)
	assert.Equal(t, int64(20), st.Version)
	assert.Equal(t, 20, p.saves)
}

func TestStore_FailedUpdateLeavesStateUntouched(t *testing.T) {
	p := &memPersister{}
	s := newStore(t, p)

	_, err := s.Update(context.Background(), func(st *models.GuardrailState) error {
		CountTrade(st)
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.Snapshot().TradesToday)

	p.fail = errors.New("disk full")
	_, err = s.Update(context.Background(), func(st *models.GuardrailState) error {
		CountTrade(st)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.Snapshot().TradesToday)
	assert.Equal(t, int64(0), s.Snapshot().Version)
}

func TestStore_StaleVersionReloads(t *testing.T) {
	p := &memPersister{state: &models.GuardrailState{Version: 3, TradeDay: "2026-03-02", TradesToday: 2}}
	s := newStore(t, p)

	// another process commits in between
	p.state = &models.GuardrailState{Version: 4, TradeDay: "2026-03-02", TradesToday: 3}

	_, err := s.Update(context.Background(), func(st *models.GuardrailState) error { CountTrade(st); return nil })
	require.ErrorIs(t, err, models.ErrStaleGuardrailState)
	assert.Equal(t, 3, s.Snapshot().TradesToday)

	st, err := s.Update(context.Background(), func(st *models.GuardrailState) error { CountTrade(st); return nil })
	require.NoError(t, err)
	assert.Equal(t, 4, st.TradesToday)
	assert.Equal(t, int64(5), st.Version)
}

func TestStore_DayRollover(t *testing.T) {
	p := &memPersister{state: &models.GuardrailState{Version: 1, TradeDay: "2026-03-01", TradesToday: 5}}
	s := newStore(t, p)

	st := s.Snapshot()
	assert.Equal(t, "2026-03-02", st.TradeDay)
	assert.Equal(t, 0, st.TradesToday)
	assert.Equal(t, 5, TradesRemaining(st, config.Defaults()))
}

func TestStore_RefreshKillSwitchLatch(t *testing.T) {
	s := newStore(t, &memPersister{})
	pol := config.Defaults()

	st, err := s.RefreshKillSwitch(context.Background(), d("1180"), d("1600"), pol)
	require.NoError(t, err)
	require.True(t, st.KillSwitchActive)
	require.NotNil(t, st.KillSwitchUntil)
	assert.Equal(t, testNow.AddDate(0, 0, 5), *st.KillSwitchUntil)

	// recovered, but still inside the latch window
	s.now = func() time.Time { return testNow.AddDate(0, 0, 2) }
	st, err = s.RefreshKillSwitch(context.Background(), d("1550"), d("1600"), pol)
	require.NoError(t, err)
	assert.True(t, st.KillSwitchActive)

	s.now = func() time.Time { return testNow.AddDate(0, 0, 6) }
	st, err = s.RefreshKillSwitch(context.Background(), d("1550"), d("1600"), pol)
	require.NoError(t, err)
	assert.False(t, st.KillSwitchActive)
}

func TestStore_SetPaused(t *testing.T) {
	s := newStore(t, &memPersister{})
	st, err := s.SetPaused(context.Background(), true, "earnings")
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, "earnings", st.PauseReason)

	st, err = s.SetPaused(context.Background(), false, "ignored")
	require.NoError(t, err)
	assert.False(t, st.Paused)
	assert.Empty(t, st.PauseReason)
}

func TestShouldCooldown(t *testing.T) {
	pol := config.Defaults() // 30% or $200

	assert.False(t, ShouldCooldown(d("50"), d("100"), pol), "gains never cool down")
	assert.True(t, ShouldCooldown(d("-200"), d("10000"), pol), "usd threshold")
	assert.True(t, ShouldCooldown(d("-30"), d("100"), pol), "pct threshold")
	assert.False(t, ShouldCooldown(d("-29"), d("100"), pol))

	pol.CooldownEnabled = false
	assert.False(t, ShouldCooldown(d("-500"), d("100"), pol))
}

func TestTriggerCooldownOnlyExtends(t *testing.T) {
	st := models.GuardrailState{}
	later := testNow.Add(4 * time.Hour)
	TriggerCooldown(&st, later)
	TriggerCooldown(&st, testNow.Add(time.Hour))
	assert.Equal(t, later, *st.CooldownUntil)
}
