package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
	"convexity_trading/internal/events"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/governance"
	"convexity_trading/internal/ledger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/market/fake"
	"convexity_trading/internal/models"
	"convexity_trading/internal/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	orch      *Orchestrator
	data      *fake.Data
	broker    *fake.Broker
	ledger    *ledger.Memory
	store     *governance.Store
	events    *events.Recorder
	locker    *execution.LocalLocker
	overrides *storage.OverrideStore
}

func newEnv(t *testing.T, equity, cash string) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		data:   fake.NewData(),
		broker: fake.NewBroker(equity, cash),
		ledger: ledger.NewMemory(),
		events: &events.Recorder{},
		locker: execution.NewLocalLocker(),
	}
	store, err := governance.NewStore(ctx, e.ledger, time.UTC)
	require.NoError(t, err)
	e.store = store
	overrides, err := storage.NewOverrideStore(filepath.Join(t.TempDir(), "overrides.json"))
	require.NoError(t, err)
	e.overrides = overrides

	for _, u := range []string{"UMC", "TE", "AMPX"} {
		e.data.SetQuote(u, "", "", "9")
	}

	policy := func() (config.Policy, error) {
		return config.Resolve(config.MapSource{Label: "test", Data: map[string]string{"use_sma_filter": "false"}}, overrides)
	}
	exec := execution.NewExecutor(execution.Deps{
		AccountID: "test", Data: e.data, Broker: e.broker, Store: store, Ledger: e.ledger,
		Locker: e.locker, Events: e.events,
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	e.orch = New(Deps{
		AccountID: "test", Data: e.data, Broker: e.broker, Ledger: e.ledger, Store: store,
		Exec: exec, Locker: e.locker, Policy: policy, Overrides: overrides, Events: e.events,
	})
	return e
}

// losingCall holds 2 UMC calls bought at 2.00, now 1.00 with the underlying 10% below strike.
func (e *env) losingCall() string {
	exp := time.Now().UTC().AddDate(0, 0, 200).Truncate(24 * time.Hour)
	sym := market.FormatOCC("UMC", exp, models.RightCall, d("10"))
	e.data.SetQuote(sym, "0.95", "1.05", "")
	e.broker.Positions = []models.BrokerPosition{{Symbol: sym, AssetClass: "us_option", Qty: d("2"), AvgEntryPrice: d("2.00"), CurrentPrice: d("1.00"), MarketValue: d("200")}}
	return sym
}

func TestRunCycle_NoEligibleOrders(t *testing.T) {
	e := newEnv(t, "10000", "10000")

	rep, err := e.orch.RunCycle(context.Background(), ModeExecute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoEligibleOrders, rep.Outcome)
	assert.Empty(t, rep.Considered)
	require.Len(t, rep.Skipped, 3, "every theme is skipped when no contract is listed")
	for _, s := range rep.Skipped {
		assert.Contains(t, s.Reason, "no expirations")
	}

	require.Len(t, e.ledger.Snapshots(), 1)
	done := e.events.OfType(events.TypeCycleCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, OutcomeNoEligibleOrders, done[0].Summary["outcome"])
}

func TestRunCycle_StopLossPreviewThenExecute(t *testing.T) {
	e := newEnv(t, "1200", "1000")
	sym := e.losingCall()
	ctx := context.Background()

	rep, err := e.orch.RunCycle(ctx, ModePreview)
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewed, rep.Outcome)
	require.Len(t, rep.Previews, 1)
	assert.Equal(t, sym, rep.Previews[0].Candidate.Symbol)
	assert.Equal(t, models.IntentClose, rep.Previews[0].Candidate.Intent)
	assert.Nil(t, rep.Previews[0].Denied)
	assert.Empty(t, e.broker.Placed, "preview never reaches the broker")

	rep, err = e.orch.RunCycle(ctx, ModeExecute)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, rep.Outcome)
	require.Len(t, rep.Results, 1)
	o := rep.Results[0].Order
	require.NotNil(t, o)
	assert.Equal(t, models.StateFilled, o.State)
	assert.Equal(t, "loss", o.Outcome)

	st := e.store.Snapshot()
	assert.Equal(t, 1, st.TradesToday)
	assert.NotNil(t, st.CooldownUntil, "a $200 realized loss triggers the cooldown")

	stored, err := e.ledger.RecentOrders(ctx, 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rep.CycleID, stored[0].CycleID)
}

func TestRunCycle_OverlapIsRejected(t *testing.T) {
	e := newEnv(t, "10000", "10000")
	unlock, ok, err := e.locker.TryLock(context.Background(), "cycle:test")
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	rep, err := e.orch.RunCycle(context.Background(), ModeExecute)
	assert.ErrorIs(t, err, models.ErrCycleInProgress)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	assert.Empty(t, e.ledger.Snapshots())
}

func TestRunCycle_DataUnavailableAborts(t *testing.T) {
	e := newEnv(t, "10000", "10000")
	e.broker.AccountErr = errors.New("connection reset")
	before := e.store.Snapshot()

	rep, err := e.orch.RunCycle(context.Background(), ModeExecute)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDataProviderUnavailable)
	assert.Equal(t, OutcomeAborted, rep.Outcome)
	assert.Equal(t, before.Version, e.store.Snapshot().Version, "guardrail state untouched")
	assert.Len(t, e.events.OfType(events.TypeCycleCompleted), 1)
}

func TestRunCycle_AbortedContextStopsBeforeOrders(t *testing.T) {
	e := newEnv(t, "1200", "1000")
	e.losingCall()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := e.orch.RunCycle(ctx, ModeExecute)
	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, rep.Outcome)
	assert.Empty(t, e.broker.Placed)
}

func TestRunCycle_AdjustOncePerEpisode(t *testing.T) {
	e := newEnv(t, "1600", "1600")
	ctx := context.Background()
	require.NoError(t, e.ledger.AppendEquitySnapshot(ctx, d("2000"), time.Now().AddDate(0, 0, -3)))

	rep, err := e.orch.RunCycle(ctx, ModeExecute)
	require.NoError(t, err)
	assert.Contains(t, rep.Adjust, "moonshot_target 0.20 -> 0.15")
	assert.True(t, e.store.Snapshot().AdjustApplied)

	v, _ := e.overrides.Values()
	assert.Equal(t, "0.15", v["moonshot_target"])

	rep, err = e.orch.RunCycle(ctx, ModeExecute)
	require.NoError(t, err)
	assert.Empty(t, rep.Adjust, "one adjustment per drawdown episode")
	v, _ = e.overrides.Values()
	assert.Equal(t, "0.15", v["moonshot_target"])

	e.broker.Account.Equity = d("1900")
	rep, err = e.orch.RunCycle(ctx, ModeExecute)
	require.NoError(t, err)
	assert.Contains(t, rep.Adjust, "re-armed")
	assert.False(t, e.store.Snapshot().AdjustApplied)
}

func TestRunCycle_PreviewDoesNotAdjust(t *testing.T) {
	e := newEnv(t, "1600", "1600")
	ctx := context.Background()
	require.NoError(t, e.ledger.AppendEquitySnapshot(ctx, d("2000"), time.Now().AddDate(0, 0, -3)))

	rep, err := e.orch.RunCycle(ctx, ModePreview)
	require.NoError(t, err)
	assert.Empty(t, rep.Adjust)
	assert.Empty(t, e.overrides.List())
}

func TestOutcomeOf(t *testing.T) {
	filled := &execution.Result{Order: &models.Order{State: models.StateFilled}}
	denied := &execution.Result{Denied: &models.GovernanceDenied{Check: "cooldown"}}
	rejected := &execution.Result{Order: &models.Order{State: models.StateRejected}}

	cases := []struct {
		name    string
		results []*execution.Result
		want    Outcome
	}{
		{"all filled", []*execution.Result{filled, filled}, OutcomeExecuted},
		{"all denied", []*execution.Result{denied}, OutcomeDenied},
		{"all failed", []*execution.Result{rejected}, OutcomeFailedAtBroker},
		{"mixed", []*execution.Result{filled, denied, rejected}, OutcomeMixed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, outcomeOf(&Report{Results: tc.results}))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Execute ")
	require.NoError(t, err)
	assert.Equal(t, ModeExecute, m)
	_, err = ParseMode("yolo")
	assert.Error(t, err)
}
