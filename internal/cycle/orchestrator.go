// Package cycle composes selection, rules, planning, governance and execution into one
// run: refresh, evaluate, plan, trim, govern, execute, persist, adjust.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/events"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/governance"
	"convexity_trading/internal/ledger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/metrics"
	"convexity_trading/internal/models"
	"convexity_trading/internal/planner"
	"convexity_trading/internal/rules"
	"convexity_trading/internal/selector"
	"convexity_trading/internal/storage"
)

type Mode string

const (
	ModePreview Mode = "preview"
	ModeExecute Mode = "execute"
)

// ParseMode accepts preview or execute.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePreview:
		return ModePreview, nil
	case ModeExecute:
		return ModeExecute, nil
	}
	return "", fmt.Errorf("unknown cycle mode %q (want preview or execute)", s)
}

// Outcome distinguishes the cases an operator reacts to differently.
type Outcome string

const (
	OutcomeNoEligibleOrders Outcome = "no_eligible_orders"
	OutcomeExecuted         Outcome = "executed"
	OutcomeDenied           Outcome = "denied_by_governance"
	OutcomeFailedAtBroker   Outcome = "failed_at_broker"
	OutcomeMixed            Outcome = "mixed"
	OutcomePreviewed        Outcome = "previewed"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeAborted          Outcome = "aborted"
)

// OverrideWriter records chat overrides. The adjust phase writes through it.
type OverrideWriter interface {
	Set(current config.Policy, key, value, by string) (storage.Override, error)
}

// PolicyFunc resolves the policy snapshot for one cycle.
type PolicyFunc func() (config.Policy, error)

type Deps struct {
	AccountID string
	Data      market.DataProvider
	Broker    market.Broker
	Ledger    ledger.Ledger
	Store     *governance.Store
	Exec      *execution.Executor
	Locker    execution.Locker
	Policy    PolicyFunc
	Overrides OverrideWriter
	Notifier  execution.Notifier
	Events    events.Publisher
}

// Orchestrator runs cycles one at a time.
type Orchestrator struct {
	Deps
	seq atomic.Int64
	now func() time.Time
}

func New(d Deps) *Orchestrator {
	if d.Locker == nil {
		d.Locker = execution.NewLocalLocker()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Orchestrator{Deps: d, now: time.Now}
}

// Preview is a governed candidate that was not executed.
type Preview struct {
	Candidate models.CandidateOrder
	Denied    *models.GovernanceDenied
}

// Report is the result of one cycle.
type Report struct {
	CycleID    string
	Mode       Mode
	Outcome    Outcome
	StartedAt  time.Time
	FinishedAt time.Time

	Portfolio *models.Portfolio
	Flags     []string
	Skipped   []planner.Skip
	// Considered is every candidate after the trade budget cap; Dropped fell outside it.
	Considered []models.CandidateOrder
	Dropped    []models.CandidateOrder
	Previews   []Preview
	Results    []*execution.Result
	Adjust     string
	Err        error
}

// Counts returns executed, denied and failed tallies for summaries.
func (r *Report) Counts() (executed, denied, failed int) {
	for _, p := range r.Previews {
		if p.Denied != nil {
			denied++
		}
	}
	for _, res := range r.Results {
		switch {
		case res.Denied != nil:
			denied++
		case res.Order != nil && (res.Order.State == models.StateFilled || res.Order.State == models.StatePartiallyFilled):
			executed++
		default:
			failed++
		}
	}
	return executed, denied, failed
}

// Summary is the operator-facing digest of the report.
func (r *Report) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *CYCLE %s* (%s): %s\n", r.CycleID, r.Mode, r.Outcome)
	if r.Err != nil {
		fmt.Fprintf(&sb, "Error: %v\n", r.Err)
	}
	if r.Portfolio != nil {
		fmt.Fprintf(&sb, "Equity $%s | Cash $%s\n", r.Portfolio.Equity.StringFixed(2), r.Portfolio.Cash.StringFixed(2))
	}
	for _, p := range r.Previews {
		if p.Denied != nil {
			fmt.Fprintf(&sb, "• %s\n  %s\n", p.Candidate, p.Denied.Reason)
		} else {
			fmt.Fprintf(&sb, "• %s\n  would submit\n", p.Candidate)
		}
	}
	for _, res := range r.Results {
		switch {
		case res.Denied != nil:
			fmt.Fprintf(&sb, "• %s\n  %s\n", res.Candidate, res.Denied.Reason)
		case res.Order != nil:
			line := string(res.Order.State)
			if res.Order.Reason != "" && res.Order.State != models.StateFilled {
				line += ": " + res.Order.Reason
			}
			fmt.Fprintf(&sb, "• %s\n  %s\n", res.Candidate, line)
		}
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(&sb, "• skipped %s (%s): %s\n", s.Bucket, s.Underlying, s.Reason)
	}
	for _, c := range r.Dropped {
		fmt.Fprintf(&sb, "• over daily trade budget: %s\n", c)
	}
	for _, f := range r.Flags {
		fmt.Fprintf(&sb, "⚠️ %s\n", f)
	}
	if r.Adjust != "" {
		fmt.Fprintf(&sb, "🔧 %s\n", r.Adjust)
	}
	return sb.String()
}

const cycleLockKey = "cycle"

// RunCycle runs one cycle. An overlapping call returns ErrCycleInProgress with a
// skipped report. Per-order failures are reported, never returned; a returned error means
// the cycle was aborted before any order was executed or while executing.
func (o *Orchestrator) RunCycle(ctx context.Context, mode Mode) (*Report, error) {
	rep := &Report{CycleID: o.nextID(), Mode: mode, StartedAt: o.now()}

	unlock, ok, err := o.Locker.TryLock(ctx, cycleLockKey+":"+o.AccountID)
	if err != nil {
		return o.abort(ctx, rep, fmt.Errorf("acquire cycle lock: %w", err))
	}
	if !ok {
		rep.Outcome = OutcomeSkipped
		rep.FinishedAt = o.now()
		log.Printf("[CYCLE] %s skipped: another cycle is running", rep.CycleID)
		metrics.ObserveCycle(string(mode), string(OutcomeSkipped), 0)
		return rep, models.ErrCycleInProgress
	}
	defer unlock()

	log.Printf("[CYCLE] %s starting (%s)", rep.CycleID, mode)
	pol, err := o.Policy()
	if err != nil {
		return o.abort(ctx, rep, fmt.Errorf("resolve policy: %w", err))
	}
	for _, w := range pol.Targets().Warnings() {
		log.Printf("[CYCLE] policy warning: %s", w)
	}

	// 1. Refresh
	pf, err := Refresh(ctx, o.Data, o.Broker, pol, o.now())
	if err != nil {
		return o.abort(ctx, rep, err)
	}
	rep.Portfolio = pf
	metrics.Equity.Set(pf.Equity.InexactFloat64())

	high, err := o.recordEquity(ctx, pf, pol)
	if err != nil {
		return o.abort(ctx, rep, err)
	}

	// 2. Lifecycle rules
	sel := selector.New(o.Data, pol.Location())
	pending, err := o.pendingSells(ctx)
	if err != nil {
		return o.abort(ctx, rep, err)
	}
	decisions, err := rules.NewEvaluator(sel).Evaluate(ctx, rules.Input{Portfolio: pf, Policy: pol, Now: o.now(), PendingSells: pending})
	if err != nil {
		return o.abort(ctx, rep, err)
	}
	rep.Flags = rules.Flags(decisions)
	lifecycle := rules.Orders(decisions)

	// 3. Rebalance
	exclude := make(map[string]bool)
	for _, d := range decisions {
		if len(d.Orders) > 0 {
			exclude[d.Symbol] = true
		}
	}
	plan, err := planner.New(o.Data, sel).PlanRebalance(ctx, planner.Input{Portfolio: pf, Policy: pol, Exclude: exclude})
	if err != nil {
		return o.abort(ctx, rep, err)
	}
	rep.Skipped = plan.Skipped

	// 4. Moonshot trim
	trims := planner.TrimMoonshot(pf, pol)

	candidates := append(append(append([]models.CandidateOrder(nil), lifecycle...), trims...), plan.Orders...)
	remaining := governance.TradesRemaining(o.Store.Snapshot(), pol)
	rep.Considered, rep.Dropped = planner.CapToBudget(candidates, remaining)
	for _, c := range rep.Dropped {
		log.Printf("[PLAN] over daily trade budget (%d left): %s", remaining, c)
	}

	// 5. Govern and execute
	if len(rep.Considered) == 0 {
		rep.Outcome = OutcomeNoEligibleOrders
	} else if mode == ModePreview {
		o.preview(rep, pf, pol)
		rep.Outcome = OutcomePreviewed
	} else {
		if err := o.execute(ctx, rep, pf, pol); err != nil {
			return o.abort(ctx, rep, err)
		}
		rep.Outcome = outcomeOf(rep)
	}

	// 6. Persist
	if err := o.Ledger.AppendPortfolioSnapshot(ctx, ledger.SnapshotOf(rep.CycleID, pf)); err != nil {
		log.Printf("[LEDGER] portfolio snapshot for %s failed: %v", rep.CycleID, err)
	}

	// 7. Adjust
	if mode == ModeExecute {
		rep.Adjust = o.adjust(ctx, pf, high, pol)
	}

	o.complete(ctx, rep)
	return rep, nil
}

func (o *Orchestrator) nextID() string {
	return fmt.Sprintf("%s-%d", o.now().UTC().Format("20060102T150405"), o.seq.Add(1))
}

// recordEquity stores today's equity and refreshes the kill switch against the lookback high.
func (o *Orchestrator) recordEquity(ctx context.Context, pf *models.Portfolio, pol config.Policy) (decimal.Decimal, error) {
	now := o.now()
	if err := o.Ledger.AppendEquitySnapshot(ctx, pf.Equity, now); err != nil {
		log.Printf("[LEDGER] equity snapshot failed: %v", err)
	}
	high, err := o.Ledger.EquityHigh(ctx, pol.KillSwitchLookbackDays, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read equity high: %w", err)
	}
	st, err := o.Store.RefreshKillSwitch(ctx, pf.Equity, high, pol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refresh kill switch: %w", err)
	}
	engaged, _ := governance.KillSwitchEngaged(st, pf.Equity, pol, now)
	metrics.SetBool(metrics.KillSwitch, engaged)
	metrics.TradesToday.Set(float64(st.TradesToday))
	return st.EquityHigh, nil
}

func (o *Orchestrator) pendingSells(ctx context.Context) (map[string]bool, error) {
	open, err := o.Broker.ListOpenOrders(ctx)
	if err != nil {
		return nil, models.DataUnavailable("open orders", err)
	}
	out := make(map[string]bool)
	for _, bo := range open {
		if models.Side(bo.Side) == models.SideSell {
			out[bo.Symbol] = true
		}
	}
	return out, nil
}

// preview governs every candidate against the snapshot without executing.
func (o *Orchestrator) preview(rep *Report, pf *models.Portfolio, pol config.Policy) {
	st := o.Store.Snapshot()
	now := o.now()
	for _, c := range rep.Considered {
		p := Preview{Candidate: c}
		if err := governance.Authorize(governance.Request{Order: c, Portfolio: pf, State: st, Policy: pol, Now: now}); err != nil {
			var gd *models.GovernanceDenied
			if errors.As(err, &gd) {
				p.Denied = gd
			} else {
				p.Denied = &models.GovernanceDenied{Check: "unknown", Reason: err.Error()}
			}
		}
		rep.Previews = append(rep.Previews, p)
	}
}

// execute runs candidates strictly in order against a working copy, so each order is
// governed with the cash and positions left by the ones before it.
func (o *Orchestrator) execute(ctx context.Context, rep *Report, pf *models.Portfolio, pol config.Policy) error {
	working := pf.Clone()
	failedGroups := make(map[string]bool)
	for _, c := range rep.Considered {
		if err := ctx.Err(); err != nil {
			log.Printf("[CYCLE] %s aborted between orders: %v", rep.CycleID, err)
			return err
		}
		if c.RollGroup != "" && c.IsBuy() && failedGroups[c.RollGroup] {
			log.Printf("[CYCLE] skipping roll open %s: close leg did not fill", c.Symbol)
			rep.Results = append(rep.Results, &execution.Result{Candidate: c, Denied: &models.GovernanceDenied{Check: "roll", Reason: "Blocked: roll close leg did not fill"}})
			continue
		}
		res, err := o.Exec.Execute(ctx, rep.CycleID, c, working, pol)
		if err != nil {
			return err
		}
		rep.Results = append(rep.Results, res)
		if qty, px, ok := res.Filled(); ok {
			working.ApplyFill(c, qty, px)
		} else if c.RollGroup != "" && !c.IsBuy() {
			failedGroups[c.RollGroup] = true
		}
	}
	return nil
}

func outcomeOf(rep *Report) Outcome {
	executed, denied, failed := rep.Counts()
	switch {
	case executed > 0 && denied == 0 && failed == 0:
		return OutcomeExecuted
	case denied > 0 && executed == 0 && failed == 0:
		return OutcomeDenied
	case failed > 0 && executed == 0 && denied == 0:
		return OutcomeFailedAtBroker
	}
	return OutcomeMixed
}

// adjust lowers the moonshot target once per drawdown episode and re-arms once the
// drawdown has recovered.
func (o *Orchestrator) adjust(ctx context.Context, pf *models.Portfolio, high decimal.Decimal, pol config.Policy) string {
	if !pol.AdjustEnabled || !high.IsPositive() {
		return ""
	}
	dd := pf.Equity.Sub(high).Div(high).InexactFloat64()
	st := o.Store.Snapshot()

	switch {
	case dd <= pol.AdjustTrigger && !st.AdjustApplied:
		if o.Overrides == nil {
			return ""
		}
		target := pol.MoonshotTarget - pol.AdjustMoonshotStep
		if target < 0 {
			target = 0
		}
		value := decimal.NewFromFloat(target).Round(4).String()
		if _, err := o.Overrides.Set(pol, "moonshot_target", value, "adjust"); err != nil {
			log.Printf("[CYCLE] adjust override failed: %v", err)
			return ""
		}
		if _, err := o.Store.Update(ctx, func(s *models.GuardrailState) error {
			s.AdjustApplied = true
			return nil
		}); err != nil {
			log.Printf("[CYCLE] adjust latch failed: %v", err)
		}
		msg := fmt.Sprintf("Adjust: drawdown %.1f%%, moonshot_target %.2f -> %s", dd*100, pol.MoonshotTarget, value)
		log.Printf("[CYCLE] %s", msg)
		return msg
	case dd > pol.AdjustRearm && st.AdjustApplied:
		if _, err := o.Store.Update(ctx, func(s *models.GuardrailState) error {
			s.AdjustApplied = false
			return nil
		}); err != nil {
			log.Printf("[CYCLE] adjust re-arm failed: %v", err)
			return ""
		}
		log.Printf("[CYCLE] adjust re-armed at drawdown %.1f%%", dd*100)
		return fmt.Sprintf("Adjust re-armed: drawdown recovered to %.1f%%", dd*100)
	}
	return ""
}

func (o *Orchestrator) abort(ctx context.Context, rep *Report, err error) (*Report, error) {
	rep.Outcome = OutcomeAborted
	rep.Err = err
	log.Printf("[CYCLE] %s aborted: %v", rep.CycleID, err)
	o.complete(ctx, rep)
	return rep, err
}

func (o *Orchestrator) complete(ctx context.Context, rep *Report) {
	rep.FinishedAt = o.now()
	took := rep.FinishedAt.Sub(rep.StartedAt)
	metrics.ObserveCycle(string(rep.Mode), string(rep.Outcome), took)

	executed, denied, failed := rep.Counts()
	log.Printf("[CYCLE] %s finished in %s: %s (considered %d, executed %d, denied %d, failed %d)",
		rep.CycleID, took.Round(time.Millisecond), rep.Outcome, len(rep.Considered), executed, denied, failed)

	summary := map[string]any{
		"mode":       rep.Mode,
		"outcome":    rep.Outcome,
		"considered": len(rep.Considered),
		"executed":   executed,
		"denied":     denied,
		"failed":     failed,
		"dropped":    len(rep.Dropped),
	}
	if rep.Err != nil {
		summary["error"] = rep.Err.Error()
	}
	events.Emit(context.WithoutCancel(ctx), o.Events, events.Event{Type: events.TypeCycleCompleted, CycleID: rep.CycleID, Summary: summary, Timestamp: rep.FinishedAt})

	if o.Notifier != nil && (rep.Outcome != OutcomeNoEligibleOrders || len(rep.Flags) > 0) {
		o.Notifier.Notify(rep.Summary())
	}
}
