package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/events"
	"convexity_trading/internal/governance"
	"convexity_trading/internal/ledger"
	"convexity_trading/internal/logger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/metrics"
	"convexity_trading/internal/models"
)

// Notifier pushes operator-facing messages.
type Notifier interface {
	Notify(text string)
}

// ConfirmPrompter is implemented by notifiers that can attach confirm/reject buttons.
type ConfirmPrompter interface {
	PromptConfirm(orderID, text string)
}

type Deps struct {
	AccountID string
	Data      market.DataProvider
	Broker    market.Broker
	Store     *governance.Store
	Ledger    ledger.Ledger
	Locker    Locker
	Confirm   *Confirmations
	Notifier  Notifier
	Events    events.Publisher
	// Sleep waits between polls; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor carries governed orders through the order state machine.
type Executor struct {
	Deps
	seq   atomic.Int64
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(d Deps) *Executor {
	if d.Locker == nil {
		d.Locker = NewLocalLocker()
	}
	if d.Confirm == nil {
		d.Confirm = NewConfirmations()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	return &Executor{Deps: d, now: time.Now, sleep: d.Sleep}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is the outcome of one candidate. Exactly one of Denied or Order is set.
// Err carries the typed failure for PREFLIGHT_FAILED, REJECTED and TIMED_OUT.
type Result struct {
	Candidate models.CandidateOrder
	Denied    *models.GovernanceDenied
	Order     *models.Order
	Err       error
}

// Filled reports the quantity and price to book into a working portfolio.
func (r *Result) Filled() (decimal.Decimal, decimal.Decimal, bool) {
	if r.Order == nil || !r.Order.FilledQty.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return r.Order.FilledQty, r.Order.FillPrice, true
}

func (e *Executor) lockKey() string {
	return "account:" + e.AccountID
}

// Execute authorizes c against pf and the current guardrail state, then drives it to a
// terminal state. The account lock covers authorization through submission, where the
// trade is counted, and is taken again to commit a cooldown. Confirmation waits and
// polling run unlocked so independent orders on the account are not held up.
// Only a failure to take the lock is returned as an error.
func (e *Executor) Execute(ctx context.Context, cycleID string, c models.CandidateOrder, pf *models.Portfolio, pol config.Policy) (*Result, error) {
	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Candidate: c}
	if res.Denied = e.authorize(ctx, cycleID, c, pf, pol); res.Denied != nil {
		unlock()
		return res, nil
	}

	id := fmt.Sprintf("%s-%d", cycleID, e.seq.Add(1))
	a := &attempt{order: models.NewOrder(id, cycleID, c, e.now()), unlock: unlock}
	res.Order = a.order
	res.Err = e.run(ctx, a, pf, pol)
	a.unlock()
	e.finish(ctx, a, pol)
	return res, nil
}

// attempt is one governed order on its way through the state machine.
type attempt struct {
	order  *models.Order
	unlock func()
	// tradeDay is the guardrail trade day the submission was counted on.
	tradeDay string
}

func (e *Executor) lock(ctx context.Context) (func(), error) {
	unlock, err := e.Locker.Lock(ctx, e.lockKey())
	if err != nil {
		return nil, fmt.Errorf("acquire account lock: %w", err)
	}
	return releaseOnce(unlock), nil
}

// authorize checks the trade budget and the governance table against the current state.
func (e *Executor) authorize(ctx context.Context, cycleID string, c models.CandidateOrder, pf *models.Portfolio, pol config.Policy) *models.GovernanceDenied {
	st := e.Store.Snapshot()
	var denied *models.GovernanceDenied
	if governance.TradesRemaining(st, pol) <= 0 {
		denied = &models.GovernanceDenied{Check: "trade_budget", Reason: fmt.Sprintf("Blocked: daily trade limit reached (%d)", pol.MaxTradesPerDay)}
	} else if err := governance.Authorize(governance.Request{Order: c, Portfolio: pf, State: st, Policy: pol, Now: e.now()}); err != nil {
		if !errors.As(err, &denied) {
			denied = &models.GovernanceDenied{Check: "unknown", Reason: err.Error()}
		}
	}
	if denied == nil {
		return nil
	}
	log.Printf("[GOV] DENIED %s: %s", c, denied.Reason)
	metrics.GovernanceDenials.WithLabelValues(denied.Check).Inc()
	events.Emit(ctx, e.Events, events.Event{Type: events.TypeGovernanceDenied, CycleID: cycleID, Symbol: c.Symbol, Candidate: &c, Check: denied.Check, Reason: denied.Reason})
	return denied
}

// run is entered holding the account lock. It drops the lock for the confirmation wait
// and once the order is submitted; a.unlock always releases whatever is still held.
func (e *Executor) run(ctx context.Context, a *attempt, pf *models.Portfolio, pol config.Policy) error {
	o := a.order
	c := o.Candidate
	limit, err := e.preflight(ctx, c, pol)
	if err != nil {
		e.move(o, models.StatePreflightFailed, err.Error())
		return err
	}
	o.LimitPrice = limit
	e.move(o, models.StatePreflightOK, "limit $"+limit.StringFixed(2))

	if needsConfirmation(c, limit, pol) {
		e.move(o, models.StateWaitingConfirmation, "")
		a.unlock()
		approved, reason := e.awaitConfirmation(ctx, o, pol)
		if !approved {
			e.move(o, models.StateCancelled, reason)
			return nil
		}
		unlock, err := e.lock(ctx)
		if err != nil {
			e.move(o, models.StateCancelled, "cycle aborted after confirmation")
			return nil
		}
		a.unlock = unlock
		// The guardrail state may have moved while the operator decided.
		if gd := e.authorize(ctx, o.CycleID, c, pf, pol); gd != nil {
			e.move(o, models.StateCancelled, "denied after confirmation: "+gd.Reason)
			return nil
		}
	}

	if ctx.Err() != nil {
		e.move(o, models.StateCancelled, "cycle aborted before submission")
		return nil
	}

	spec := models.OrderSpec{ClientOrderID: o.ID, Symbol: c.Symbol, Qty: c.Quantity, Side: c.Side(), LimitPrice: limit}
	brokerID, err := e.Broker.PlaceOrder(ctx, spec)
	if err != nil {
		rej := &models.BrokerRejected{Symbol: c.Symbol, Reason: err.Error()}
		e.move(o, models.StateRejected, rej.Error())
		return rej
	}
	o.BrokerOrderID = brokerID
	e.move(o, models.StateSubmitted, "broker id "+brokerID)
	a.tradeDay = e.countTrade(ctx, o)
	a.unlock()

	if err := e.Ledger.AppendOrder(ctx, *o); err != nil {
		log.Printf("[LEDGER] append submitted order %s failed: %v", o.ID, err)
	}
	e.move(o, models.StatePolling, "")
	return e.poll(ctx, o, pol)
}

// countTrade takes a slot of the daily budget for a submitted order and returns the
// trade day it was counted on.
func (e *Executor) countTrade(ctx context.Context, o *models.Order) string {
	st, err := e.Store.Update(context.WithoutCancel(ctx), func(st *models.GuardrailState) error {
		governance.CountTrade(st)
		return nil
	})
	if err != nil {
		log.Printf("[FATAL_TRADE_ERROR] count trade for %s failed: %v", o.ID, err)
		return ""
	}
	metrics.TradesToday.Set(float64(st.TradesToday))
	return st.TradeDay
}

// preflight recomputes the order against a fresh quote and the live account.
// It returns the limit price to submit at.
func (e *Executor) preflight(ctx context.Context, c models.CandidateOrder, pol config.Policy) (decimal.Decimal, error) {
	fail := func(format string, args ...any) (decimal.Decimal, error) {
		return decimal.Zero, &models.PreflightFailure{Symbol: c.Symbol, Reason: fmt.Sprintf(format, args...)}
	}
	if !c.Quantity.IsPositive() {
		return fail("quantity %s is not positive", c.Quantity)
	}

	q, err := e.Data.GetQuote(ctx, c.Symbol)
	if err != nil {
		return fail("no quote: %v", err)
	}
	mid := q.Mid()
	if !mid.IsPositive() {
		return fail("no usable quote")
	}

	ref := q.Bid
	if c.IsBuy() {
		ref = q.Ask
	}
	if !ref.IsPositive() {
		ref = mid
	}
	if c.PriceHint.IsPositive() {
		drift := ref.Sub(c.PriceHint).Abs().Div(c.PriceHint).InexactFloat64()
		if drift > pol.PreflightMaxDriftPct {
			return fail("price moved: planned $%s, now $%s (%.1f%% > %.1f%%)",
				c.PriceHint.StringFixed(2), ref.StringFixed(2), drift*100, pol.PreflightMaxDriftPct*100)
		}
	}

	open, err := e.Broker.ListOpenOrders(ctx)
	if err != nil {
		return fail("cannot list open orders: %v", err)
	}
	for _, bo := range open {
		if bo.Symbol == c.Symbol {
			return fail("pending order exists (%s %s)", bo.Side, bo.ID)
		}
	}

	offset := decimal.NewFromFloat(pol.OrderPriceOffsetPct)
	limit := mid.Mul(decimal.NewFromInt(1).Add(offset))
	if !c.IsBuy() {
		limit = mid.Mul(decimal.NewFromInt(1).Sub(offset))
	}
	limit = limit.Round(2)
	if !limit.IsPositive() {
		return fail("limit price rounds to zero")
	}

	if c.IsBuy() {
		acct, err := e.Broker.GetAccount(ctx)
		if err != nil {
			return fail("cannot read account: %v", err)
		}
		if acct.Blocked {
			return fail("account is blocked from trading")
		}
		cost := limit.Mul(c.Quantity).Mul(c.Multiplier())
		if cost.GreaterThan(acct.Cash) {
			return fail("cost $%s exceeds cash $%s", cost.StringFixed(2), acct.Cash.StringFixed(2))
		}
		floor := acct.Equity.Mul(decimal.NewFromFloat(pol.CashMinimum))
		if acct.Cash.Sub(cost).LessThan(floor) {
			return fail("cash buffer: $%s after order is below minimum $%s", acct.Cash.Sub(cost).StringFixed(2), floor.StringFixed(2))
		}
		return limit, nil
	}

	positions, err := e.Broker.GetPositions(ctx)
	if err != nil {
		return fail("cannot read positions: %v", err)
	}
	for _, p := range positions {
		if p.Symbol != c.Symbol {
			continue
		}
		if p.Qty.LessThan(c.Quantity) {
			return fail("quantity %s exceeds held %s", c.Quantity, p.Qty)
		}
		return limit, nil
	}
	return fail("position no longer held")
}

func needsConfirmation(c models.CandidateOrder, limit decimal.Decimal, pol config.Policy) bool {
	notional := limit.Mul(c.Quantity).Mul(c.Multiplier())
	if pol.ConfirmThresholdUSD > 0 && notional.GreaterThan(decimal.NewFromFloat(pol.ConfirmThresholdUSD)) {
		return true
	}
	return c.Kind == models.KindCall && pol.ConfirmThresholdContracts > 0 &&
		c.Quantity.GreaterThan(decimal.NewFromInt(int64(pol.ConfirmThresholdContracts)))
}

func (e *Executor) awaitConfirmation(ctx context.Context, o *models.Order, pol config.Policy) (bool, string) {
	c := o.Candidate
	notional := o.LimitPrice.Mul(c.Quantity).Mul(c.Multiplier())
	now := e.now()
	timeout := pol.ConfirmationTimeout()
	info := PendingConfirmation{OrderID: o.ID, Candidate: c, Notional: notional.StringFixed(2), Since: now, Deadline: now.Add(timeout)}

	msg := fmt.Sprintf("⚠️ *CONFIRM TRADE* %s\n%s %s x%s @ $%s (≈ $%s)\n%s\nReply /confirm %s or /reject %s within %s",
		o.ID, c.Action(), c.Symbol, c.Quantity, o.LimitPrice.StringFixed(2), info.Notional, c.Rationale, o.ID, o.ID, timeout)
	if p, ok := e.Notifier.(ConfirmPrompter); ok {
		p.PromptConfirm(o.ID, msg)
	} else {
		e.notify(msg)
	}
	log.Printf("[EXEC] %s waiting for confirmation (%s notional $%s)", o.ID, c.Symbol, info.Notional)

	approved, decided, err := e.Confirm.Await(ctx, info, timeout)
	switch {
	case err != nil:
		return false, "cycle aborted while waiting for confirmation"
	case !decided:
		return false, "confirmation timed out"
	case !approved:
		return false, "rejected by operator"
	}
	return true, ""
}

// poll waits for a terminal broker status. Lookup errors, including a not yet indexed
// order, are retried until the poll timeout.
func (e *Executor) poll(ctx context.Context, o *models.Order, pol config.Policy) error {
	c := o.Candidate
	deadline := e.now().Add(pol.PollTimeout())
	polls := 0

	for {
		if err := e.sleep(ctx, pol.PollInterval()); err != nil {
			e.cancelAtBroker(o)
			state := models.StateCancelled
			if o.FilledQty.IsPositive() {
				state = models.StatePartiallyFilled
				if !o.FilledQty.LessThan(c.Quantity) {
					state = models.StateFilled
				}
			}
			e.move(o, state, "cycle aborted: cancel requested at broker")
			return nil
		}
		polls++

		bo, err := e.Broker.GetOrder(ctx, o.BrokerOrderID)
		switch {
		case errors.Is(err, market.ErrOrderNotFound):
			logger.Debugf("[EXEC] %s poll %d: not found yet", o.ID, polls)
		case err != nil:
			log.Printf("[EXEC] poll %s (%s) failed, retrying: %v", o.ID, o.BrokerOrderID, err)
		default:
			o.FilledQty = bo.FilledQty
			o.FillPrice = bo.FilledAvgPrice
			if state, ok := market.State(bo); ok {
				if state == models.StateRejected {
					rej := &models.BrokerRejected{Symbol: c.Symbol, Reason: "status " + bo.Status}
					e.move(o, state, rej.Error())
					return rej
				}
				e.move(o, state, "broker status "+bo.Status)
				return nil
			}
			logger.Debugf("[EXEC] %s poll %d: %s", o.ID, polls, bo.Status)
		}

		if !e.now().Before(deadline) {
			e.cancelAtBroker(o)
			timeout := &models.BrokerTimeout{Symbol: c.Symbol, BrokerOrderID: o.BrokerOrderID, Waited: pol.PollTimeout().String()}
			e.move(o, models.StateTimedOut, timeout.Error())
			return timeout
		}
	}
}

// cancelAtBroker requests a cancel and re-reads fills that raced it. It runs on a fresh
// context so an aborted cycle still reaches the broker.
func (e *Executor) cancelAtBroker(o *models.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		log.Printf("[FATAL_TRADE_ERROR] cancel %s (%s) failed: %v", o.ID, o.BrokerOrderID, err)
		return
	}
	if bo, err := e.Broker.GetOrder(ctx, o.BrokerOrderID); err == nil {
		o.FilledQty = bo.FilledQty
		o.FillPrice = bo.FilledAvgPrice
	}
}

func (e *Executor) move(o *models.Order, to models.OrderState, note string) {
	if err := o.Transition(to, e.now(), note); err != nil {
		log.Printf("[FATAL_TRADE_ERROR] %v", err)
		return
	}
	if note != "" {
		log.Printf("[EXEC] %s %s -> %s: %s", o.ID, o.Candidate.Symbol, to, note)
	} else {
		log.Printf("[EXEC] %s %s -> %s", o.ID, o.Candidate.Symbol, to)
	}
}

// finish books the terminal order: P&L on closing fills, then a refund of the trade slot
// when the broker rejected the order and any cooldown in one guardrail commit, then
// ledger, events, metrics and notification.
func (e *Executor) finish(ctx context.Context, a *attempt, pol config.Policy) {
	o := a.order
	c := o.Candidate
	var cooldownUntil *time.Time

	if !c.IsBuy() && o.FilledQty.IsPositive() && c.EntryPrice.IsPositive() {
		pnl := o.FillPrice.Sub(c.EntryPrice).Mul(o.FilledQty).Mul(c.Multiplier())
		o.RealizedPnL = &pnl
		o.Outcome = "win"
		if pnl.IsNegative() {
			o.Outcome = "loss"
		}
		basis := c.EntryPrice.Mul(o.FilledQty).Mul(c.Multiplier())
		if governance.ShouldCooldown(pnl, basis, pol) {
			until := e.now().Add(pol.CooldownDuration())
			cooldownUntil = &until
		}
	}

	refund := a.tradeDay != "" && !o.State.CountsAsTrade()
	if refund || cooldownUntil != nil {
		commitCtx := context.WithoutCancel(ctx)
		unlock, err := e.lock(commitCtx)
		if err != nil {
			log.Printf("[EXEC] %s commits without the account lock: %v", o.ID, err)
			unlock = func() {}
		}
		st, err := e.Store.Update(commitCtx, func(st *models.GuardrailState) error {
			if refund {
				governance.RefundTrade(st, a.tradeDay)
			}
			if cooldownUntil != nil {
				governance.TriggerCooldown(st, *cooldownUntil)
			}
			return nil
		})
		unlock()
		if err != nil {
			log.Printf("[FATAL_TRADE_ERROR] guardrail commit after %s failed: %v", o.ID, err)
		} else {
			metrics.TradesToday.Set(float64(st.TradesToday))
		}
		if cooldownUntil != nil {
			log.Printf("[GOV] cooldown triggered by %s until %s (realized $%s)", o.ID, cooldownUntil.Format(time.RFC3339), o.RealizedPnL.StringFixed(2))
			e.notify(fmt.Sprintf("🧊 *COOLDOWN* realized loss $%s on %s. Trading paused until %s.",
				o.RealizedPnL.Abs().StringFixed(2), c.Symbol, cooldownUntil.In(pol.Location()).Format("15:04 MST")))
		}
	}

	if err := e.Ledger.AppendOrder(ctx, *o); err != nil {
		log.Printf("[LEDGER] append order %s failed: %v", o.ID, err)
	}
	metrics.OrdersTerminal.WithLabelValues(string(o.State), string(c.Intent)).Inc()
	events.Emit(ctx, e.Events, events.Event{Type: events.TypeOrderTerminal, CycleID: o.CycleID, Symbol: c.Symbol, Order: o})
	if o.BrokerOrderID != "" {
		e.notify(summary(o))
	}
}

func summary(o *models.Order) string {
	c := o.Candidate
	msg := fmt.Sprintf("%s %s %s x%s: %s", o.ID, c.Action(), c.Symbol, c.Quantity, o.State)
	if o.FilledQty.IsPositive() {
		msg += fmt.Sprintf(" (filled %s @ $%s)", o.FilledQty, o.FillPrice.StringFixed(2))
	}
	if o.RealizedPnL != nil {
		msg += fmt.Sprintf(", realized $%s %s", o.RealizedPnL.StringFixed(2), o.Outcome)
	}
	if o.Reason != "" && o.State != models.StateFilled {
		msg += " - " + o.Reason
	}
	return msg
}

func (e *Executor) notify(text string) {
	if e.Notifier != nil {
		e.Notifier.Notify(text)
	}
}
