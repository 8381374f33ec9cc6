package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is BUY or SELL as shown to operators.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// OrderClass groups intents the way operators talk about them.
type OrderClass string

const (
	ClassOpen    OrderClass = "open"
	ClassClose   OrderClass = "close"
	ClassRollLeg OrderClass = "roll-leg"
	ClassTrim    OrderClass = "trim"
)

// Intent is the only way to say what an order does. Every intent is either
// buy-to-open a long or sell-to-close a long, so short sales and option writing
// cannot be expressed.
type Intent string

const (
	IntentOpen      Intent = "open_long"       // BUY, rebalance entry
	IntentRollOpen  Intent = "roll_open_long"  // BUY, replacement leg of a roll
	IntentClose     Intent = "close_long"      // SELL, lifecycle exit (TP/SL/expiry)
	IntentRollClose Intent = "roll_close_long" // SELL, expiring leg of a roll
	IntentTrim      Intent = "trim_long"       // SELL, moonshot trim
	IntentReduce    Intent = "reduce_long"     // SELL, theme over target
)

func (i Intent) Action() Action {
	switch i {
	case IntentOpen, IntentRollOpen:
		return ActionBuy
	default:
		return ActionSell
	}
}

func (i Intent) Class() OrderClass {
	switch i {
	case IntentOpen:
		return ClassOpen
	case IntentRollOpen, IntentRollClose:
		return ClassRollLeg
	case IntentTrim, IntentReduce:
		return ClassTrim
	default:
		return ClassClose
	}
}

// Priority orders candidates when the daily trade budget is short:
// lifecycle closes and rolls, then moonshot trims, then rebalance sells, then buys.
func (i Intent) Priority() int {
	switch i {
	case IntentClose, IntentRollClose, IntentRollOpen:
		return 0
	case IntentTrim:
		return 1
	case IntentReduce:
		return 2
	default:
		return 3
	}
}

func (i Intent) Valid() bool {
	switch i {
	case IntentOpen, IntentRollOpen, IntentClose, IntentRollClose, IntentTrim, IntentReduce:
		return true
	}
	return false
}

// CandidateOrder is created fresh every cycle and never stored until it is submitted.
type CandidateOrder struct {
	Intent     Intent          `json:"intent"`
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Kind       InstrumentKind  `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	PriceHint  decimal.Decimal `json:"price_hint"`
	Bucket     Bucket          `json:"bucket"`
	Rationale  string          `json:"rationale"`
	EntryPrice decimal.Decimal `json:"entry_price,omitempty"` // sells only, for realized P&L
	RollGroup  string          `json:"roll_group,omitempty"`
}

func (o CandidateOrder) Action() Action { return o.Intent.Action() }

func (o CandidateOrder) Class() OrderClass { return o.Intent.Class() }

func (o CandidateOrder) IsBuy() bool { return o.Intent.Action() == ActionBuy }

func (o CandidateOrder) Side() Side { return sideOf(o.Intent) }

func (o CandidateOrder) Multiplier() decimal.Decimal {
	if o.Kind == KindCall {
		return ContractMultiplier
	}
	return decimal.NewFromInt(1)
}

// Notional is quantity * price hint * multiplier.
func (o CandidateOrder) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.PriceHint).Mul(o.Multiplier())
}

// Key identifies an order idea independent of prices, for dedupe and comparisons.
func (o CandidateOrder) Key() string {
	return fmt.Sprintf("%s|%s|%s", o.Intent, o.Symbol, o.Quantity.String())
}

func (o CandidateOrder) String() string {
	return fmt.Sprintf("%s %s x%s @ $%s (%s)", o.Action(), o.Symbol, o.Quantity.String(), o.PriceHint.StringFixed(2), o.Rationale)
}

func sideOf(i Intent) Side {
	if i.Action() == ActionBuy {
		return SideBuy
	}
	return SideSell
}

// OrderState is the execution lifecycle of a governed order.
type OrderState string

const (
	StateCreated             OrderState = "CREATED"
	StatePreflightOK         OrderState = "PREFLIGHT_OK"
	StatePreflightFailed     OrderState = "PREFLIGHT_FAILED"
	StateWaitingConfirmation OrderState = "WAITING_CONFIRMATION"
	StateSubmitted           OrderState = "SUBMITTED"
	StatePolling             OrderState = "POLLING"
	StateFilled              OrderState = "FILLED"
	StatePartiallyFilled     OrderState = "PARTIALLY_FILLED"
	StateCancelled           OrderState = "CANCELLED"
	StateRejected            OrderState = "REJECTED"
	StateExpired             OrderState = "EXPIRED"
	StateTimedOut            OrderState = "TIMED_OUT"
)

var transitions = map[OrderState][]OrderState{
	StateCreated:             {StatePreflightOK, StatePreflightFailed},
	StatePreflightOK:         {StateWaitingConfirmation, StateSubmitted, StateRejected, StateCancelled},
	StateWaitingConfirmation: {StateSubmitted, StateRejected, StateCancelled},
	StateSubmitted:           {StatePolling, StateRejected},
	StatePolling:             {StateFilled, StatePartiallyFilled, StateCancelled, StateRejected, StateExpired, StateTimedOut},
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CountsAsTrade reports whether an order that reached the broker keeps its slot of the
// daily trade budget in this state. Orders that never reached the broker use none.
func (s OrderState) CountsAsTrade() bool {
	switch s {
	case StateFilled, StatePartiallyFilled, StateCancelled, StateExpired, StateTimedOut:
		return true
	}
	return false
}

func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From OrderState `json:"from"`
	To   OrderState `json:"to"`
	At   time.Time  `json:"at"`
	Note string     `json:"note,omitempty"`
}

// Order is a candidate order carried through execution.
type Order struct {
	ID            string           `json:"id"`
	CycleID       string           `json:"cycle_id"`
	Candidate     CandidateOrder   `json:"candidate"`
	State         OrderState       `json:"state"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	FilledQty     decimal.Decimal  `json:"filled_qty"`
	FillPrice     decimal.Decimal  `json:"fill_price"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty"`
	Outcome       string           `json:"outcome,omitempty"` // win, loss
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	SubmittedAt   *time.Time       `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	History       []Transition     `json:"history"`
}

func NewOrder(id, cycleID string, c CandidateOrder, now time.Time) *Order {
	return &Order{
		ID:        id,
		CycleID:   cycleID,
		Candidate: c,
		State:     StateCreated,
		CreatedAt: now,
	}
}

// Transition moves the order to `to`, rejecting anything that is not a legal edge.
func (o *Order) Transition(to OrderState, at time.Time, note string) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("illegal order transition %s -> %s for %s", o.State, to, o.ID)
	}
	o.History = append(o.History, Transition{From: o.State, To: to, At: at, Note: note})
	o.State = to
	if to == StateSubmitted {
		t := at
		o.SubmittedAt = &t
	}
	if to.Terminal() {
		t := at
		o.CompletedAt = &t
		if note != "" {
			o.Reason = note
		}
	}
	return nil
}
