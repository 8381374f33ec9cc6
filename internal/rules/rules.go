package rules

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
	"convexity_trading/internal/selector"
)

// RollSelector finds the replacement leg for a roll.
type RollSelector interface {
	SelectRoll(ctx context.Context, underlying string, spot decimal.Decimal, pol config.SelectionPolicy, targetDTE int, after time.Time) (*selector.Selection, error)
}

// Input is everything one evaluation pass reads.
type Input struct {
	Portfolio *models.Portfolio
	Policy    config.Policy
	Now       time.Time
	// PendingSells holds symbols with a sell still working at the broker. They are not
	// partially closed again until that order is done.
	PendingSells map[string]bool
}

// Decision is the outcome of the first matching rule for one position.
// A decision with a Flag and no Orders asks for operator attention.
type Decision struct {
	Symbol string
	Rule   string
	Orders []models.CandidateOrder
	Flag   string
}

// Rule is one row of the precedence table.
type Rule struct {
	Name string
	Eval func(ctx context.Context, e *env, pos models.Position) (*Decision, error)
}

type env struct {
	in    Input
	loc   *time.Location
	rolls RollSelector
}

// Table is evaluated top to bottom; the first rule that returns a decision wins.
var Table = []Rule{
	{Name: "take_profit_full", Eval: takeProfitFull},
	{Name: "take_profit_partial", Eval: takeProfitPartial},
	{Name: "stop_loss", Eval: stopLoss},
	{Name: "expiration", Eval: expirationClose},
	{Name: "roll", Eval: roll},
}

type Evaluator struct {
	rolls RollSelector
	table []Rule
}

func NewEvaluator(rolls RollSelector) *Evaluator {
	return &Evaluator{rolls: rolls, table: Table}
}

// Evaluate runs the table over every open call position. At most one decision is made
// per position. Only data provider failures are returned as errors.
func (ev *Evaluator) Evaluate(ctx context.Context, in Input) ([]Decision, error) {
	if in.Portfolio == nil {
		return nil, nil
	}
	e := &env{in: in, loc: in.Policy.Location(), rolls: ev.rolls}

	positions := append([]models.Position(nil), in.Portfolio.Positions...)
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	var out []Decision
	for _, pos := range positions {
		if pos.Kind != models.KindCall || !pos.Quantity.IsPositive() {
			continue
		}
		for _, r := range ev.table {
			d, err := r.Eval(ctx, e, pos)
			if err != nil {
				return nil, err
			}
			if d == nil {
				continue
			}
			d.Symbol = pos.Symbol
			d.Rule = r.Name
			if d.Flag != "" {
				log.Printf("[RULES] %s %s: %s", pos.Symbol, r.Name, d.Flag)
			}
			for _, o := range d.Orders {
				log.Printf("[RULES] %s %s: %s", pos.Symbol, r.Name, o)
			}
			out = append(out, *d)
			break
		}
	}
	return out, nil
}

// Orders flattens the candidate orders of all decisions, keeping table order.
func Orders(ds []Decision) []models.CandidateOrder {
	var out []models.CandidateOrder
	for _, d := range ds {
		out = append(out, d.Orders...)
	}
	return out
}

// Flags lists decisions that need operator attention.
func Flags(ds []Decision) []string {
	var out []string
	for _, d := range ds {
		if d.Flag != "" {
			out = append(out, fmt.Sprintf("%s: %s", d.Symbol, d.Flag))
		}
	}
	return out
}

func takeProfitFull(_ context.Context, e *env, pos models.Position) (*Decision, error) {
	pnl := pos.PnLPct()
	if pnl < e.in.Policy.TakeProfit200Pct {
		return nil, nil
	}
	rationale := fmt.Sprintf("take profit %s (close 100%%)", pct(pnl))
	return &Decision{Orders: []models.CandidateOrder{closeOrder(pos, pos.Quantity, models.IntentClose, rationale)}}, nil
}

func takeProfitPartial(_ context.Context, e *env, pos models.Position) (*Decision, error) {
	pnl := pos.PnLPct()
	if pnl < e.in.Policy.TakeProfit100Pct || e.in.PendingSells[pos.Symbol] {
		return nil, nil
	}
	qty := PartialQuantity(pos.Quantity, e.in.Policy.TakeProfitClosePct)
	closePct := e.in.Policy.TakeProfitClosePct * 100
	rationale := fmt.Sprintf("take profit %s (close %.0f%%)", pct(pnl), closePct)
	return &Decision{Orders: []models.CandidateOrder{closeOrder(pos, qty, models.IntentClose, rationale)}}, nil
}

// PartialQuantity is floor(remaining * fraction), at least one contract and never more
// than what is held. It works on the quantity held now, not the original entry size.
func PartialQuantity(remaining decimal.Decimal, fraction float64) decimal.Decimal {
	qty := remaining.Mul(decimal.NewFromFloat(fraction)).Floor()
	one := decimal.NewFromInt(1)
	if qty.LessThan(one) {
		qty = one
	}
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	return qty
}

func stopLoss(_ context.Context, e *env, pos models.Position) (*Decision, error) {
	pnl := pos.PnLPct()
	if pnl > e.in.Policy.StopLossDrawdownPct || !pos.UnderlyingPrice.IsPositive() || !pos.Strike.IsPositive() {
		return nil, nil
	}
	vsStrike := pos.UnderlyingVsStrike()
	if vsStrike >= e.in.Policy.StopLossUnderlyingPct {
		return nil, nil
	}
	rationale := fmt.Sprintf("stop loss: pnl %s, underlying %s vs strike", pct(pnl), pct1(vsStrike))
	return &Decision{Orders: []models.CandidateOrder{closeOrder(pos, pos.Quantity, models.IntentClose, rationale)}}, nil
}

func expirationClose(_ context.Context, e *env, pos models.Position) (*Decision, error) {
	dte, ok := pos.DTE(e.in.Now, e.loc)
	if !ok {
		return nil, nil
	}
	p := e.in.Policy
	var rationale string
	switch {
	case dte < p.CloseIfDTELt:
		rationale = fmt.Sprintf("expiration: DTE %d < %d", dte, p.CloseIfDTELt)
	case dte < p.CloseIfOTMDTELt && pos.UnderlyingPrice.IsPositive() && pos.IsOTM():
		rationale = fmt.Sprintf("expiration: DTE %d < %d and OTM", dte, p.CloseIfOTMDTELt)
	default:
		return nil, nil
	}
	return &Decision{Orders: []models.CandidateOrder{closeOrder(pos, pos.Quantity, models.IntentClose, rationale)}}, nil
}

func roll(ctx context.Context, e *env, pos models.Position) (*Decision, error) {
	if !pos.Bucket.IsTheme() {
		return nil, nil
	}
	dte, ok := pos.DTE(e.in.Now, e.loc)
	p := e.in.Policy
	if !ok || dte >= p.RollTriggerDTE {
		return nil, nil
	}
	if e.rolls == nil || !pos.UnderlyingPrice.IsPositive() {
		return &Decision{Flag: fmt.Sprintf("roll needed (DTE %d < %d), no replacement quote available", dte, p.RollTriggerDTE)}, nil
	}

	sel, err := e.rolls.SelectRoll(ctx, pos.Underlying, pos.UnderlyingPrice, p.Selection, p.RollTargetDTE, pos.Expiration)
	if err != nil {
		var sf *models.SelectionFailure
		if errors.As(err, &sf) {
			return &Decision{Flag: fmt.Sprintf("roll needed (DTE %d < %d), no replacement contract: %s", dte, p.RollTriggerDTE, sf.Reason)}, nil
		}
		return nil, err
	}

	currentValue := pos.MarketValue()
	newMid := sel.Contract.Mid()
	newPremium := newMid.Mul(pos.Quantity).Mul(models.ContractMultiplier)
	debit := newPremium.Sub(currentValue)
	debitCap := RollDebitCap(currentValue, p.MaxRollDebitPct, p.MaxRollDebitAbsolute)

	if debit.GreaterThan(debitCap) {
		return &Decision{Flag: fmt.Sprintf("roll needed, cost too high: debit $%s > cap $%s", debit.StringFixed(2), debitCap.StringFixed(2))}, nil
	}

	group := pos.Symbol + "->" + sel.Contract.Symbol
	rationale := fmt.Sprintf("roll: DTE %d < %d, debit $%s <= cap $%s", dte, p.RollTriggerDTE, debit.StringFixed(2), debitCap.StringFixed(2))
	closeLeg := closeOrder(pos, pos.Quantity, models.IntentRollClose, rationale)
	closeLeg.RollGroup = group
	openLeg := models.CandidateOrder{
		Intent:     models.IntentRollOpen,
		Symbol:     sel.Contract.Symbol,
		Underlying: pos.Underlying,
		Kind:       models.KindCall,
		Quantity:   pos.Quantity,
		PriceHint:  newMid,
		Bucket:     pos.Bucket,
		Rationale:  rationale + " into " + sel.Rationale(),
		RollGroup:  group,
	}
	return &Decision{Orders: []models.CandidateOrder{closeLeg, openLeg}}, nil
}

// RollDebitCap is max(pct * current value, absolute). A debit equal to the cap is allowed.
func RollDebitCap(currentValue decimal.Decimal, maxPct, maxAbsolute float64) decimal.Decimal {
	pctCap := currentValue.Mul(decimal.NewFromFloat(maxPct))
	absCap := decimal.NewFromFloat(maxAbsolute)
	return decimal.Max(pctCap, absCap)
}

func closeOrder(pos models.Position, qty decimal.Decimal, intent models.Intent, rationale string) models.CandidateOrder {
	return models.CandidateOrder{
		Intent:     intent,
		Symbol:     pos.Symbol,
		Underlying: pos.Underlying,
		Kind:       pos.Kind,
		Quantity:   qty,
		PriceHint:  pos.SellPrice(),
		Bucket:     pos.Bucket,
		Rationale:  rationale,
		EntryPrice: pos.EntryPrice,
	}
}

func pct(f float64) string {
	return fmt.Sprintf("%+.0f%%", f*100)
}

func pct1(f float64) string {
	return fmt.Sprintf("%+.1f%%", f*100)
}
