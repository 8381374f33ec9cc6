package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
	"convexity_trading/internal/selector"
)

// ContractSelector is the part of the option selector the planner needs.
type ContractSelector interface {
	Select(ctx context.Context, underlying string, spot decimal.Decimal, pol config.SelectionPolicy) (*selector.Selection, error)
}

type Planner struct {
	data market.DataProvider
	sel  ContractSelector
}

func New(data market.DataProvider, sel ContractSelector) *Planner {
	return &Planner{data: data, sel: sel}
}

// Input is the snapshot a plan is computed from.
type Input struct {
	Portfolio *models.Portfolio
	Policy    config.Policy
	// Exclude lists symbols that already carry a lifecycle order this cycle; the planner
	// does not reduce them again.
	Exclude map[string]bool
}

// Skip records a bucket the planner wanted to trade but did not, and why.
type Skip struct {
	Bucket     models.Bucket
	Underlying string
	Reason     string
}

type Plan struct {
	Orders  []models.CandidateOrder
	Skipped []Skip
}

// PlanRebalance moves each theme toward its target. Buys are sized at the ask in whole
// contracts and never spend cash below the cash minimum; sells reduce over-target themes.
// The moonshot bucket is never bought here.
func (p *Planner) PlanRebalance(ctx context.Context, in Input) (*Plan, error) {
	pf := in.Portfolio
	pol := in.Policy
	plan := &Plan{}
	if pf == nil || !pf.Equity.IsPositive() {
		return plan, nil
	}

	targets := pol.Targets()
	minDrift := decimal.NewFromFloat(pol.MinRebalanceDriftUSD)
	cashFloor := pf.Equity.Mul(decimal.NewFromFloat(pol.CashMinimum))
	reserved := decimal.Zero

	for _, bucket := range models.ThemeBuckets {
		underlying, ok := pol.UnderlyingFor(bucket)
		if !ok {
			continue
		}
		target := pf.Equity.Mul(decimal.NewFromFloat(targets.Themes[bucket]))
		current := pf.BucketValue(bucket)
		gap := target.Sub(current)

		switch {
		case gap.GreaterThan(minDrift):
			order, skip, err := p.planBuy(ctx, pf, pol, bucket, underlying, gap, pf.Cash.Sub(cashFloor).Sub(reserved))
			if err != nil {
				return nil, err
			}
			if skip != nil {
				log.Printf("[PLAN] %s (%s) under target by $%s, skipped: %s", bucket, underlying, gap.StringFixed(2), skip.Reason)
				plan.Skipped = append(plan.Skipped, *skip)
				continue
			}
			reserved = reserved.Add(order.Notional())
			plan.Orders = append(plan.Orders, *order)

		case gap.Neg().GreaterThan(minDrift):
			plan.Orders = append(plan.Orders, reduce(pf, bucket, gap.Neg(), in.Exclude)...)
		}
	}

	plan.Orders, plan.Skipped = applyCashBuffer(plan.Orders, plan.Skipped, pf.Cash, cashFloor)
	for _, o := range plan.Orders {
		log.Printf("[PLAN] %s", o)
	}
	return plan, nil
}

func (p *Planner) planBuy(ctx context.Context, pf *models.Portfolio, pol config.Policy, bucket models.Bucket, underlying string, gap, spendable decimal.Decimal) (*models.CandidateOrder, *Skip, error) {
	skip := func(reason string) (*models.CandidateOrder, *Skip, error) {
		return nil, &Skip{Bucket: bucket, Underlying: underlying, Reason: reason}, nil
	}
	if pol.ManualModeOnly {
		return skip("manual mode only")
	}

	q, err := p.data.GetQuote(ctx, underlying)
	if err != nil {
		return nil, nil, models.DataUnavailable("quote "+underlying, err)
	}
	spot := q.Price()

	if pol.UseSMAFilter {
		bars, err := p.data.GetBars(ctx, underlying, pol.SMAPeriod)
		if err != nil {
			return nil, nil, models.DataUnavailable("bars "+underlying, err)
		}
		if ok, reason := EntryAllowed(spot, bars, pol.SMAPeriod); !ok {
			return skip(reason)
		}
	}

	sel, err := p.sel.Select(ctx, underlying, spot, pol.Selection)
	if err != nil {
		var sf *models.SelectionFailure
		if errors.As(err, &sf) {
			return skip(sf.Error())
		}
		return nil, nil, err
	}

	price := sel.Contract.Ask
	if !price.IsPositive() {
		price = sel.Contract.Mid()
	}
	unit := price.Mul(models.ContractMultiplier)
	budget := decimal.Min(gap, spendable)
	if !budget.IsPositive() || budget.LessThan(unit) {
		if spendable.LessThan(unit) {
			return skip("blocked: cash buffer")
		}
		return skip(fmt.Sprintf("gap $%s is less than one contract ($%s)", gap.StringFixed(2), unit.StringFixed(2)))
	}
	qty := budget.Div(unit).Floor()

	return &models.CandidateOrder{
		Intent:     models.IntentOpen,
		Symbol:     sel.Contract.Symbol,
		Underlying: underlying,
		Kind:       models.KindCall,
		Quantity:   qty,
		PriceHint:  price,
		Bucket:     bucket,
		Rationale: fmt.Sprintf("rebalance %s: %.1f%% vs target %.1f%%, gap $%s; %s",
			bucket, pf.Fraction(bucket)*100, pol.Targets().Themes[bucket]*100, gap.StringFixed(2), sel.Rationale()),
	}, nil, nil
}

// reduce sells whole units from the bucket, by symbol, until the excess is covered.
// It never sells more than is held.
func reduce(pf *models.Portfolio, bucket models.Bucket, excess decimal.Decimal, exclude map[string]bool) []models.CandidateOrder {
	var out []models.CandidateOrder
	remaining := excess
	for _, pos := range pf.PositionsIn(bucket) {
		if exclude[pos.Symbol] {
			continue
		}
		price := pos.SellPrice()
		unit := price.Mul(pos.Multiplier())
		if !unit.IsPositive() {
			continue
		}
		qty := decimal.Min(remaining.Div(unit).Floor(), pos.Quantity)
		if qty.LessThan(decimal.NewFromInt(1)) {
			continue
		}
		out = append(out, models.CandidateOrder{
			Intent:     models.IntentReduce,
			Symbol:     pos.Symbol,
			Underlying: pos.Underlying,
			Kind:       pos.Kind,
			Quantity:   qty,
			PriceHint:  price,
			Bucket:     bucket,
			Rationale:  fmt.Sprintf("rebalance %s: over target by $%s", bucket, excess.StringFixed(2)),
			EntryPrice: pos.EntryPrice,
		})
		remaining = remaining.Sub(qty.Mul(unit))
		if remaining.LessThan(unit) {
			break
		}
	}
	return out
}

// applyCashBuffer walks the buys in order and drops any that would take cash below the
// floor. Sell proceeds are not counted: they are not in hand until the sells fill.
func applyCashBuffer(orders []models.CandidateOrder, skipped []Skip, cash, floor decimal.Decimal) ([]models.CandidateOrder, []Skip) {
	kept := orders[:0:0]
	for _, o := range orders {
		if !o.IsBuy() {
			kept = append(kept, o)
			continue
		}
		after := cash.Sub(o.Notional())
		if after.LessThan(floor) {
			log.Printf("[PLAN] dropped %s: blocked: cash buffer", o.Symbol)
			skipped = append(skipped, Skip{Bucket: o.Bucket, Underlying: o.Underlying, Reason: "blocked: cash buffer"})
			continue
		}
		cash = after
		kept = append(kept, o)
	}
	return kept, skipped
}

// TrimMoonshot sells the moonshot bucket back down to its cap, proportionally across its
// positions and priced at the bid. It only ever emits sells.
func TrimMoonshot(pf *models.Portfolio, pol config.Policy) []models.CandidateOrder {
	if pf == nil || !pf.Equity.IsPositive() {
		return nil
	}
	if pf.Fraction(models.BucketMoonshot) <= pol.MoonshotMax {
		return nil
	}
	total := pf.BucketValue(models.BucketMoonshot)
	capValue := pf.Equity.Mul(decimal.NewFromFloat(pol.MoonshotMax))
	excess := total.Sub(capValue)
	if !total.IsPositive() || !excess.IsPositive() {
		return nil
	}
	share := excess.Div(total)

	var out []models.CandidateOrder
	for _, pos := range pf.PositionsIn(models.BucketMoonshot) {
		price := pos.SellPrice()
		if !price.IsPositive() {
			log.Printf("[PLAN] no price for moonshot trim %s, skipping", pos.Symbol)
			continue
		}
		qty := decimal.Min(pos.Quantity.Mul(share).Floor(), pos.Quantity)
		if !qty.IsPositive() {
			continue
		}
		out = append(out, models.CandidateOrder{
			Intent:     models.IntentTrim,
			Symbol:     pos.Symbol,
			Underlying: pos.Underlying,
			Kind:       pos.Kind,
			Quantity:   qty,
			PriceHint:  price,
			Bucket:     models.BucketMoonshot,
			Rationale:  fmt.Sprintf("moonshot trim: %.1f%% above cap %.1f%%", pf.Fraction(models.BucketMoonshot)*100, pol.MoonshotMax*100),
			EntryPrice: pos.EntryPrice,
		})
	}
	return out
}

// CapToBudget keeps at most remaining orders, in priority order: lifecycle closes and
// rolls, then moonshot trims, then rebalance sells, then buys. Roll legs are kept or
// dropped as a pair.
func CapToBudget(orders []models.CandidateOrder, remaining int) (kept, dropped []models.CandidateOrder) {
	sorted := append([]models.CandidateOrder(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Intent.Priority() < sorted[j].Intent.Priority()
	})

	groupSize := make(map[string]int)
	for _, o := range sorted {
		if o.RollGroup != "" {
			groupSize[o.RollGroup]++
		}
	}
	decided := make(map[string]bool)
	keepGroup := make(map[string]bool)

	for _, o := range sorted {
		if g := o.RollGroup; g != "" {
			if !decided[g] {
				decided[g] = true
				keepGroup[g] = remaining >= groupSize[g]
				if keepGroup[g] {
					remaining -= groupSize[g]
				}
			}
			if keepGroup[g] {
				kept = append(kept, o)
			} else {
				dropped = append(dropped, o)
			}
			continue
		}
		if remaining > 0 {
			kept = append(kept, o)
			remaining--
		} else {
			dropped = append(dropped, o)
		}
	}
	return kept, dropped
}
