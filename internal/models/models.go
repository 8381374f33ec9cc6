package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind tells the engine how a holding is priced and which rules apply to it.
type InstrumentKind string

const (
	KindEquity  InstrumentKind = "equity"
	KindCall    InstrumentKind = "call_option"
	KindWarrant InstrumentKind = "warrant"
)

// Bucket is an allocation bucket. Every position belongs to exactly one.
type Bucket string

const (
	BucketThemeA   Bucket = "theme_a"
	BucketThemeB   Bucket = "theme_b"
	BucketThemeC   Bucket = "theme_c"
	BucketMoonshot Bucket = "moonshot"
	BucketCash     Bucket = "cash"
	BucketOther    Bucket = "other"
)

// ThemeBuckets lists the theme buckets in planning order.
var ThemeBuckets = []Bucket{BucketThemeA, BucketThemeB, BucketThemeC}

func (b Bucket) IsTheme() bool {
	return b == BucketThemeA || b == BucketThemeB || b == BucketThemeC
}

// ContractMultiplier is the number of shares one listed option contract controls.
var ContractMultiplier = decimal.NewFromInt(100)

// Position is one held instrument as reported by the broker at refresh time.
// Positions are rebuilt wholesale on every refresh and never patched in place.
type Position struct {
	Symbol          string          `json:"symbol"`
	Underlying      string          `json:"underlying"`
	Kind            InstrumentKind  `json:"kind"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	Bid             decimal.Decimal `json:"bid"`
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	Strike          decimal.Decimal `json:"strike,omitempty"`
	Expiration      time.Time       `json:"expiration,omitempty"`
	Bucket          Bucket          `json:"bucket"`
}

// Multiplier is 100 for listed calls and 1 for everything else.
func (p Position) Multiplier() decimal.Decimal {
	if p.Kind == KindCall {
		return ContractMultiplier
	}
	return decimal.NewFromInt(1)
}

func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice).Mul(p.Multiplier())
}

// PnLPct is the unrealized return as a fraction (1.0 == +100%).
func (p Position) PnLPct() float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	return p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).InexactFloat64()
}

// DTE returns days to expiration counted in calendar days of loc.
// ok is false for instruments without an expiration.
func (p Position) DTE(now time.Time, loc *time.Location) (days int, ok bool) {
	if p.Expiration.IsZero() {
		return 0, false
	}
	return DaysBetween(now, p.Expiration, loc), true
}

// UnderlyingVsStrike is (underlying - strike) / strike. Negative means the call is OTM.
func (p Position) UnderlyingVsStrike() float64 {
	if !p.Strike.IsPositive() {
		return 0
	}
	return p.UnderlyingPrice.Sub(p.Strike).Div(p.Strike).InexactFloat64()
}

func (p Position) IsOTM() bool {
	return p.Kind == KindCall && p.UnderlyingPrice.LessThan(p.Strike)
}

// SellPrice prefers the bid, which is what a limit sell can realistically get.
func (p Position) SellPrice() decimal.Decimal {
	if p.Bid.IsPositive() {
		return p.Bid
	}
	return p.CurrentPrice
}

// DaysBetween counts calendar days from now's date in loc to target's date. target is a
// calendar date (expirations are stored as midnight UTC) and its Y/M/D is used as stored.
func DaysBetween(now, target time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	a := now.In(loc)
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// Portfolio is the account as seen at the start of a cycle. The broker is authoritative;
// local storage only keeps historical snapshots of it.
type Portfolio struct {
	Equity      decimal.Decimal   `json:"equity"`
	Cash        decimal.Decimal   `json:"cash"`
	BuyingPower decimal.Decimal   `json:"buying_power"`
	Positions   []Position        `json:"positions"`
	Themes      map[string]Bucket `json:"themes"`
	AsOf        time.Time         `json:"as_of"`
}

// BucketValue sums market value of positions in b. For BucketCash it is the cash balance.
func (p *Portfolio) BucketValue(b Bucket) decimal.Decimal {
	if b == BucketCash {
		return p.Cash
	}
	total := decimal.Zero
	for _, pos := range p.Positions {
		if pos.Bucket == b {
			total = total.Add(pos.MarketValue())
		}
	}
	return total
}

// Fraction returns the share of equity held in b.
func (p *Portfolio) Fraction(b Bucket) float64 {
	if !p.Equity.IsPositive() {
		return 0
	}
	return p.BucketValue(b).Div(p.Equity).InexactFloat64()
}

func (p *Portfolio) Allocations() map[Bucket]float64 {
	out := make(map[Bucket]float64, 5)
	for _, b := range []Bucket{BucketThemeA, BucketThemeB, BucketThemeC, BucketMoonshot, BucketCash} {
		out[b] = p.Fraction(b)
	}
	return out
}

func (p *Portfolio) Find(symbol string) (Position, bool) {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol {
			return pos, true
		}
	}
	return Position{}, false
}

// PositionsIn returns the positions of bucket b ordered by symbol.
func (p *Portfolio) PositionsIn(b Bucket) []Position {
	var out []Position
	for _, pos := range p.Positions {
		if pos.Bucket == b {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ReconcileDrift is equity minus (positions + cash). Should be ~0.
func (p *Portfolio) ReconcileDrift() decimal.Decimal {
	total := p.Cash
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue())
	}
	return p.Equity.Sub(total)
}

// Clone returns a deep copy so a cycle can track intra-cycle effects without touching the snapshot.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = append([]Position(nil), p.Positions...)
	c.Themes = make(map[string]Bucket, len(p.Themes))
	for k, v := range p.Themes {
		c.Themes[k] = v
	}
	return &c
}

// ApplyFill books a fill into the working copy: cash moves, quantities change, equity
// stays (cash and position value swap at the fill price).
func (p *Portfolio) ApplyFill(o CandidateOrder, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	mult := o.Multiplier()
	amount := qty.Mul(price).Mul(mult)
	for i := range p.Positions {
		if p.Positions[i].Symbol != o.Symbol {
			continue
		}
		if o.Action() == ActionBuy {
			p.Positions[i].Quantity = p.Positions[i].Quantity.Add(qty)
		} else {
			p.Positions[i].Quantity = p.Positions[i].Quantity.Sub(qty)
		}
		p.Positions[i].CurrentPrice = price
		if o.Action() == ActionBuy {
			p.Cash = p.Cash.Sub(amount)
		} else {
			p.Cash = p.Cash.Add(amount)
		}
		p.dropEmpty()
		return
	}
	if o.Action() == ActionBuy {
		p.Positions = append(p.Positions, Position{
			Symbol:       o.Symbol,
			Underlying:   o.Underlying,
			Kind:         o.Kind,
			Quantity:     qty,
			EntryPrice:   price,
			CurrentPrice: price,
			Bucket:       o.Bucket,
		})
		p.Cash = p.Cash.Sub(amount)
	}
}

func (p *Portfolio) dropEmpty() {
	kept := p.Positions[:0]
	for _, pos := range p.Positions {
		if pos.Quantity.IsPositive() {
			kept = append(kept, pos)
		}
	}
	p.Positions = kept
}

// AllocationTarget holds target fractions per bucket plus the moonshot cap and cash floor.
type AllocationTarget struct {
	Themes      map[Bucket]float64
	Moonshot    float64
	MoonshotMax float64
	CashMinimum float64
}

// Warnings reports targets that are inconsistent with each other. Drift is expected and
// corrected by rebalancing, so nothing here is fatal.
func (t AllocationTarget) Warnings() []string {
	var out []string
	sum := t.CashMinimum + t.Moonshot
	for _, b := range ThemeBuckets {
		sum += t.Themes[b]
	}
	if sum > 1.0001 {
		out = append(out, "targets exceed 100% of equity (themes + moonshot + cash minimum = "+decimal.NewFromFloat(sum*100).StringFixed(1)+"%)")
	}
	if t.Moonshot > t.MoonshotMax {
		out = append(out, "moonshot target is above the moonshot cap")
	}
	return out
}
