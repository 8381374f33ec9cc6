package selector

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/logger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// Selector picks long call contracts. It holds no state between calls.
type Selector struct {
	data market.DataProvider
	loc  *time.Location
	now  func() time.Time
}

func New(data market.DataProvider, loc *time.Location) *Selector {
	if loc == nil {
		loc = time.UTC
	}
	return &Selector{data: data, loc: loc, now: time.Now}
}

// Selection is the chosen contract plus what it was ranked against.
type Selection struct {
	Contract models.Contract
	DTE      int
	MaxPain  *decimal.Decimal
	Distance decimal.Decimal
}

// Rationale explains the pick for order rationales and logs.
func (s Selection) Rationale() string {
	ref := "ATM"
	if s.MaxPain != nil {
		ref = "max pain $" + s.MaxPain.StringFixed(2)
	}
	return fmt.Sprintf("%s strike $%s DTE %d (closest to %s)", s.Contract.Symbol, s.Contract.Strike.StringFixed(2), s.DTE, ref)
}

// Select returns the best long call for underlying. The order of work is fixed:
// expirations are chosen first, each chain is filtered for liquidity, strikes are then
// limited to the spot range, and ranking happens last across every expiration.
func (s *Selector) Select(ctx context.Context, underlying string, spot decimal.Decimal, pol config.SelectionPolicy) (*Selection, error) {
	if !spot.IsPositive() {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no spot price"}
	}
	expirations, err := s.data.GetExpirations(ctx, underlying)
	if err != nil {
		return nil, models.DataUnavailable("expirations for "+underlying, err)
	}

	now := s.now()
	window := [2]int{pol.DTEMin, pol.DTEMax}
	eligible := s.inWindow(expirations, now, window)
	if len(eligible) == 0 {
		window = [2]int{pol.DTEFallbackMin, pol.DTEFallbackMax}
		eligible = s.inWindow(expirations, now, window)
	}
	if len(eligible) == 0 {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no expirations"}
	}

	mid := float64(window[0]+window[1]) / 2
	return s.pick(ctx, underlying, spot, pol, eligible, mid)
}

// SelectRoll picks the replacement leg for a roll: the monthly expiration nearest to
// today+targetDTE that is later than after, then the same filters and ranking as Select.
func (s *Selector) SelectRoll(ctx context.Context, underlying string, spot decimal.Decimal, pol config.SelectionPolicy, targetDTE int, after time.Time) (*Selection, error) {
	if !spot.IsPositive() {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no spot price"}
	}
	expirations, err := s.data.GetExpirations(ctx, underlying)
	if err != nil {
		return nil, models.DataUnavailable("expirations for "+underlying, err)
	}

	now := s.now()
	var later, monthly []time.Time
	for _, e := range expirations {
		if !e.After(after) {
			continue
		}
		later = append(later, e)
		if IsMonthly(e) {
			monthly = append(monthly, e)
		}
	}
	pool := monthly
	if len(pool) == 0 {
		pool = later
	}
	if len(pool) == 0 {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no roll expiration"}
	}

	best := pool[0]
	bestGap := absInt(models.DaysBetween(now, best, s.loc) - targetDTE)
	for _, e := range pool[1:] {
		gap := absInt(models.DaysBetween(now, e, s.loc) - targetDTE)
		if gap < bestGap || (gap == bestGap && e.After(best)) {
			best, bestGap = e, gap
		}
	}
	return s.pick(ctx, underlying, spot, pol, []time.Time{best}, float64(targetDTE))
}

func (s *Selector) inWindow(expirations []time.Time, now time.Time, window [2]int) []time.Time {
	var out []time.Time
	for _, e := range expirations {
		dte := models.DaysBetween(now, e, s.loc)
		if dte >= window[0] && dte <= window[1] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type candidate struct {
	contract models.Contract
	dte      int
	distance decimal.Decimal
	midGap   float64
	maxPain  *decimal.Decimal
}

func (s *Selector) pick(ctx context.Context, underlying string, spot decimal.Decimal, pol config.SelectionPolicy, expirations []time.Time, midDTE float64) (*Selection, error) {
	lo := spot.Mul(decimal.NewFromFloat(pol.StrikeRangeMin))
	hi := spot.Mul(decimal.NewFromFloat(pol.StrikeRangeMax))
	now := s.now()

	var best *candidate
	for _, exp := range expirations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chain, err := s.data.GetChain(ctx, underlying, exp)
		if err != nil {
			return nil, models.DataUnavailable(fmt.Sprintf("chain %s %s", underlying, exp.Format("2006-01-02")), err)
		}

		liquid := FilterLiquid(chain.Calls, pol)
		var inRange []models.Contract
		for _, c := range liquid {
			if c.Strike.LessThan(lo) || c.Strike.GreaterThan(hi) {
				continue
			}
			inRange = append(inRange, c)
		}
		logger.Debugf("[SELECT] %s %s: %d calls, %d liquid, %d in strike range [%s, %s]",
			underlying, exp.Format("2006-01-02"), len(chain.Calls), len(liquid), len(inRange), lo.StringFixed(2), hi.StringFixed(2))
		if len(inRange) == 0 {
			continue
		}

		ref := spot
		var mp *decimal.Decimal
		if pol.UseMaxPain {
			if strike, ok := MaxPain(chain); ok {
				ref = strike
				mp = &strike
			}
		}
		dte := models.DaysBetween(now, exp, s.loc)
		for _, c := range inRange {
			cand := &candidate{
				contract: c,
				dte:      dte,
				distance: c.Strike.Sub(ref).Abs(),
				midGap:   math.Abs(float64(dte) - midDTE),
				maxPain:  mp,
			}
			if best == nil || better(cand, best) {
				best = cand
			}
		}
	}

	if best == nil {
		return nil, &models.SelectionFailure{Underlying: underlying, Reason: "no liquid contract"}
	}
	sel := &Selection{Contract: best.contract, DTE: best.dte, MaxPain: best.maxPain, Distance: best.distance}
	log.Printf("[SELECT] %s -> %s", underlying, sel.Rationale())
	return sel, nil
}

// better ranks by strike distance, then DTE closeness to the window midpoint.
// Strike and symbol only make the order total.
func better(a, b *candidate) bool {
	if c := a.distance.Cmp(b.distance); c != 0 {
		return c < 0
	}
	if a.midGap != b.midGap {
		return a.midGap < b.midGap
	}
	if c := a.contract.Strike.Cmp(b.contract.Strike); c != 0 {
		return c < 0
	}
	return a.contract.Symbol < b.contract.Symbol
}

// FilterLiquid keeps calls with a two-sided quote whose spread, open interest and volume
// pass the policy. Missing open interest or volume is not held against a contract.
func FilterLiquid(contracts []models.Contract, pol config.SelectionPolicy) []models.Contract {
	var out []models.Contract
	for _, c := range contracts {
		if c.Right != models.RightCall {
			continue
		}
		if !c.Bid.IsPositive() || !c.Ask.IsPositive() {
			continue
		}
		spread, ok := c.SpreadPct()
		if !ok || spread > pol.MaxSpreadPct {
			continue
		}
		if c.OpenInterest != nil && *c.OpenInterest < pol.MinOpenInterest {
			continue
		}
		if c.Volume != nil && *c.Volume < pol.MinVolume {
			continue
		}
		out = append(out, c)
	}
	return out
}

// IsMonthly reports whether t is a standard monthly expiration (third Friday).
func IsMonthly(t time.Time) bool {
	return t.Weekday() == time.Friday && t.Day() >= 15 && t.Day() <= 21
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
