package selector

import (
	"sort"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

// MaxPain returns the strike that minimizes the total intrinsic value held by option
// owners at expiration, weighting each contract by open interest * 100. ok is false when
// the chain carries no open interest at all.
func MaxPain(chain *models.OptionChain) (decimal.Decimal, bool) {
	if chain == nil {
		return decimal.Zero, false
	}
	type leg struct {
		strike decimal.Decimal
		weight decimal.Decimal
	}
	var calls, puts []leg
	strikes := make(map[string]decimal.Decimal)
	anyOI := false

	collect := func(cs []models.Contract, dst *[]leg) {
		for _, c := range cs {
			strikes[c.Strike.String()] = c.Strike
			oi := int64(0)
			if c.OpenInterest != nil {
				oi = *c.OpenInterest
			}
			if oi > 0 {
				anyOI = true
			}
			*dst = append(*dst, leg{strike: c.Strike, weight: decimal.NewFromInt(oi).Mul(models.ContractMultiplier)})
		}
	}
	collect(chain.Calls, &calls)
	collect(chain.Puts, &puts)
	if !anyOI {
		return decimal.Zero, false
	}

	sorted := make([]decimal.Decimal, 0, len(strikes))
	for _, k := range strikes {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	var best decimal.Decimal
	var bestTotal decimal.Decimal
	found := false
	for _, settle := range sorted {
		total := decimal.Zero
		for _, c := range calls {
			if settle.GreaterThan(c.strike) {
				total = total.Add(settle.Sub(c.strike).Mul(c.weight))
			}
		}
		for _, p := range puts {
			if p.strike.GreaterThan(settle) {
				total = total.Add(p.strike.Sub(settle).Mul(p.weight))
			}
		}
		if !found || total.LessThan(bestTotal) {
			best, bestTotal, found = settle, total, true
		}
	}
	return best, found
}
