package governance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
)

// Request is everything one authorization reads. Portfolio is the cycle's working copy,
// so fills earlier in the same cycle are already reflected in cash and positions.
type Request struct {
	Order     models.CandidateOrder
	Portfolio *models.Portfolio
	State     models.GuardrailState
	Policy    config.Policy
	Now       time.Time
}

type check struct {
	name string
	fn   func(Request) string
}

// checks run in order and stop at the first denial.
var checks = []check{
	{"pause", paused},
	{"cooldown", cooldown},
	{"kill_switch", killSwitch},
	{"cash_buffer", cashBuffer},
	{"concentration", concentration},
	{"correlated", correlated},
	{"moonshot_cap", moonshotCap},
}

// Checks lists the check names in evaluation order.
func Checks() []string {
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = c.name
	}
	return out
}

// Authorize returns nil when the order may proceed, or a *models.GovernanceDenied naming
// the first check that vetoed it.
func Authorize(req Request) error {
	if !req.Order.Intent.Valid() {
		return &models.GovernanceDenied{Check: "intent", Reason: fmt.Sprintf("Blocked: unknown order intent %q", req.Order.Intent)}
	}
	if req.Portfolio == nil {
		return &models.GovernanceDenied{Check: "portfolio", Reason: "Blocked: no portfolio snapshot"}
	}
	for _, c := range checks {
		if reason := c.fn(req); reason != "" {
			return &models.GovernanceDenied{Check: c.name, Reason: reason}
		}
	}
	return nil
}

func paused(r Request) string {
	if r.State.Paused {
		if r.State.PauseReason != "" {
			return "Blocked: trading paused (" + r.State.PauseReason + ")"
		}
		return "Blocked: trading paused"
	}
	if r.Policy.ReadOnly() {
		return "Blocked: execution tier is read_only"
	}
	return ""
}

func cooldown(r Request) string {
	if r.State.InCooldown(r.Now) {
		until := r.State.CooldownUntil.In(r.Policy.Location())
		return fmt.Sprintf("Blocked: cooldown active until %s", until.Format("2006-01-02 15:04 MST"))
	}
	return ""
}

// KillSwitchEngaged reports whether new positions are blocked: either the latch is still
// inside its cooldown window or the drawdown from the equity high breaches the threshold.
func KillSwitchEngaged(st models.GuardrailState, equity decimal.Decimal, pol config.Policy, now time.Time) (bool, float64) {
	dd := st.Drawdown(equity)
	breached := -dd > pol.KillSwitchDrawdownPct
	latched := st.KillSwitchActive && (st.KillSwitchUntil == nil || now.Before(*st.KillSwitchUntil))
	return breached || latched, dd
}

func killSwitch(r Request) string {
	if !r.Order.IsBuy() {
		return ""
	}
	engaged, dd := KillSwitchEngaged(r.State, r.Portfolio.Equity, r.Policy, r.Now)
	if !engaged {
		return ""
	}
	return fmt.Sprintf("Blocked: kill switch active (drawdown %.1f%% vs %.1f%% threshold). No new positions.",
		-dd*100, r.Policy.KillSwitchDrawdownPct*100)
}

func cashBuffer(r Request) string {
	if !r.Order.IsBuy() {
		return ""
	}
	pf := r.Portfolio
	cost := r.Order.Notional()
	if cost.GreaterThan(pf.Cash) {
		return fmt.Sprintf("Blocked: cost $%s exceeds available cash $%s (no margin)", cost.StringFixed(2), pf.Cash.StringFixed(2))
	}
	floor := pf.Equity.Mul(decimal.NewFromFloat(r.Policy.CashMinimum))
	after := pf.Cash.Sub(cost)
	if after.LessThan(floor) {
		return fmt.Sprintf("Blocked: cash $%s below minimum $%s", after.StringFixed(2), floor.StringFixed(2))
	}
	return ""
}

func concentration(r Request) string {
	if !r.Order.IsBuy() || !r.Portfolio.Equity.IsPositive() {
		return ""
	}
	value := r.Order.Notional()
	if pos, ok := r.Portfolio.Find(r.Order.Symbol); ok {
		value = value.Add(pos.MarketValue())
	}
	frac := value.Div(r.Portfolio.Equity).InexactFloat64()
	if frac > r.Policy.MaxSinglePositionPct {
		return fmt.Sprintf("Blocked: %s would be %.1f%% of equity (max %.1f%%)", r.Order.Symbol, frac*100, r.Policy.MaxSinglePositionPct*100)
	}
	return ""
}

func correlated(r Request) string {
	if !r.Order.IsBuy() || !r.Order.Bucket.IsTheme() || !r.Portfolio.Equity.IsPositive() {
		return ""
	}
	total := r.Order.Notional()
	for _, b := range models.ThemeBuckets {
		total = total.Add(r.Portfolio.BucketValue(b))
	}
	frac := total.Div(r.Portfolio.Equity).InexactFloat64()
	if frac > r.Policy.MaxCorrelatedPct {
		return fmt.Sprintf("Blocked: themes would be %.1f%% of equity (max correlated %.1f%%)", frac*100, r.Policy.MaxCorrelatedPct*100)
	}
	return ""
}

func moonshotCap(r Request) string {
	if !r.Order.IsBuy() || r.Order.Bucket != models.BucketMoonshot || !r.Portfolio.Equity.IsPositive() {
		return ""
	}
	total := r.Portfolio.BucketValue(models.BucketMoonshot).Add(r.Order.Notional())
	frac := total.Div(r.Portfolio.Equity).InexactFloat64()
	if frac > r.Policy.MoonshotMax {
		return fmt.Sprintf("Blocked: moonshot would be %.1f%% of equity (cap %.1f%%)", frac*100, r.Policy.MoonshotMax*100)
	}
	return ""
}
