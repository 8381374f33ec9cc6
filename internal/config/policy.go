package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"convexity_trading/internal/models"
)

const (
	TierFull     = "full"
	TierReadOnly = "read_only"
)

// SelectionPolicy drives the option selector.
type SelectionPolicy struct {
	DTEMin          int
	DTEMax          int
	DTEFallbackMin  int
	DTEFallbackMax  int
	StrikeRangeMin  float64
	StrikeRangeMax  float64
	MaxSpreadPct    float64
	MinOpenInterest int64
	MinVolume       int64
	UseMaxPain      bool
}

// Policy is the strategy snapshot used for one cycle. It is built by Resolve and never
// modified afterwards; a changed override only shows up in the next cycle's snapshot.
type Policy struct {
	ThemeUnderlyings []string
	MoonshotSymbol   string

	ThemeATarget         float64
	ThemeBTarget         float64
	ThemeCTarget         float64
	MoonshotTarget       float64
	MoonshotMax          float64
	CashMinimum          float64
	MinRebalanceDriftUSD float64

	Selection SelectionPolicy

	RollTriggerDTE        int
	RollTargetDTE         int
	MaxRollDebitPct       float64
	MaxRollDebitAbsolute  float64
	TakeProfit100Pct      float64
	TakeProfit200Pct      float64
	TakeProfitClosePct    float64
	StopLossDrawdownPct   float64
	StopLossUnderlyingPct float64
	CloseIfDTELt          int
	CloseIfOTMDTELt       int

	UseSMAFilter   bool
	SMAPeriod      int
	ManualModeOnly bool

	MaxTradesPerDay           int
	OrderPriceOffsetPct       float64
	OrderPollTimeoutSeconds   int
	OrderPollIntervalSeconds  int
	ConfirmationTimeoutSecs   int
	PreflightMaxDriftPct      float64
	ConfirmThresholdUSD       float64
	ConfirmThresholdContracts int
	ExecutionTier             string

	KillSwitchDrawdownPct  float64
	KillSwitchLookbackDays int
	KillSwitchCooldownDays int
	MaxSinglePositionPct   float64
	MaxCorrelatedPct       float64

	CooldownEnabled bool
	CooldownLossPct float64
	CooldownLossUSD float64
	CooldownMinutes int

	RebalanceTime string
	Timezone      string

	AdjustEnabled      bool
	AdjustTrigger      float64
	AdjustRearm        float64
	AdjustMoonshotStep float64

	DryRun bool

	loc *time.Location
}

// Defaults returns the built-in policy, the lowest-precedence layer.
func Defaults() Policy {
	return Policy{
		ThemeUnderlyings: []string{"UMC", "TE", "AMPX"},
		MoonshotSymbol:   "GME.WS",

		ThemeATarget:         0.35,
		ThemeBTarget:         0.35,
		ThemeCTarget:         0.15,
		MoonshotTarget:       0.20,
		MoonshotMax:          0.30,
		CashMinimum:          0.20,
		MinRebalanceDriftUSD: 100,

		Selection: SelectionPolicy{
			DTEMin:          60,
			DTEMax:          120,
			DTEFallbackMin:  45,
			DTEFallbackMax:  150,
			StrikeRangeMin:  1.00,
			StrikeRangeMax:  1.10,
			MaxSpreadPct:    0.12,
			MinOpenInterest: 50,
			MinVolume:       10,
			UseMaxPain:      true,
		},

		RollTriggerDTE:        60,
		RollTargetDTE:         90,
		MaxRollDebitPct:       0.35,
		MaxRollDebitAbsolute:  100,
		TakeProfit100Pct:      1.00,
		TakeProfit200Pct:      2.00,
		TakeProfitClosePct:    0.50,
		StopLossDrawdownPct:   -0.40,
		StopLossUnderlyingPct: -0.05,
		CloseIfDTELt:          30,
		CloseIfOTMDTELt:       30,

		UseSMAFilter:   true,
		SMAPeriod:      20,
		ManualModeOnly: false,

		MaxTradesPerDay:           5,
		OrderPriceOffsetPct:       0,
		OrderPollTimeoutSeconds:   300,
		OrderPollIntervalSeconds:  5,
		ConfirmationTimeoutSecs:   300,
		PreflightMaxDriftPct:      0.15,
		ConfirmThresholdUSD:       500,
		ConfirmThresholdContracts: 10,
		ExecutionTier:             TierFull,

		KillSwitchDrawdownPct:  0.25,
		KillSwitchLookbackDays: 30,
		KillSwitchCooldownDays: 5,
		MaxSinglePositionPct:   0.40,
		MaxCorrelatedPct:       0.85,

		CooldownEnabled: true,
		CooldownLossPct: 0.30,
		CooldownLossUSD: 200,
		CooldownMinutes: 240,

		RebalanceTime: "09:30",
		Timezone:      "America/New_York",

		AdjustEnabled:      true,
		AdjustTrigger:      -0.15,
		AdjustRearm:        -0.12,
		AdjustMoonshotStep: 0.05,
	}
}

// Validate rejects combinations no cycle can run with. Target inconsistencies are only
// warnings; see Targets().Warnings().
func (p *Policy) Validate() error {
	s := p.Selection
	switch {
	case len(p.ThemeUnderlyings) == 0 || len(p.ThemeUnderlyings) > len(models.ThemeBuckets):
		return fmt.Errorf("theme_underlyings must list 1 to %d symbols", len(models.ThemeBuckets))
	case s.DTEMin < 0 || s.DTEMin > s.DTEMax:
		return fmt.Errorf("option dte window [%d, %d] is empty", s.DTEMin, s.DTEMax)
	case s.DTEFallbackMin < 0 || s.DTEFallbackMin > s.DTEFallbackMax:
		return fmt.Errorf("fallback dte window [%d, %d] is empty", s.DTEFallbackMin, s.DTEFallbackMax)
	case s.StrikeRangeMin <= 0 || s.StrikeRangeMin > s.StrikeRangeMax:
		return fmt.Errorf("strike range [%.2f, %.2f] is invalid", s.StrikeRangeMin, s.StrikeRangeMax)
	case p.TakeProfitClosePct <= 0 || p.TakeProfitClosePct > 1:
		return fmt.Errorf("take_profit_100_close_pct must be in (0, 1], got %.2f", p.TakeProfitClosePct)
	case p.TakeProfit100Pct > p.TakeProfit200Pct:
		return fmt.Errorf("take_profit_100_pct %.2f is above take_profit_200_pct %.2f", p.TakeProfit100Pct, p.TakeProfit200Pct)
	case p.MaxTradesPerDay < 0:
		return fmt.Errorf("max_trades_per_day must not be negative")
	case p.OrderPollIntervalSeconds <= 0 || p.OrderPollTimeoutSeconds <= 0:
		return fmt.Errorf("order poll interval and timeout must be positive")
	case p.ExecutionTier != TierFull && p.ExecutionTier != TierReadOnly:
		return fmt.Errorf("execution_tier must be %q or %q, got %q", TierFull, TierReadOnly, p.ExecutionTier)
	case p.KillSwitchLookbackDays <= 0:
		return fmt.Errorf("kill_switch_lookback_days must be positive")
	}
	if _, err := parseClock(p.RebalanceTime); err != nil {
		return err
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", p.Timezone, err)
	}
	p.loc = loc
	return nil
}

// Location is the rebalance timezone; DTE, trade days and the schedule are counted in it.
func (p Policy) Location() *time.Location {
	if p.loc != nil {
		return p.loc
	}
	if loc, err := time.LoadLocation(p.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// RebalanceClock returns hour and minute of the daily cycle.
func (p Policy) RebalanceClock() (int, int) {
	hm, err := parseClock(p.RebalanceTime)
	if err != nil {
		return 9, 30
	}
	return hm[0], hm[1]
}

func (p Policy) Targets() models.AllocationTarget {
	return models.AllocationTarget{
		Themes: map[models.Bucket]float64{
			models.BucketThemeA: p.ThemeATarget,
			models.BucketThemeB: p.ThemeBTarget,
			models.BucketThemeC: p.ThemeCTarget,
		},
		Moonshot:    p.MoonshotTarget,
		MoonshotMax: p.MoonshotMax,
		CashMinimum: p.CashMinimum,
	}
}

// Themes maps each configured underlying to its bucket: the n-th theme underlying is
// theme n, the moonshot symbol is the moonshot bucket.
func (p Policy) Themes() map[string]models.Bucket {
	out := make(map[string]models.Bucket, len(p.ThemeUnderlyings)+1)
	for i, u := range p.ThemeUnderlyings {
		if i >= len(models.ThemeBuckets) {
			break
		}
		out[strings.ToUpper(u)] = models.ThemeBuckets[i]
	}
	if p.MoonshotSymbol != "" {
		out[strings.ToUpper(p.MoonshotSymbol)] = models.BucketMoonshot
	}
	return out
}

// UnderlyingFor is the inverse of Themes for theme buckets.
func (p Policy) UnderlyingFor(b models.Bucket) (string, bool) {
	for i, tb := range models.ThemeBuckets {
		if tb == b && i < len(p.ThemeUnderlyings) {
			return strings.ToUpper(p.ThemeUnderlyings[i]), true
		}
	}
	return "", false
}

func (p Policy) ReadOnly() bool { return p.ExecutionTier == TierReadOnly }

func (p Policy) PollInterval() time.Duration {
	return time.Duration(p.OrderPollIntervalSeconds) * time.Second
}

func (p Policy) PollTimeout() time.Duration {
	return time.Duration(p.OrderPollTimeoutSeconds) * time.Second
}

func (p Policy) ConfirmationTimeout() time.Duration {
	return time.Duration(p.ConfirmationTimeoutSecs) * time.Second
}

func (p Policy) CooldownDuration() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

func parseClock(s string) ([2]int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return [2]int{}, fmt.Errorf("rebalance_time %q must be HH:MM", s)
	}
	return [2]int{t.Hour(), t.Minute()}, nil
}
