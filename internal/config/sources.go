package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Source is one read-only configuration layer. Values are raw strings keyed by the
// snake_case policy key; parsing happens once, in Resolve.
type Source interface {
	Name() string
	Values() (map[string]string, error)
}

// Resolve layers sources over Defaults() in the order given (later wins) and returns
// a validated snapshot. The usual order is file, env, chat.
func Resolve(sources ...Source) (Policy, error) {
	p := Defaults()
	for _, src := range sources {
		if src == nil {
			continue
		}
		values, err := src.Values()
		if err != nil {
			return Policy{}, fmt.Errorf("config source %s: %w", src.Name(), err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := p.Set(k, values[k]); err != nil {
				return Policy{}, fmt.Errorf("config source %s: %w", src.Name(), err)
			}
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// Set parses value into the field named by key.
func (p *Policy) Set(key, value string) error {
	k, ok := keys[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("unknown policy key %q", key)
	}
	if err := k.set(p, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s=%q: %w", key, value, err)
	}
	return nil
}

// Get renders the current value of key.
func (p Policy) Get(key string) (string, bool) {
	k, ok := keys[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return k.get(&p), true
}

// ValidateOverride checks that value parses for key and that the result is a valid
// policy when applied on top of base.
func ValidateOverride(base Policy, key, value string) error {
	if err := base.Set(key, value); err != nil {
		return err
	}
	return base.Validate()
}

// Keys lists every policy key in sorted order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MapSource is a fixed set of values; used for tests and one-off overrides.
type MapSource struct {
	Label string
	Data  map[string]string
}

func (m MapSource) Name() string { return m.Label }

func (m MapSource) Values() (map[string]string, error) { return m.Data, nil }

// FileSource reads a flat JSON object of policy keys. A missing file is an empty layer.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Values() (map[string]string, error) {
	if f.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = rawToString(v)
	}
	return out, nil
}

// rawToString flattens JSON scalars and string arrays into the same text form env vars use.
func rawToString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return strings.Join(list, ",")
	}
	return strings.TrimSpace(string(v))
}

// EnvSource picks up upper-cased policy keys from the environment, e.g. MAX_TRADES_PER_DAY.
type EnvSource struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (e EnvSource) Name() string { return "env" }

func (e EnvSource) Values() (map[string]string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string)
	for k := range keys {
		if v, ok := lookup(e.Prefix + strings.ToUpper(k)); ok {
			out[k] = v
		}
	}
	return out, nil
}

type keySpec struct {
	get func(*Policy) string
	set func(*Policy, string) error
}

func floatKey(field func(*Policy) *float64) keySpec {
	return keySpec{
		get: func(p *Policy) string { return strconv.FormatFloat(*field(p), 'f', -1, 64) },
		set: func(p *Policy, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return errors.New("not a number")
			}
			*field(p) = f
			return nil
		},
	}
}

func intKey(field func(*Policy) *int) keySpec {
	return keySpec{
		get: func(p *Policy) string { return strconv.Itoa(*field(p)) },
		set: func(p *Policy, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.New("not an integer")
			}
			*field(p) = n
			return nil
		},
	}
}

func int64Key(field func(*Policy) *int64) keySpec {
	return keySpec{
		get: func(p *Policy) string { return strconv.FormatInt(*field(p), 10) },
		set: func(p *Policy, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.New("not an integer")
			}
			*field(p) = n
			return nil
		},
	}
}

func boolKey(field func(*Policy) *bool) keySpec {
	return keySpec{
		get: func(p *Policy) string { return strconv.FormatBool(*field(p)) },
		set: func(p *Policy, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.New("not a boolean")
			}
			*field(p) = b
			return nil
		},
	}
}

func stringKey(field func(*Policy) *string) keySpec {
	return keySpec{
		get: func(p *Policy) string { return *field(p) },
		set: func(p *Policy, v string) error {
			*field(p) = v
			return nil
		},
	}
}

func listKey(field func(*Policy) *[]string) keySpec {
	return keySpec{
		get: func(p *Policy) string { return strings.Join(*field(p), ",") },
		set: func(p *Policy, v string) error {
			*field(p) = splitList(strings.ToUpper(v))
			return nil
		},
	}
}

var keys = map[string]keySpec{
	"theme_underlyings": listKey(func(p *Policy) *[]string { return &p.ThemeUnderlyings }),
	"moonshot_symbol":   stringKey(func(p *Policy) *string { return &p.MoonshotSymbol }),

	"theme_a_target":          floatKey(func(p *Policy) *float64 { return &p.ThemeATarget }),
	"theme_b_target":          floatKey(func(p *Policy) *float64 { return &p.ThemeBTarget }),
	"theme_c_target":          floatKey(func(p *Policy) *float64 { return &p.ThemeCTarget }),
	"moonshot_target":         floatKey(func(p *Policy) *float64 { return &p.MoonshotTarget }),
	"moonshot_max":            floatKey(func(p *Policy) *float64 { return &p.MoonshotMax }),
	"cash_minimum":            floatKey(func(p *Policy) *float64 { return &p.CashMinimum }),
	"min_rebalance_drift_usd": floatKey(func(p *Policy) *float64 { return &p.MinRebalanceDriftUSD }),

	"option_dte_min":          intKey(func(p *Policy) *int { return &p.Selection.DTEMin }),
	"option_dte_max":          intKey(func(p *Policy) *int { return &p.Selection.DTEMax }),
	"option_dte_fallback_min": intKey(func(p *Policy) *int { return &p.Selection.DTEFallbackMin }),
	"option_dte_fallback_max": intKey(func(p *Policy) *int { return &p.Selection.DTEFallbackMax }),
	"strike_range_min":        floatKey(func(p *Policy) *float64 { return &p.Selection.StrikeRangeMin }),
	"strike_range_max":        floatKey(func(p *Policy) *float64 { return &p.Selection.StrikeRangeMax }),
	"max_bid_ask_spread_pct":  floatKey(func(p *Policy) *float64 { return &p.Selection.MaxSpreadPct }),
	"min_open_interest":       int64Key(func(p *Policy) *int64 { return &p.Selection.MinOpenInterest }),
	"min_volume":              int64Key(func(p *Policy) *int64 { return &p.Selection.MinVolume }),
	"use_max_pain":            boolKey(func(p *Policy) *bool { return &p.Selection.UseMaxPain }),

	"roll_trigger_dte":          intKey(func(p *Policy) *int { return &p.RollTriggerDTE }),
	"roll_target_dte":           intKey(func(p *Policy) *int { return &p.RollTargetDTE }),
	"max_roll_debit_pct":        floatKey(func(p *Policy) *float64 { return &p.MaxRollDebitPct }),
	"max_roll_debit_absolute":   floatKey(func(p *Policy) *float64 { return &p.MaxRollDebitAbsolute }),
	"take_profit_100_pct":       floatKey(func(p *Policy) *float64 { return &p.TakeProfit100Pct }),
	"take_profit_200_pct":       floatKey(func(p *Policy) *float64 { return &p.TakeProfit200Pct }),
	"take_profit_100_close_pct": floatKey(func(p *Policy) *float64 { return &p.TakeProfitClosePct }),
	"stop_loss_drawdown_pct":    floatKey(func(p *Policy) *float64 { return &p.StopLossDrawdownPct }),
	"stop_loss_underlying_pct":  floatKey(func(p *Policy) *float64 { return &p.StopLossUnderlyingPct }),
	"close_if_dte_lt":           intKey(func(p *Policy) *int { return &p.CloseIfDTELt }),
	"close_if_otm_dte_lt":       intKey(func(p *Policy) *int { return &p.CloseIfOTMDTELt }),

	"use_sma_filter":   boolKey(func(p *Policy) *bool { return &p.UseSMAFilter }),
	"sma_period":       intKey(func(p *Policy) *int { return &p.SMAPeriod }),
	"manual_mode_only": boolKey(func(p *Policy) *bool { return &p.ManualModeOnly }),

	"max_trades_per_day":                intKey(func(p *Policy) *int { return &p.MaxTradesPerDay }),
	"order_price_offset_pct":            floatKey(func(p *Policy) *float64 { return &p.OrderPriceOffsetPct }),
	"order_poll_timeout_seconds":        intKey(func(p *Policy) *int { return &p.OrderPollTimeoutSeconds }),
	"order_poll_interval_seconds":       intKey(func(p *Policy) *int { return &p.OrderPollIntervalSeconds }),
	"confirmation_timeout_seconds":      intKey(func(p *Policy) *int { return &p.ConfirmationTimeoutSecs }),
	"preflight_max_drift_pct":           floatKey(func(p *Policy) *float64 { return &p.PreflightMaxDriftPct }),
	"confirm_trade_threshold_usd":       floatKey(func(p *Policy) *float64 { return &p.ConfirmThresholdUSD }),
	"confirm_trade_threshold_contracts": intKey(func(p *Policy) *int { return &p.ConfirmThresholdContracts }),
	"execution_tier":                    stringKey(func(p *Policy) *string { return &p.ExecutionTier }),

	"kill_switch_drawdown_pct":  floatKey(func(p *Policy) *float64 { return &p.KillSwitchDrawdownPct }),
	"kill_switch_lookback_days": intKey(func(p *Policy) *int { return &p.KillSwitchLookbackDays }),
	"kill_switch_cooldown_days": intKey(func(p *Policy) *int { return &p.KillSwitchCooldownDays }),
	"max_single_position_pct":   floatKey(func(p *Policy) *float64 { return &p.MaxSinglePositionPct }),
	"max_correlated_pct":        floatKey(func(p *Policy) *float64 { return &p.MaxCorrelatedPct }),

	"cooldown_enabled":            boolKey(func(p *Policy) *bool { return &p.CooldownEnabled }),
	"cooldown_loss_threshold_pct": floatKey(func(p *Policy) *float64 { return &p.CooldownLossPct }),
	"cooldown_loss_threshold_usd": floatKey(func(p *Policy) *float64 { return &p.CooldownLossUSD }),
	"cooldown_duration_minutes":   intKey(func(p *Policy) *int { return &p.CooldownMinutes }),

	"rebalance_time": stringKey(func(p *Policy) *string { return &p.RebalanceTime }),
	"timezone":       stringKey(func(p *Policy) *string { return &p.Timezone }),

	"adjust_enabled":          boolKey(func(p *Policy) *bool { return &p.AdjustEnabled }),
	"adjust_trigger_drawdown": floatKey(func(p *Policy) *float64 { return &p.AdjustTrigger }),
	"adjust_rearm_drawdown":   floatKey(func(p *Policy) *float64 { return &p.AdjustRearm }),
	"adjust_moonshot_step":    floatKey(func(p *Policy) *float64 { return &p.AdjustMoonshotStep }),

	"dry_run": boolKey(func(p *Policy) *bool { return &p.DryRun }),
}
