package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GuardrailState is the single shared record read by every governance check.
// Version increases by one on every committed write.
type GuardrailState struct {
	Version               int64           `json:"version"`
	Paused                bool            `json:"paused"`
	PauseReason           string          `json:"pause_reason,omitempty"`
	KillSwitchActive      bool            `json:"kill_switch_active"`
	KillSwitchActivatedAt *time.Time      `json:"kill_switch_activated_at,omitempty"`
	KillSwitchUntil       *time.Time      `json:"kill_switch_until,omitempty"`
	EquityHigh            decimal.Decimal `json:"equity_high"`
	TradeDay              string          `json:"trade_day"` // YYYY-MM-DD in the rebalance timezone
	TradesToday           int             `json:"trades_today"`
	CooldownUntil         *time.Time      `json:"cooldown_until,omitempty"`
	AdjustApplied         bool            `json:"adjust_applied"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (s GuardrailState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// Drawdown is (equity - high) / high; 0 when no high is known yet.
func (s GuardrailState) Drawdown(equity decimal.Decimal) float64 {
	if !s.EquityHigh.IsPositive() {
		return 0
	}
	return equity.Sub(s.EquityHigh).Div(s.EquityHigh).InexactFloat64()
}
