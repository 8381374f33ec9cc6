package governance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
)

// Persister stores the guardrail record. SaveGuardrail must fail with
// models.ErrStaleGuardrailState when the stored version is not prevVersion.
type Persister interface {
	LoadGuardrail(ctx context.Context) (*models.GuardrailState, error)
	SaveGuardrail(ctx context.Context, st models.GuardrailState, prevVersion int64) error
}

// Store is the only accessor of the guardrail record. Every write goes through Update,
// which serializes writers, bumps the version and persists before the change is visible.
type Store struct {
	mu      sync.Mutex
	state   models.GuardrailState
	persist Persister
	loc     *time.Location
	now     func() time.Time
}

// NewStore loads the current record; a missing record starts from the zero state.
func NewStore(ctx context.Context, p Persister, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{persist: p, loc: loc, now: time.Now}
	if p != nil {
		st, err := p.LoadGuardrail(ctx)
		if err != nil {
			return nil, fmt.Errorf("load guardrail state: %w", err)
		}
		if st != nil {
			s.state = *st
		}
	}
	return s, nil
}

// Snapshot returns a copy of the state with the trade day rolled to today.
func (s *Store) Snapshot() models.GuardrailState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	s.rollDay(&st)
	return st
}

// Update applies fn to a copy and commits it. When fn or persistence fails nothing
// changes. A stale version reloads the stored record so the next attempt sees it.
func (s *Store) Update(ctx context.Context, fn func(*models.GuardrailState) error) (models.GuardrailState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	s.rollDay(&next)
	if err := fn(&next); err != nil {
		return s.state, err
	}
	prev := s.state.Version
	next.Version = prev + 1
	next.UpdatedAt = s.now()

	if s.persist != nil {
		if err := s.persist.SaveGuardrail(ctx, next, prev); err != nil {
			if errors.Is(err, models.ErrStaleGuardrailState) {
				if fresh, lerr := s.persist.LoadGuardrail(ctx); lerr == nil && fresh != nil {
					s.state = *fresh
				}
			}
			return s.state, fmt.Errorf("save guardrail state: %w", err)
		}
	}
	s.state = next
	return next, nil
}

func (s *Store) rollDay(st *models.GuardrailState) {
	day := s.now().In(s.loc).Format("2006-01-02")
	if st.TradeDay != day {
		st.TradeDay = day
		st.TradesToday = 0
	}
}

// TradesRemaining is the daily budget left, never negative.
func TradesRemaining(st models.GuardrailState, pol config.Policy) int {
	n := pol.MaxTradesPerDay - st.TradesToday
	if n < 0 {
		return 0
	}
	return n
}

func (s *Store) SetPaused(ctx context.Context, paused bool, reason string) (models.GuardrailState, error) {
	return s.Update(ctx, func(st *models.GuardrailState) error {
		st.Paused = paused
		st.PauseReason = ""
		if paused {
			st.PauseReason = reason
		}
		return nil
	})
}

// RefreshKillSwitch records the equity high for the lookback window and latches the kill
// switch on a breach. A latch is released once its cooldown has passed and the drawdown
// no longer breaches.
func (s *Store) RefreshKillSwitch(ctx context.Context, equity, high decimal.Decimal, pol config.Policy) (models.GuardrailState, error) {
	return s.Update(ctx, func(st *models.GuardrailState) error {
		now := s.now()
		st.EquityHigh = decimal.Max(high, equity)
		dd := st.Drawdown(equity)
		breached := -dd > pol.KillSwitchDrawdownPct

		switch {
		case breached && !st.KillSwitchActive:
			until := now.AddDate(0, 0, pol.KillSwitchCooldownDays)
			st.KillSwitchActive = true
			st.KillSwitchActivatedAt = &now
			st.KillSwitchUntil = &until
			log.Printf("[GOV] kill switch ACTIVATED: drawdown %.1f%% vs %.1f%% threshold, latched until %s",
				-dd*100, pol.KillSwitchDrawdownPct*100, until.In(s.loc).Format("2006-01-02"))
		case st.KillSwitchActive && !breached && st.KillSwitchUntil != nil && !now.Before(*st.KillSwitchUntil):
			st.KillSwitchActive = false
			st.KillSwitchActivatedAt = nil
			st.KillSwitchUntil = nil
			log.Printf("[GOV] kill switch re-armed: drawdown %.1f%%", -dd*100)
		}
		return nil
	})
}

// CountTrade is applied when an order reaches the broker.
func CountTrade(st *models.GuardrailState) {
	st.TradesToday++
}

// RefundTrade gives back a slot counted on day for an order the broker then rejected.
// A slot counted before the day rolled over is already gone.
func RefundTrade(st *models.GuardrailState, day string) {
	if st.TradeDay == day && st.TradesToday > 0 {
		st.TradesToday--
	}
}

func TriggerCooldown(st *models.GuardrailState, until time.Time) {
	if st.CooldownUntil == nil || until.After(*st.CooldownUntil) {
		st.CooldownUntil = &until
	}
}

// ShouldCooldown reports whether a realized loss breaches either cooldown threshold.
// costBasis is entry price * quantity * multiplier.
func ShouldCooldown(pnl, costBasis decimal.Decimal, pol config.Policy) bool {
	if !pol.CooldownEnabled || !pnl.IsNegative() {
		return false
	}
	loss := pnl.Neg()
	if pol.CooldownLossUSD > 0 && loss.GreaterThanOrEqual(decimal.NewFromFloat(pol.CooldownLossUSD)) {
		return true
	}
	if pol.CooldownLossPct > 0 && costBasis.IsPositive() {
		return loss.Div(costBasis).InexactFloat64() >= pol.CooldownLossPct
	}
	return false
}
