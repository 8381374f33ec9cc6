package cycle

import (
	"context"
	"errors"
	"log"
	"time"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context, mode Mode) (*Report, error)
}

// Scheduler triggers the daily cycle once per trading day at or after the rebalance time,
// and trading-loop cycles every LoopInterval when it is set.
type Scheduler struct {
	Runner       Runner
	Policy       PolicyFunc
	LoopInterval time.Duration
	Tick         time.Duration

	lastDaily string
	lastLoop  time.Time
	now       func() time.Time
}

func NewScheduler(r Runner, policy PolicyFunc, loopInterval time.Duration) *Scheduler {
	return &Scheduler{Runner: r, Policy: policy, LoopInterval: loopInterval, Tick: time.Minute, now: time.Now}
}

// DueDaily reports whether the daily cycle should run at now, given the trade day it last
// ran on. Weekends are skipped; holidays surface as broker errors and abort the cycle.
func DueDaily(now time.Time, pol config.Policy, lastDay string) (string, bool) {
	local := now.In(pol.Location())
	day := local.Format("2006-01-02")
	if day == lastDay {
		return day, false
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return day, false
	}
	h, m := pol.RebalanceClock()
	if local.Hour() < h || (local.Hour() == h && local.Minute() < m) {
		return day, false
	}
	return day, true
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[CYCLE] scheduler started (tick %s, loop interval %s)", s.Tick, s.LoopInterval)
	s.lastLoop = s.now()
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	for {
		s.step(ctx)
		select {
		case <-ctx.Done():
			log.Println("[CYCLE] scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) step(ctx context.Context) {
	now := s.now()
	pol, err := s.Policy()
	if err != nil {
		log.Printf("[CYCLE] scheduler cannot resolve policy: %v", err)
		return
	}
	if day, due := DueDaily(now, pol, s.lastDaily); due {
		log.Printf("[CYCLE] daily cycle due for %s", day)
		if s.run(ctx) {
			s.lastDaily = day
			s.lastLoop = now
		}
		return
	}
	if s.LoopInterval > 0 && now.Sub(s.lastLoop) >= s.LoopInterval {
		if s.run(ctx) {
			s.lastLoop = now
		}
	}
}

// run reports whether a cycle actually ran; an overlapping trigger did not.
func (s *Scheduler) run(ctx context.Context) bool {
	_, err := s.Runner.RunCycle(ctx, ModeExecute)
	if errors.Is(err, models.ErrCycleInProgress) {
		return false
	}
	if err != nil {
		log.Printf("[CYCLE] scheduled cycle failed: %v", err)
	}
	return true
}
