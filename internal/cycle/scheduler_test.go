package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
	"convexity_trading/internal/models"
)

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) RunCycle(context.Context, Mode) (*Report, error) {
	r.calls++
	return &Report{}, r.err
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestDueDaily(t *testing.T) {
	pol := config.Defaults()
	ny := newYork(t)

	cases := []struct {
		name string
		at   time.Time
		last string
		due  bool
	}{
		{"before rebalance time", time.Date(2026, 3, 2, 9, 29, 0, 0, ny), "", false},
		{"at rebalance time", time.Date(2026, 3, 2, 9, 30, 0, 0, ny), "", true},
		{"later the same day", time.Date(2026, 3, 2, 15, 0, 0, 0, ny), "", true},
		{"already ran today", time.Date(2026, 3, 2, 15, 0, 0, 0, ny), "2026-03-02", false},
		{"saturday", time.Date(2026, 3, 7, 10, 0, 0, 0, ny), "", false},
		{"utc instant on the next local day", time.Date(2026, 3, 3, 14, 45, 0, 0, time.UTC), "2026-03-02", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, due := DueDaily(tc.at, pol, tc.last)
			assert.Equal(t, tc.due, due)
		})
	}
}

func TestScheduler_Step(t *testing.T) {
	ny := newYork(t)
	now := time.Date(2026, 3, 2, 9, 31, 0, 0, ny)
	r := &countingRunner{}
	s := NewScheduler(r, func() (config.Policy, error) { return config.Defaults(), nil }, 30*time.Minute)
	s.now = func() time.Time { return now }
	s.lastLoop = now

	s.step(context.Background())
	assert.Equal(t, 1, r.calls, "daily cycle runs")
	assert.Equal(t, "2026-03-02", s.lastDaily)

	now = now.Add(10 * time.Minute)
	s.step(context.Background())
	assert.Equal(t, 1, r.calls, "loop interval not reached")

	now = now.Add(25 * time.Minute)
	s.step(context.Background())
	assert.Equal(t, 2, r.calls, "trading loop cycle")
}

func TestScheduler_OverlapRetriesDaily(t *testing.T) {
	ny := newYork(t)
	now := time.Date(2026, 3, 2, 9, 31, 0, 0, ny)
	r := &countingRunner{err: models.ErrCycleInProgress}
	s := NewScheduler(r, func() (config.Policy, error) { return config.Defaults(), nil }, 0)
	s.now = func() time.Time { return now }

	s.step(context.Background())
	assert.Empty(t, s.lastDaily, "a rejected overlap does not count as the daily run")

	r.err = nil
	s.step(context.Background())
	assert.Equal(t, "2026-03-02", s.lastDaily)
	assert.Equal(t, 2, r.calls)
}
