// Package metrics holds the engine's Prometheus collectors. They are registered on the
// default registry at init and served by the HTTP surface at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convexity_orders_terminal_total",
		Help: "Orders reaching a terminal state, by state and intent",
	}, []string{"state", "intent"})

	GovernanceDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convexity_governance_denials_total",
		Help: "Orders vetoed by governance, by check",
	}, []string{"check"})

	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convexity_cycles_total",
		Help: "Completed cycles by mode and outcome",
	}, []string{"mode", "outcome"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "convexity_cycle_duration_seconds",
		Help:    "Wall time of a cycle from refresh to persist",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	TradesToday = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convexity_trades_today",
		Help: "Trades counted against today's budget",
	})

	KillSwitch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convexity_kill_switch_active",
		Help: "1 while the kill switch blocks new positions",
	})

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convexity_equity_usd",
		Help: "Account equity at the last refresh",
	})
)

func init() {
	prometheus.MustRegister(
		OrdersTerminal, GovernanceDenials, Cycles, CycleDuration,
		TradesToday, KillSwitch, Equity,
	)
}

// ObserveCycle records one finished cycle.
func ObserveCycle(mode, outcome string, took time.Duration) {
	Cycles.WithLabelValues(mode, outcome).Inc()
	CycleDuration.Observe(took.Seconds())
}

func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
