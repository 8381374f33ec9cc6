package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/cycle"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/models"
)

type CommandDoc struct {
	Name        string
	Description string
	Example     string
}

var commandDocs = []CommandDoc{
	{"/status", "Portfolio, allocations and guardrail state", "/status"},
	{"/preview", "Plan and govern a cycle without placing orders", "/preview"},
	{"/execute", "Run a full cycle now", "/execute"},
	{"/pause", "Deny every order until /resume", "/pause earnings week"},
	{"/resume", "Lift a manual pause", "/resume"},
	{"/buy", "Open a theme call or the moonshot", "/buy UMC 2"},
	{"/sell", "Close a held position (all when qty is omitted)", "/sell GME.WS 50"},
	{"/pending", "Orders waiting for confirmation", "/pending"},
	{"/confirm", "Approve a waiting order", "/confirm 20260105T143000-1-2"},
	{"/reject", "Reject a waiting order", "/reject 20260105T143000-1-2"},
	{"/set", "Override a policy key", "/set max_trades_per_day 3"},
	{"/unset", "Drop an override", "/unset max_trades_per_day"},
	{"/overrides", "List active overrides", "/overrides"},
	{"/ping", "Liveness check", "/ping"},
}

// HandleCommand answers one operator command. Cycles and manual orders run in the
// background and report through the notifier, so a confirmation request they raise can
// still be answered on the same channel.
func (c *Controller) HandleCommand(ctx context.Context, from, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}
	name := strings.ToLower(parts[0])
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}

	switch name {
	case "/ping":
		return "Pong 🏓"
	case "/help", "/start":
		return c.help()
	case "/status":
		return c.handleStatus(ctx)
	case "/pause":
		if err := c.Pause(ctx, strings.Join(parts[1:], " ")); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		return "⏸️ PAUSED. Every order is denied until /resume."
	case "/resume":
		if err := c.Resume(ctx); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		return "▶️ RESUMED."
	case "/preview":
		return c.startCycle(ctx, cycle.ModePreview)
	case "/execute":
		return c.startCycle(ctx, cycle.ModeExecute)
	case "/buy":
		return c.handleBuy(ctx, from, parts)
	case "/sell":
		return c.handleSell(ctx, from, parts)
	case "/pending":
		return c.handlePending()
	case "/confirm", "/reject":
		if len(parts) < 2 {
			return fmt.Sprintf("Usage: %s <order id>", name)
		}
		approve := name == "/confirm"
		if err := c.Resolve(parts[1], approve); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		log.Printf("[EXEC] %s resolved by %s (approve=%t)", parts[1], from, approve)
		if approve {
			return fmt.Sprintf("✅ %s confirmed.", parts[1])
		}
		return fmt.Sprintf("❌ %s rejected.", parts[1])
	case "/set":
		if len(parts) < 3 {
			return "Usage: /set <key> <value>"
		}
		ov, err := c.SetOverride(parts[1], strings.Join(parts[2:], " "), from)
		if err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		return fmt.Sprintf("🔧 %s = %s (applies from the next cycle)", ov.Key, ov.Value)
	case "/unset":
		if len(parts) < 2 {
			return "Usage: /unset <key>"
		}
		removed, err := c.UnsetOverride(parts[1])
		if err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		if !removed {
			return fmt.Sprintf("No override for %s.", strings.ToLower(parts[1]))
		}
		return fmt.Sprintf("🔧 %s override removed.", strings.ToLower(parts[1]))
	case "/overrides":
		return c.handleOverrides()
	default:
		return "Unknown command. Try /status, /preview, /execute, /buy, /sell or /help."
	}
}

func (c *Controller) help() string {
	var sb strings.Builder
	sb.WriteString("🤖 *CONVEXITY ENGINE COMMANDS*\n\n")
	for _, cmd := range c.commands {
		fmt.Fprintf(&sb, "🔹 *%s*\n%s\n`%s`\n\n", cmd.Name, cmd.Description, cmd.Example)
	}
	return sb.String()
}

func (c *Controller) startCycle(ctx context.Context, mode cycle.Mode) string {
	c.background(func() {
		rep, err := c.RunCycle(ctx, mode)
		switch {
		case errors.Is(err, models.ErrCycleInProgress):
			c.notify("⚠️ A cycle is already running. Try again when it completes.")
		case rep != nil && rep.Outcome == cycle.OutcomeNoEligibleOrders && len(rep.Flags) == 0:
			// The orchestrator stays quiet on empty cycles; an operator asked for this one.
			c.notify(rep.Summary())
		}
	})
	return fmt.Sprintf("⏳ Starting %s cycle...", mode)
}

func (c *Controller) handleBuy(ctx context.Context, from string, parts []string) string {
	if len(parts) < 3 {
		return "Usage: /buy <theme underlying|moonshot> <qty>"
	}
	qty, err := decimal.NewFromString(parts[2])
	if err != nil {
		return "⚠️ Invalid quantity format."
	}
	return c.startManual(ctx, ManualRequest{Action: models.ActionBuy, Symbol: parts[1], Quantity: qty, By: from})
}

func (c *Controller) handleSell(ctx context.Context, from string, parts []string) string {
	if len(parts) < 2 {
		return "Usage: /sell <symbol> [qty]"
	}
	req := ManualRequest{Action: models.ActionSell, Symbol: parts[1], By: from}
	if len(parts) >= 3 {
		qty, err := decimal.NewFromString(parts[2])
		if err != nil {
			return "⚠️ Invalid quantity format."
		}
		req.Quantity = qty
	}
	return c.startManual(ctx, req)
}

func (c *Controller) startManual(ctx context.Context, req ManualRequest) string {
	c.background(func() {
		res, err := c.ManualOrder(ctx, req)
		if msg := manualReply(req, res, err); msg != "" {
			c.notify(msg)
		}
	})
	return fmt.Sprintf("⏳ Manual %s %s submitted for governance.", req.Action, strings.ToUpper(req.Symbol))
}

// manualReply covers the outcomes the executor does not announce itself: errors,
// denials and orders that never reached the broker.
func manualReply(req ManualRequest, res *execution.Result, err error) string {
	switch {
	case err != nil:
		log.Printf("[EXEC] manual %s %s failed: %v", req.Action, req.Symbol, err)
		return fmt.Sprintf("❌ Manual %s %s failed: %v", req.Action, strings.ToUpper(req.Symbol), err)
	case res.Denied != nil:
		return fmt.Sprintf("🛑 Manual %s denied: %s", res.Candidate, res.Denied.Reason)
	case res.Order != nil && res.Order.BrokerOrderID == "":
		return fmt.Sprintf("⚠️ Manual %s ended %s: %s", res.Order.ID, res.Order.State, res.Order.Reason)
	}
	return ""
}

func (c *Controller) handleStatus(ctx context.Context) string {
	s, err := c.Status(ctx)
	if s == nil {
		return fmt.Sprintf("⚠️ %v", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *STATUS* (%s, tier %s", c.Version, s.Tier)
	if s.DryRun {
		sb.WriteString(", dry run")
	}
	sb.WriteString(")\n")
	if err != nil {
		fmt.Fprintf(&sb, "⚠️ Portfolio unavailable: %v\n", err)
	}
	if pf := s.Portfolio; pf != nil {
		fmt.Fprintf(&sb, "Equity $%s | Cash $%s | Drawdown %.1f%%\n", pf.Equity.StringFixed(2), pf.Cash.StringFixed(2), s.Drawdown*100)
		buckets := make([]string, 0, len(s.Allocations))
		for b := range s.Allocations {
			buckets = append(buckets, string(b))
		}
		sort.Strings(buckets)
		for _, b := range buckets {
			fmt.Fprintf(&sb, "• %s: %.1f%%\n", b, s.Allocations[models.Bucket(b)]*100)
		}
		for _, p := range pf.Positions {
			fmt.Fprintf(&sb, "  %s x%s @ $%s (%+.1f%%)\n", p.Symbol, p.Quantity, p.CurrentPrice.StringFixed(2), p.PnLPct()*100)
		}
	}
	g := s.Guardrail
	fmt.Fprintf(&sb, "Trades today %d (%d left)\n", g.TradesToday, s.TradesRemaining)
	if g.Paused {
		fmt.Fprintf(&sb, "⏸️ Paused: %s\n", g.PauseReason)
	}
	if g.KillSwitchActive {
		sb.WriteString("🚨 Kill switch active\n")
	}
	if g.InCooldown(c.now()) {
		fmt.Fprintf(&sb, "🧊 Cooldown until %s\n", g.CooldownUntil.Format(time.RFC3339))
	}
	if n := len(s.Pending); n > 0 {
		fmt.Fprintf(&sb, "⏳ %d order(s) waiting for confirmation\n", n)
	}
	return sb.String()
}

func (c *Controller) handlePending() string {
	pending := c.Pending()
	if len(pending) == 0 {
		return "No orders waiting for confirmation."
	}
	var sb strings.Builder
	sb.WriteString("⏳ *WAITING FOR CONFIRMATION*\n")
	for _, p := range pending {
		fmt.Fprintf(&sb, "• %s: %s ($%s), expires %s\n", p.OrderID, p.Candidate, p.Notional, p.Deadline.Format("15:04:05"))
	}
	return sb.String()
}

func (c *Controller) handleOverrides() string {
	list := c.ListOverrides()
	if len(list) == 0 {
		return "No overrides set."
	}
	var sb strings.Builder
	sb.WriteString("🔧 *OVERRIDES*\n")
	for _, o := range list {
		fmt.Fprintf(&sb, "• %s = %s (%s, %s)\n", o.Key, o.Value, o.SetBy, o.SetAt.Format("2006-01-02 15:04"))
	}
	return sb.String()
}
