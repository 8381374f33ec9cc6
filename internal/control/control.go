// Package control turns operator requests into engine actions. Telegram commands and the
// HTTP API both go through a Controller.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/cycle"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/governance"
	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
	"convexity_trading/internal/selector"
	"convexity_trading/internal/storage"
)

// CycleRunner runs one orchestrated cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, mode cycle.Mode) (*cycle.Report, error)
}

// Overrides is the chat override layer.
type Overrides interface {
	Set(current config.Policy, key, value, by string) (storage.Override, error)
	Unset(key string) (bool, error)
	List() []storage.Override
}

type Deps struct {
	Data      market.DataProvider
	Broker    market.Broker
	Store     *governance.Store
	Exec      *execution.Executor
	Cycles    CycleRunner
	Policy    cycle.PolicyFunc
	Overrides Overrides
	Notifier  execution.Notifier
	Version   string
}

type Controller struct {
	Deps
	commands []CommandDoc
	seq      atomic.Int64
	now      func() time.Time
	// background runs commands that can outlive the chat round trip.
	background func(fn func())
}

func New(d Deps) *Controller {
	return &Controller{
		Deps:       d,
		commands:   commandDocs,
		now:        time.Now,
		background: func(fn func()) { go fn() },
	}
}

func (c *Controller) notify(text string) {
	if c.Notifier != nil {
		c.Notifier.Notify(text)
	}
}

// Status is what /status and GET /status report.
type Status struct {
	Version         string                          `json:"version"`
	Tier            string                          `json:"execution_tier"`
	DryRun          bool                            `json:"dry_run"`
	Guardrail       models.GuardrailState           `json:"guardrail"`
	TradesRemaining int                             `json:"trades_remaining"`
	Drawdown        float64                         `json:"drawdown"`
	Portfolio       *models.Portfolio               `json:"portfolio,omitempty"`
	Allocations     map[models.Bucket]float64       `json:"allocations,omitempty"`
	Pending         []execution.PendingConfirmation `json:"pending_confirmations"`
}

// Status refreshes the portfolio from the broker and pairs it with the guardrail state.
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	pol, err := c.Policy()
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	st := c.Store.Snapshot()
	out := &Status{
		Version:         c.Version,
		Tier:            pol.ExecutionTier,
		DryRun:          pol.DryRun,
		Guardrail:       st,
		TradesRemaining: governance.TradesRemaining(st, pol),
		Pending:         c.Pending(),
	}
	pf, err := cycle.Refresh(ctx, c.Data, c.Broker, pol, c.now())
	if err != nil {
		return out, err
	}
	out.Portfolio = pf
	out.Allocations = pf.Allocations()
	out.Drawdown = st.Drawdown(pf.Equity)
	return out, nil
}

func (c *Controller) Pause(ctx context.Context, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "paused by operator"
	}
	if _, err := c.Store.SetPaused(ctx, true, reason); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	log.Printf("[GOV] paused: %s", reason)
	return nil
}

func (c *Controller) Resume(ctx context.Context) error {
	if _, err := c.Store.SetPaused(ctx, false, ""); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	log.Printf("[GOV] resumed")
	return nil
}

func (c *Controller) RunCycle(ctx context.Context, mode cycle.Mode) (*cycle.Report, error) {
	return c.Cycles.RunCycle(ctx, mode)
}

// Resolve approves or rejects an order waiting for confirmation.
func (c *Controller) Resolve(orderID string, approve bool) error {
	return c.Exec.Confirm.Resolve(orderID, approve)
}

func (c *Controller) Pending() []execution.PendingConfirmation {
	return c.Exec.Confirm.Pending()
}

// SetOverride validates value against the current policy before recording it.
func (c *Controller) SetOverride(key, value, by string) (storage.Override, error) {
	pol, err := c.Policy()
	if err != nil {
		return storage.Override{}, fmt.Errorf("resolve policy: %w", err)
	}
	return c.Overrides.Set(pol, key, value, by)
}

func (c *Controller) UnsetOverride(key string) (bool, error) {
	return c.Overrides.Unset(key)
}

func (c *Controller) ListOverrides() []storage.Override {
	return c.Overrides.List()
}

// ManualRequest is a single operator order. A zero Quantity on a sell closes the whole
// position.
type ManualRequest struct {
	Action   models.Action   `json:"action"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	By       string          `json:"-"`
}

// ErrInvalidRequest marks operator input that can never succeed as given.
var ErrInvalidRequest = errors.New("invalid manual order")

// ManualOrder builds one candidate from req and runs it through governance and execution
// under the account lock. Opening or adding to the moonshot is only possible here.
func (c *Controller) ManualOrder(ctx context.Context, req ManualRequest) (*execution.Result, error) {
	pol, err := c.Policy()
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	pf, err := cycle.Refresh(ctx, c.Data, c.Broker, pol, c.now())
	if err != nil {
		return nil, err
	}

	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	var cand *models.CandidateOrder
	switch req.Action {
	case models.ActionBuy:
		cand, err = c.manualBuy(ctx, pol, req)
	case models.ActionSell:
		cand, err = manualSell(pf, req)
	default:
		err = fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrInvalidRequest, req.Action)
	}
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("manual-%s-%d", c.now().UTC().Format("20060102T150405"), c.seq.Add(1))
	log.Printf("[EXEC] manual %s requested by %s: %s", id, req.By, cand)
	return c.Exec.Execute(ctx, id, *cand, pf, pol)
}

func (c *Controller) manualBuy(ctx context.Context, pol config.Policy, req ManualRequest) (*models.CandidateOrder, error) {
	if !req.Quantity.IsPositive() || !req.Quantity.Equal(req.Quantity.Floor()) {
		return nil, fmt.Errorf("%w: quantity must be a positive whole number", ErrInvalidRequest)
	}
	bucket, ok := pol.Themes()[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s is neither a theme underlying nor the moonshot (%s)", ErrInvalidRequest, req.Symbol, pol.MoonshotSymbol)
	}
	rationale := "manual open by " + req.By

	if bucket == models.BucketMoonshot {
		q, err := c.Data.GetQuote(ctx, req.Symbol)
		if err != nil {
			return nil, models.DataUnavailable("quote "+req.Symbol, err)
		}
		price := q.Ask
		if !price.IsPositive() {
			price = q.Price()
		}
		return &models.CandidateOrder{
			Intent: models.IntentOpen, Symbol: req.Symbol, Underlying: req.Symbol,
			Kind: models.KindWarrant, Quantity: req.Quantity, PriceHint: price,
			Bucket: models.BucketMoonshot, Rationale: rationale,
		}, nil
	}

	q, err := c.Data.GetQuote(ctx, req.Symbol)
	if err != nil {
		return nil, models.DataUnavailable("quote "+req.Symbol, err)
	}
	sel, err := selector.New(c.Data, pol.Location()).Select(ctx, req.Symbol, q.Price(), pol.Selection)
	if err != nil {
		return nil, err
	}
	price := sel.Contract.Ask
	if !price.IsPositive() {
		price = sel.Contract.Mid()
	}
	return &models.CandidateOrder{
		Intent: models.IntentOpen, Symbol: sel.Contract.Symbol, Underlying: req.Symbol,
		Kind: models.KindCall, Quantity: req.Quantity, PriceHint: price,
		Bucket: bucket, Rationale: rationale + "; " + sel.Rationale(),
	}, nil
}

func manualSell(pf *models.Portfolio, req ManualRequest) (*models.CandidateOrder, error) {
	pos, ok := pf.Find(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no position in %s", ErrInvalidRequest, req.Symbol)
	}
	qty := req.Quantity
	if qty.IsZero() {
		qty = pos.Quantity
	}
	if qty.IsNegative() || qty.GreaterThan(pos.Quantity) {
		return nil, fmt.Errorf("%w: cannot sell %s of %s (holding %s)", ErrInvalidRequest, qty, req.Symbol, pos.Quantity)
	}
	return &models.CandidateOrder{
		Intent: models.IntentClose, Symbol: pos.Symbol, Underlying: pos.Underlying,
		Kind: pos.Kind, Quantity: qty, PriceHint: pos.SellPrice(), Bucket: pos.Bucket,
		EntryPrice: pos.EntryPrice, Rationale: "manual close by " + req.By,
	}, nil
}
