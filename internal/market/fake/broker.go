package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// Fill is what the broker reports for an order on a given poll.
type Fill struct {
	Status    string
	FilledQty decimal.Decimal
	Price     decimal.Decimal
}

// Broker is an in-memory market.Broker. By default every order fills completely at its
// limit price on the first poll; set Respond to script other outcomes.
type Broker struct {
	mu sync.Mutex

	Account   models.Account
	Positions []models.BrokerPosition
	Open      []models.BrokerOrder

	// Respond decides the broker view on the n-th poll (1-based) of an order.
	Respond func(spec models.OrderSpec, poll int) Fill
	// NotFoundPolls makes the first n polls of each order return ErrOrderNotFound.
	NotFoundPolls int

	PlaceErr   error
	AccountErr error
	PollErr    error

	Placed    []models.OrderSpec
	Cancelled []string

	seq    int
	specs  map[string]models.OrderSpec
	polls  map[string]int
	status map[string]string
}

var _ market.Broker = (*Broker)(nil)

func NewBroker(equity, cash string) *Broker {
	return &Broker{
		Account: models.Account{ID: "test", Currency: "USD", Equity: dec(equity), Cash: dec(cash), BuyingPower: dec(cash)},
		specs:   make(map[string]models.OrderSpec),
		polls:   make(map[string]int),
		status:  make(map[string]string),
	}
}

func (b *Broker) PlaceOrder(_ context.Context, spec models.OrderSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PlaceErr != nil {
		return "", b.PlaceErr
	}
	b.seq++
	id := fmt.Sprintf("ord-%d", b.seq)
	b.specs[id] = spec
	b.status[id] = "new"
	b.Placed = append(b.Placed, spec)
	return id, nil
}

func (b *Broker) GetOrder(_ context.Context, orderID string) (*models.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.specs[orderID]
	if !ok {
		return nil, market.ErrOrderNotFound
	}
	b.polls[orderID]++
	n := b.polls[orderID]
	if n <= b.NotFoundPolls {
		return nil, market.ErrOrderNotFound
	}
	if b.PollErr != nil {
		return nil, b.PollErr
	}

	o := &models.BrokerOrder{
		ID:         orderID,
		Symbol:     spec.Symbol,
		Qty:        spec.Qty,
		Side:       string(spec.Side),
		LimitPrice: spec.LimitPrice,
		Status:     b.status[orderID],
		CreatedAt:  time.Now(),
	}
	if o.Status == market.StatusCanceled {
		return o, nil
	}
	f := Fill{Status: market.StatusFilled, FilledQty: spec.Qty, Price: spec.LimitPrice}
	if b.Respond != nil {
		f = b.Respond(spec, n-b.NotFoundPolls)
	}
	o.Status = f.Status
	o.FilledQty = f.FilledQty
	o.FilledAvgPrice = f.Price
	b.status[orderID] = f.Status
	return o, nil
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.specs[orderID]; !ok {
		return market.ErrOrderNotFound
	}
	b.Cancelled = append(b.Cancelled, orderID)
	b.status[orderID] = market.StatusCanceled
	return nil
}

func (b *Broker) ListOpenOrders(context.Context) ([]models.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.BrokerOrder(nil), b.Open...), nil
}

func (b *Broker) GetPositions(context.Context) ([]models.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.BrokerPosition(nil), b.Positions...), nil
}

func (b *Broker) GetAccount(context.Context) (*models.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AccountErr != nil {
		return nil, b.AccountErr
	}
	a := b.Account
	return &a, nil
}

// PlacedCount is safe to call while orders are in flight.
func (b *Broker) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Placed)
}
