package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"convexity_trading/internal/models"
)

// DryRunBroker reads account state from the real broker but never sends an order.
// Placed orders report filled at their limit price on the first poll.
type DryRunBroker struct {
	Broker
	mu     sync.Mutex
	seq    int
	orders map[string]*models.BrokerOrder
	now    func() time.Time
}

func NewDryRunBroker(inner Broker) *DryRunBroker {
	return &DryRunBroker{
		Broker: inner,
		orders: make(map[string]*models.BrokerOrder),
		now:    time.Now,
	}
}

func (d *DryRunBroker) PlaceOrder(_ context.Context, spec models.OrderSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	id := fmt.Sprintf("DRY_RUN_%d", d.seq)
	now := d.now()
	d.orders[id] = &models.BrokerOrder{
		ID:             id,
		ClientOrderID:  spec.ClientOrderID,
		Symbol:         spec.Symbol,
		Qty:            spec.Qty,
		FilledQty:      spec.Qty,
		Side:           string(spec.Side),
		Status:         StatusFilled,
		LimitPrice:     spec.LimitPrice,
		FilledAvgPrice: spec.LimitPrice,
		CreatedAt:      now,
		FilledAt:       &now,
	}
	log.Printf("[DRY_RUN] %s %s x%s @ $%s -> %s", spec.Side, spec.Symbol, spec.Qty, spec.LimitPrice.StringFixed(2), id)
	return id, nil
}

func (d *DryRunBroker) GetOrder(_ context.Context, orderID string) (*models.BrokerOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (d *DryRunBroker) CancelOrder(_ context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.orders[orderID]; !ok {
		return ErrOrderNotFound
	}
	return nil
}

// ListOpenOrders reports the real broker's open orders; simulated ones are filled at once.
func (d *DryRunBroker) ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	return d.Broker.ListOpenOrders(ctx)
}
