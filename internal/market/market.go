package market

import (
	"context"
	"errors"
	"time"

	"convexity_trading/internal/models"
)

// DataProvider is the read-only market data surface. Implementations own any caching;
// the engine treats every call as a live query.
type DataProvider interface {
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetExpirations(ctx context.Context, underlying string) ([]time.Time, error)
	// GetChain returns calls and puts for one expiration. Puts are only read for max pain.
	GetChain(ctx context.Context, underlying string, expiration time.Time) (*models.OptionChain, error)
	GetBars(ctx context.Context, symbol string, limit int) ([]models.Bar, error)
}

// Broker places and tracks orders and reports the account.
type Broker interface {
	PlaceOrder(ctx context.Context, spec models.OrderSpec) (string, error)
	GetOrder(ctx context.Context, orderID string) (*models.BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error)
	GetPositions(ctx context.Context) ([]models.BrokerPosition, error)
	GetAccount(ctx context.Context) (*models.Account, error)
}

// ErrOrderNotFound is returned by GetOrder while the broker has not yet indexed a new order.
var ErrOrderNotFound = errors.New("order not found")

// Broker order statuses the engine reacts to.
const (
	StatusFilled          = "filled"
	StatusPartiallyFilled = "partially_filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
	StatusDoneForDay      = "done_for_day"
)

// IsTerminalStatus reports whether the broker will not change the order any more.
// partially_filled is only terminal once the order is also done (see State).
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusDoneForDay:
		return true
	}
	return false
}

// State maps a terminal broker order onto the engine's state machine. A cancelled or
// expired order with some fills counts as PARTIALLY_FILLED.
func State(o *models.BrokerOrder) (models.OrderState, bool) {
	if o == nil || !IsTerminalStatus(o.Status) {
		return "", false
	}
	partial := o.FilledQty.IsPositive() && o.FilledQty.LessThan(o.Qty)
	switch o.Status {
	case StatusFilled:
		return models.StateFilled, true
	case StatusRejected:
		return models.StateRejected, true
	case StatusCanceled, StatusDoneForDay:
		if partial {
			return models.StatePartiallyFilled, true
		}
		return models.StateCancelled, true
	case StatusExpired:
		if partial {
			return models.StatePartiallyFilled, true
		}
		return models.StateExpired, true
	}
	return "", false
}
