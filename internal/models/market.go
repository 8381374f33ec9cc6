package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents a generic bid/ask quote.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// Mid is the bid/ask midpoint, or Last when one side is missing.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// Price is the best single reference price for valuation.
func (q Quote) Price() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	return q.Mid()
}

// OptionRight is call or put. The engine only ever buys calls; puts are read for max pain.
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// Contract is one listed option series with its latest quote and activity.
// OpenInterest and Volume are nil when the venue does not report them.
type Contract struct {
	Symbol       string          `json:"symbol"`
	Underlying   string          `json:"underlying"`
	Right        OptionRight     `json:"right"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   time.Time       `json:"expiration"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	OpenInterest *int64          `json:"open_interest,omitempty"`
	Volume       *int64          `json:"volume,omitempty"`
	Delta        *float64        `json:"delta,omitempty"`
}

func (c Contract) Mid() decimal.Decimal {
	return c.Bid.Add(c.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct is (ask - bid) / mid.
func (c Contract) SpreadPct() (float64, bool) {
	mid := c.Mid()
	if !mid.IsPositive() {
		return 0, false
	}
	return c.Ask.Sub(c.Bid).Div(mid).InexactFloat64(), true
}

// OptionChain is every listed series for one underlying and expiration.
type OptionChain struct {
	Underlying string
	Expiration time.Time
	Calls      []Contract
	Puts       []Contract
}

// Account represents the generic account state.
type Account struct {
	ID          string
	Currency    string
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	Blocked     bool
}

// Bar represents a daily candlestick.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// BrokerPosition represents a position held at the broker.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	AssetClass    string          `json:"asset_class"` // us_equity, us_option
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
}

// Side is the broker-facing order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderSpec is what gets sent to the broker: always a day limit order.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	LimitPrice    decimal.Decimal
}

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Side           string          `json:"side"`
	Status         string          `json:"status"` // new, accepted, partially_filled, filled, canceled, expired, rejected
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
}
