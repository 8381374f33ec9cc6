// Package fake provides in-memory DataProvider and Broker implementations for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// Data is a scripted market.DataProvider.
type Data struct {
	mu          sync.Mutex
	quotes      map[string]models.Quote
	expirations map[string][]time.Time
	chains      map[string]*models.OptionChain
	bars        map[string][]models.Bar

	// Err, when set, is returned by every call.
	Err        error
	ChainCalls int
}

var _ market.DataProvider = (*Data)(nil)

func NewData() *Data {
	return &Data{
		quotes:      make(map[string]models.Quote),
		expirations: make(map[string][]time.Time),
		chains:      make(map[string]*models.OptionChain),
		bars:        make(map[string][]models.Bar),
	}
}

// SetQuote stores bid/ask/last given as decimal strings; "" means zero.
func (d *Data) SetQuote(symbol, bid, ask, last string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotes[symbol] = models.Quote{Symbol: symbol, Bid: dec(bid), Ask: dec(ask), Last: dec(last), Timestamp: time.Now()}
}

// AddChain registers a chain and its expiration.
func (d *Data) AddChain(chain *models.OptionChain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chains[chainKey(chain.Underlying, chain.Expiration)] = chain
	for _, e := range d.expirations[chain.Underlying] {
		if e.Equal(chain.Expiration) {
			return
		}
	}
	d.expirations[chain.Underlying] = append(d.expirations[chain.Underlying], chain.Expiration)
}

// AddExpiration lists an expiration without a chain; GetChain returns an empty chain for it.
func (d *Data) AddExpiration(underlying string, exp time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expirations[underlying] = append(d.expirations[underlying], exp)
}

func (d *Data) SetBars(symbol string, closes ...float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bars := make([]models.Bar, len(closes))
	start := time.Now().AddDate(0, 0, -len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		bars[i] = models.Bar{Time: start.AddDate(0, 0, i), Open: px, High: px, Low: px, Close: px}
	}
	d.bars[symbol] = bars
}

func (d *Data) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	q, ok := d.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote found for %s", symbol)
	}
	return &q, nil
}

func (d *Data) GetExpirations(_ context.Context, underlying string) ([]time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	out := append([]time.Time(nil), d.expirations[underlying]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (d *Data) GetChain(_ context.Context, underlying string, expiration time.Time) (*models.OptionChain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ChainCalls++
	if d.Err != nil {
		return nil, d.Err
	}
	if c, ok := d.chains[chainKey(underlying, expiration)]; ok {
		return c, nil
	}
	return &models.OptionChain{Underlying: underlying, Expiration: expiration}, nil
}

func (d *Data) GetBars(_ context.Context, symbol string, limit int) ([]models.Bar, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	bars := d.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]models.Bar(nil), bars...), nil
}

// Call builds a call contract; oi and vol of -1 mean "not reported".
func Call(underlying string, exp time.Time, strike, bid, ask string, oi, vol int64) models.Contract {
	return contract(underlying, exp, models.RightCall, strike, bid, ask, oi, vol)
}

// Put builds a put contract with open interest only.
func Put(underlying string, exp time.Time, strike string, oi int64) models.Contract {
	return contract(underlying, exp, models.RightPut, strike, "0.10", "0.12", oi, -1)
}

func contract(underlying string, exp time.Time, right models.OptionRight, strike, bid, ask string, oi, vol int64) models.Contract {
	k := dec(strike)
	c := models.Contract{
		Symbol:     market.FormatOCC(underlying, exp, right, k),
		Underlying: underlying,
		Right:      right,
		Strike:     k,
		Expiration: exp,
		Bid:        dec(bid),
		Ask:        dec(ask),
	}
	if oi >= 0 {
		c.OpenInterest = &oi
	}
	if vol >= 0 {
		c.Volume = &vol
	}
	return c
}

func chainKey(underlying string, exp time.Time) string {
	return underlying + "|" + exp.Format("2006-01-02")
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(s)
}
