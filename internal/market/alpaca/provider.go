package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// expirationHorizonDays bounds the expiration lookup; the widest selection window is well inside it.
const expirationHorizonDays = 400

// Provider implements market.DataProvider and market.Broker on top of the Alpaca SDK.
// The SDK is not context-aware, so ctx is only checked before each call.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
}

var (
	_ market.DataProvider = (*Provider)(nil)
	_ market.Broker       = (*Provider)(nil)
)

// NewProvider builds the clients. Empty credentials fall back to the APCA_* environment variables.
func NewProvider(keyID, secret, baseURL string) *Provider {
	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    keyID,
			APISecret: secret,
		}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    keyID,
			APISecret: secret,
			BaseURL:   baseURL,
		}),
	}
}

// --- Market Data ---

func (p *Provider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := market.ParseOCC(symbol); ok {
		q, err := p.mdClient.GetLatestOptionQuote(symbol, marketdata.GetLatestOptionQuoteRequest{})
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, fmt.Errorf("no quote found for %s", symbol)
		}
		return &models.Quote{
			Symbol:    symbol,
			Bid:       decimal.NewFromFloat(float64(q.BidPrice)),
			Ask:       decimal.NewFromFloat(float64(q.AskPrice)),
			Timestamp: q.Timestamp,
		}, nil
	}

	q, err := p.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("no quote found for %s", symbol)
	}
	out := &models.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}
	if trade, err := p.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil && trade != nil {
		out.Last = decimal.NewFromFloat(trade.Price)
	}
	return out, nil
}

func (p *Provider) GetExpirations(ctx context.Context, underlying string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	today := civil.DateOf(time.Now())
	contracts, err := p.tradeClient.GetOptionContracts(alpaca.GetOptionContractsRequest{
		UnderlyingSymbols: underlying,
		Type:              "call",
		ExpirationDateGTE: today,
		ExpirationDateLTE: today.AddDays(expirationHorizonDays),
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[civil.Date]bool)
	var out []time.Time
	for _, c := range contracts {
		if seen[c.ExpirationDate] {
			continue
		}
		seen[c.ExpirationDate] = true
		out = append(out, c.ExpirationDate.In(time.UTC))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// GetChain joins contract metadata (open interest) with snapshots (quotes, volume, greeks).
func (p *Provider) GetChain(ctx context.Context, underlying string, expiration time.Time) (*models.OptionChain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	date := civil.DateOf(expiration)
	contracts, err := p.tradeClient.GetOptionContracts(alpaca.GetOptionContractsRequest{
		UnderlyingSymbols: underlying,
		ExpirationDate:    date,
	})
	if err != nil {
		return nil, err
	}
	snapshots, err := p.mdClient.GetOptionChain(underlying, marketdata.GetOptionChainRequest{
		Feed:           "indicative",
		ExpirationDate: date,
	})
	if err != nil {
		return nil, err
	}

	chain := &models.OptionChain{Underlying: strings.ToUpper(underlying), Expiration: date.In(time.UTC)}
	for _, c := range contracts {
		contract := models.Contract{
			Symbol:     c.Symbol,
			Underlying: chain.Underlying,
			Right:      models.RightCall,
			Strike:     c.StrikePrice,
			Expiration: c.ExpirationDate.In(time.UTC),
		}
		if string(c.Type) == "put" {
			contract.Right = models.RightPut
		}
		if c.OpenInterest != nil {
			oi := c.OpenInterest.IntPart()
			contract.OpenInterest = &oi
		}
		if snap, ok := snapshots[c.Symbol]; ok {
			if snap.LatestQuote != nil {
				contract.Bid = decimal.NewFromFloat(float64(snap.LatestQuote.BidPrice))
				contract.Ask = decimal.NewFromFloat(float64(snap.LatestQuote.AskPrice))
			}
			if snap.DailyBar != nil {
				vol := int64(snap.DailyBar.Volume)
				contract.Volume = &vol
			}
			if snap.Greeks != nil {
				delta := snap.Greeks.Delta
				contract.Delta = &delta
			}
		}
		if contract.Right == models.RightCall {
			chain.Calls = append(chain.Calls, contract)
		} else {
			chain.Puts = append(chain.Puts, contract)
		}
	}
	sortByStrike(chain.Calls)
	sortByStrike(chain.Puts)
	return chain, nil
}

func (p *Provider) GetBars(ctx context.Context, symbol string, limit int) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// calendar days cover weekends and holidays for the requested trading days
	start := time.Now().AddDate(0, 0, -(limit*2 + 10))
	bars, err := p.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.Bar{
			Time:   b.Timestamp,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}
	return result, nil
}

// --- Execution ---

// PlaceOrder always sends a day limit order.
func (p *Provider) PlaceOrder(ctx context.Context, spec models.OrderSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	qty := spec.Qty
	limit := spec.LimitPrice.Round(2)
	o, err := p.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(spec.Side),
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limit,
		ClientOrderID: spec.ClientOrderID,
	})
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

func (p *Provider) GetOrder(ctx context.Context, orderID string) (*models.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := p.tradeClient.GetOrder(orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.tradeClient.CancelOrder(orderID)
	if err != nil && isNotFound(err) {
		return fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	return err
}

func (p *Provider) ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  100,
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerOrder, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

func (p *Provider) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alpacaPositions, err := p.tradeClient.GetPositions()
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(alpacaPositions))
	for _, x := range alpacaPositions {
		current := decimal.Zero
		if x.CurrentPrice != nil {
			current = *x.CurrentPrice
		}
		marketValue := decimal.Zero
		if x.MarketValue != nil {
			marketValue = *x.MarketValue
		}
		result = append(result, models.BrokerPosition{
			Symbol:        x.Symbol,
			AssetClass:    string(x.AssetClass),
			Qty:           x.Qty,
			AvgEntryPrice: x.AvgEntryPrice,
			CurrentPrice:  current,
			MarketValue:   marketValue,
		})
	}
	return result, nil
}

func (p *Provider) GetAccount(ctx context.Context) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:          a.ID,
		Currency:    a.Currency,
		Equity:      a.Equity,
		Cash:        a.Cash,
		BuyingPower: a.BuyingPower,
		Blocked:     a.AccountBlocked || a.TradingBlocked,
	}, nil
}

// Helpers

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func sortByStrike(cs []models.Contract) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Strike.LessThan(cs[j].Strike) })
}

func mapOrder(o *alpaca.Order) *models.BrokerOrder {
	if o == nil {
		return nil
	}

	res := &models.BrokerOrder{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     o.FilledQty,
		Side:          string(o.Side),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		res.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		res.FilledAvgPrice = *o.FilledAvgPrice
	}
	if o.LimitPrice != nil {
		res.LimitPrice = *o.LimitPrice
	}
	return res
}
