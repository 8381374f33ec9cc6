package alpaca

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// TradeStream is the part of the SDK stocks client the engine uses.
type TradeStream interface {
	SubscribeToTrades(handler func(stream.Trade), symbols ...string) error
	Connect(ctx context.Context) error
}

var _ TradeStream = (*stream.StocksClient)(nil)

// NewTradeStream connects to the IEX trade feed, which paper accounts can use.
func NewTradeStream(keyID, secret string) *stream.StocksClient {
	return stream.NewStocksClient(
		marketdata.IEX,
		stream.WithCredentials(keyID, secret),
		stream.WithReconnectSettings(10, 500*time.Millisecond),
	)
}

type lastTrade struct {
	price decimal.Decimal
	at    time.Time
}

// StreamingData answers GetQuote for streamed symbols from the latest trade and defers
// everything else, including stale prices, to the wrapped provider.
type StreamingData struct {
	market.DataProvider

	mu     sync.RWMutex
	last   map[string]lastTrade
	maxAge time.Duration
	now    func() time.Time
}

func NewStreamingData(inner market.DataProvider, maxAge time.Duration) *StreamingData {
	return &StreamingData{DataProvider: inner, last: make(map[string]lastTrade), maxAge: maxAge, now: time.Now}
}

func (s *StreamingData) OnTrade(t stream.Trade) {
	if t.Price <= 0 {
		return
	}
	s.mu.Lock()
	s.last[strings.ToUpper(t.Symbol)] = lastTrade{price: decimal.NewFromFloat(t.Price), at: t.Timestamp}
	s.mu.Unlock()
}

func (s *StreamingData) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	s.mu.RLock()
	lt, ok := s.last[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if ok && s.now().Sub(lt.at) <= s.maxAge {
		return &models.Quote{Symbol: symbol, Last: lt.price, Timestamp: lt.at}, nil
	}
	return s.DataProvider.GetQuote(ctx, symbol)
}

// Run subscribes to symbols and keeps the connection up until ctx is done, backing off
// between reconnects once the SDK's own retries are exhausted.
func (s *StreamingData) Run(ctx context.Context, client TradeStream, symbols []string) error {
	if err := client.SubscribeToTrades(s.OnTrade, symbols...); err != nil {
		return err
	}
	log.Printf("🔌 Streaming trades for %s", strings.Join(symbols, ","))

	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		err := client.Connect(ctx)
		if ctx.Err() != nil {
			log.Println("Trade stream stopped")
			return nil
		}
		log.Printf("Trade stream closed (%v), reconnecting in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
