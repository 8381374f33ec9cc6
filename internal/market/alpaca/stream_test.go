package alpaca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/market/fake"
)

type fakeStream struct {
	symbols  []string
	handler  func(stream.Trade)
	connects int
	// onConnect runs inside Connect; returning nil blocks until ctx is done.
	onConnect func(n int) error
}

func (f *fakeStream) SubscribeToTrades(h func(stream.Trade), symbols ...string) error {
	f.handler, f.symbols = h, symbols
	return nil
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.connects++
	if err := f.onConnect(f.connects); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStreamingData_FreshTradeWins(t *testing.T) {
	inner := fake.NewData()
	inner.SetQuote("UMC", "", "", "9.00")
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	s := NewStreamingData(inner, time.Minute)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	q, err := s.GetQuote(ctx, "UMC")
	require.NoError(t, err)
	assert.True(t, q.Price().Equal(decimal.NewFromInt(9)), "nothing streamed yet")

	s.OnTrade(stream.Trade{Symbol: "UMC", Price: 9.42, Timestamp: now.Add(-10 * time.Second)})
	q, err = s.GetQuote(ctx, "umc")
	require.NoError(t, err)
	assert.Equal(t, "9.42", q.Price().String())

	now = now.Add(2 * time.Minute)
	q, err = s.GetQuote(ctx, "UMC")
	require.NoError(t, err)
	assert.True(t, q.Price().Equal(decimal.NewFromInt(9)), "stale trades fall back to the provider")

	s.OnTrade(stream.Trade{Symbol: "TE", Price: 0, Timestamp: now})
	_, err = s.GetQuote(ctx, "TE")
	assert.Error(t, err, "zero prices are ignored and TE has no fallback quote")
}

func TestStreamingData_RunReconnectsUntilCancelled(t *testing.T) {
	s := NewStreamingData(fake.NewData(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	fs := &fakeStream{}
	fs.onConnect = func(n int) error {
		if n == 1 {
			return errors.New("connection reset")
		}
		fs.handler(stream.Trade{Symbol: "AMPX", Price: 3.1, Timestamp: time.Now()})
		cancel()
		return nil
	}

	require.NoError(t, s.Run(ctx, fs, []string{"UMC", "TE", "AMPX"}))
	assert.Equal(t, []string{"UMC", "TE", "AMPX"}, fs.symbols)
	assert.Equal(t, 2, fs.connects)

	q, err := s.GetQuote(context.Background(), "AMPX")
	require.NoError(t, err)
	assert.Equal(t, "3.1", q.Last.String())
}
