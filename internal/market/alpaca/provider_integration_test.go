//go:build integration

package alpaca

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

func setupProvider(t *testing.T) *Provider {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")

	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	if url == "" {
		url = "https://paper-api.alpaca.markets"
	}
	return NewProvider(key, secret, url)
}

func TestIntegration_AccountAndPositions(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Equity.IsPositive(), "paper account should have equity")

	_, err = p.GetPositions(ctx)
	require.NoError(t, err)
}

func TestIntegration_ExpirationsAndChain(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	exps, err := p.GetExpirations(ctx, "AAPL")
	require.NoError(t, err)
	require.NotEmpty(t, exps)
	for i := 1; i < len(exps); i++ {
		assert.True(t, exps[i-1].Before(exps[i]), "expirations are sorted and unique")
	}

	chain, err := p.GetChain(ctx, "AAPL", exps[len(exps)/2])
	require.NoError(t, err)
	require.NotEmpty(t, chain.Calls)
	for _, c := range chain.Calls {
		assert.Equal(t, models.RightCall, c.Right)
		_, ok := market.ParseOCC(c.Symbol)
		assert.True(t, ok, c.Symbol)
	}
}

func TestIntegration_LimitOrderLifecycle(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	q, err := p.GetQuote(ctx, "AAPL")
	require.NoError(t, err)

	// far below the market so it rests on the book
	limit := q.Price().Mul(decimal.NewFromFloat(0.5)).Round(2)
	id, err := p.PlaceOrder(ctx, models.OrderSpec{
		Symbol:     "AAPL",
		Qty:        decimal.NewFromInt(1),
		Side:       models.SideBuy,
		LimitPrice: limit,
	})
	require.NoError(t, err)

	var o *models.BrokerOrder
	for i := 0; i < 5; i++ {
		o, err = p.GetOrder(ctx, id)
		if !errors.Is(err, market.ErrOrderNotFound) {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err)
	assert.Equal(t, "AAPL", o.Symbol)

	require.NoError(t, p.CancelOrder(ctx, id))

	_, err = p.GetOrder(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, market.ErrOrderNotFound)
}
