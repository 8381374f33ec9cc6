package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
	"convexity_trading/internal/market"
	"convexity_trading/internal/market/fake"
	"convexity_trading/internal/models"
)

func TestRefresh_MissingOptionQuoteAborts(t *testing.T) {
	data := fake.NewData()
	broker := fake.NewBroker("10000", "9800")
	data.SetQuote("UMC", "", "", "9")
	exp := time.Now().UTC().AddDate(0, 0, 90).Truncate(24 * time.Hour)
	sym := market.FormatOCC("UMC", exp, models.RightCall, d("10"))
	broker.Positions = []models.BrokerPosition{{Symbol: sym, AssetClass: "us_option", Qty: d("2"), AvgEntryPrice: d("0.50"), CurrentPrice: d("1.00"), MarketValue: d("200")}}

	_, err := Refresh(context.Background(), data, broker, config.Defaults(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDataProviderUnavailable))
	assert.Contains(t, err.Error(), sym)

	data.SetQuote(sym, "1.40", "1.60", "")
	pf, err := Refresh(context.Background(), data, broker, config.Defaults(), time.Now())
	require.NoError(t, err)
	require.Len(t, pf.Positions, 1)
	assert.True(t, pf.Positions[0].CurrentPrice.Equal(d("1.50")), "marked from the fresh quote")
	assert.Equal(t, models.BucketThemeA, pf.Positions[0].Bucket)
}

func TestRefresh_WarrantClassification(t *testing.T) {
	data := fake.NewData()
	broker := fake.NewBroker("10000", "7000")
	broker.Positions = []models.BrokerPosition{
		{Symbol: "NEWS", AssetClass: "us_equity", Qty: d("10"), CurrentPrice: d("100")},
		{Symbol: "GME.WS", AssetClass: "us_equity", Qty: d("500"), CurrentPrice: d("2")},
		{Symbol: "ABC.WS", AssetClass: "us_equity", Qty: d("100"), CurrentPrice: d("1")},
		{Symbol: "XYZWW", AssetClass: "us_equity", Qty: d("100"), CurrentPrice: d("1")},
	}

	t.Run("suffix", func(t *testing.T) {
		pf, err := Refresh(context.Background(), data, broker, config.Defaults(), time.Now())
		require.NoError(t, err)
		kinds := map[string]models.InstrumentKind{}
		for _, p := range pf.Positions {
			kinds[p.Symbol] = p.Kind
		}
		assert.Equal(t, models.KindEquity, kinds["NEWS"], "a ticker merely ending in WS is not a warrant")
		assert.Equal(t, models.KindWarrant, kinds["GME.WS"])
		assert.Equal(t, models.KindWarrant, kinds["ABC.WS"])
		assert.Equal(t, models.KindEquity, kinds["XYZWW"])
	})

	t.Run("configured moonshot symbol", func(t *testing.T) {
		pol := config.Defaults()
		pol.MoonshotSymbol = "XYZWW"
		pf, err := Refresh(context.Background(), data, broker, pol, time.Now())
		require.NoError(t, err)
		pos, ok := pf.Find("XYZWW")
		require.True(t, ok)
		assert.Equal(t, models.KindWarrant, pos.Kind)
		assert.Equal(t, models.BucketMoonshot, pos.Bucket)
	})
}
