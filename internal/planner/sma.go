package planner

import (
	"fmt"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

// SMA is the simple moving average of the last period closes. ok is false with fewer bars.
func SMA(bars []models.Bar, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(bars) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, b := range bars[len(bars)-period:] {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// EntryAllowed applies the trend filter: new entries need spot above its SMA.
// Without enough history the filter does not block.
func EntryAllowed(spot decimal.Decimal, bars []models.Bar, period int) (bool, string) {
	sma, ok := SMA(bars, period)
	if !ok {
		return true, ""
	}
	if spot.GreaterThan(sma) {
		return true, ""
	}
	return false, fmt.Sprintf("below SMA%d ($%s <= $%s)", period, spot.StringFixed(2), sma.StringFixed(2))
}
