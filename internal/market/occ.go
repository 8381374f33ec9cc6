package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/models"
)

// OCCSymbol is a parsed OCC option symbol, e.g. UMC260116C00010000.
type OCCSymbol struct {
	Underlying string
	Expiration time.Time
	Right      models.OptionRight
	Strike     decimal.Decimal
}

// ParseOCC decodes ROOT + YYMMDD + C/P + strike*1000 (8 digits). ok is false for
// anything that is not an option symbol, which is how equities and warrants are told apart.
func ParseOCC(symbol string) (OCCSymbol, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 16 {
		return OCCSymbol{}, false
	}
	tail := s[len(s)-15:]
	root := strings.TrimSpace(s[:len(s)-15])
	if root == "" {
		return OCCSymbol{}, false
	}
	exp, err := time.ParseInLocation("060102", tail[:6], time.UTC)
	if err != nil {
		return OCCSymbol{}, false
	}
	var right models.OptionRight
	switch tail[6] {
	case 'C':
		right = models.RightCall
	case 'P':
		right = models.RightPut
	default:
		return OCCSymbol{}, false
	}
	milli, err := strconv.ParseInt(tail[7:], 10, 64)
	if err != nil || milli <= 0 {
		return OCCSymbol{}, false
	}
	return OCCSymbol{
		Underlying: root,
		Expiration: exp,
		Right:      right,
		Strike:     decimal.New(milli, -3),
	}, true
}

// FormatOCC is the inverse of ParseOCC.
func FormatOCC(underlying string, expiration time.Time, right models.OptionRight, strike decimal.Decimal) string {
	cp := "C"
	if right == models.RightPut {
		cp = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), cp, milli)
}
