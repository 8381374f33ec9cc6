package cycle

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"convexity_trading/internal/config"
	"convexity_trading/internal/logger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/models"
)

// Refresh rebuilds the portfolio from the broker. Positions are rebuilt wholesale, so a
// holding closed outside the engine simply disappears. Option positions are marked from a
// fresh quote; a missing option or underlying quote aborts, since rules would run on stale
// data.
func Refresh(ctx context.Context, data market.DataProvider, broker market.Broker, pol config.Policy, now time.Time) (*models.Portfolio, error) {
	acct, err := broker.GetAccount(ctx)
	if err != nil {
		return nil, models.DataUnavailable("account", err)
	}
	held, err := broker.GetPositions(ctx)
	if err != nil {
		return nil, models.DataUnavailable("positions", err)
	}

	themes := pol.Themes()
	pf := &models.Portfolio{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
		Themes:      themes,
		AsOf:        now,
	}
	spots := make(map[string]decimal.Decimal)
	spot := func(underlying string) (decimal.Decimal, error) {
		if px, ok := spots[underlying]; ok {
			return px, nil
		}
		q, err := data.GetQuote(ctx, underlying)
		if err != nil {
			return decimal.Zero, models.DataUnavailable("quote "+underlying, err)
		}
		spots[underlying] = q.Price()
		return q.Price(), nil
	}

	for _, bp := range held {
		if !bp.Qty.IsPositive() {
			log.Printf("[CYCLE] ignoring non-long position %s qty %s", bp.Symbol, bp.Qty)
			continue
		}
		pos := models.Position{
			Symbol:       bp.Symbol,
			Underlying:   bp.Symbol,
			Kind:         models.KindEquity,
			Quantity:     bp.Qty,
			EntryPrice:   bp.AvgEntryPrice,
			CurrentPrice: bp.CurrentPrice,
		}
		if occ, ok := market.ParseOCC(bp.Symbol); ok && occ.Right == models.RightCall {
			pos.Kind = models.KindCall
			pos.Underlying = occ.Underlying
			pos.Strike = occ.Strike
			pos.Expiration = occ.Expiration
			q, err := data.GetQuote(ctx, bp.Symbol)
			if err != nil {
				return nil, models.DataUnavailable("quote "+bp.Symbol, err)
			}
			if px := q.Mid(); px.IsPositive() {
				pos.CurrentPrice = px
			} else {
				logger.Debugf("[CYCLE] %s has no two-sided quote, keeping broker mark $%s", bp.Symbol, bp.CurrentPrice.StringFixed(2))
			}
			pos.Bid = q.Bid
			u, err := spot(occ.Underlying)
			if err != nil {
				return nil, err
			}
			pos.UnderlyingPrice = u
		} else if isWarrant(bp.Symbol, pol.MoonshotSymbol) {
			pos.Kind = models.KindWarrant
		}
		pos.Bucket = bucketOf(pos, themes)
		pf.Positions = append(pf.Positions, pos)
	}

	if drift := pf.ReconcileDrift(); drift.Abs().GreaterThan(decimal.NewFromInt(1)) {
		log.Printf("[CYCLE] equity does not reconcile with positions + cash (drift $%s)", drift.StringFixed(2))
	}
	return pf, nil
}

// isWarrant matches the ".WS" listing suffix or the configured moonshot symbol.
func isWarrant(symbol, moonshot string) bool {
	symbol = strings.ToUpper(symbol)
	return strings.HasSuffix(symbol, ".WS") || (moonshot != "" && symbol == strings.ToUpper(moonshot))
}

func bucketOf(pos models.Position, themes map[string]models.Bucket) models.Bucket {
	if b, ok := themes[strings.ToUpper(pos.Symbol)]; ok {
		return b
	}
	if b, ok := themes[strings.ToUpper(pos.Underlying)]; ok {
		return b
	}
	return models.BucketOther
}
