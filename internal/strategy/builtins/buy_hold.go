package builtins

import (
	"context"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
	"backtestd/internal/strategy"
)

var _ strategy.ParamDeclarer = (*BuyAndHold)(nil)

// BuyAndHold buys each symbol the first time it trades and never sells. With
// qty set it buys that many shares; otherwise it spends alloc of equity split
// evenly across the universe.
type BuyAndHold struct {
	qty    decimal.Decimal
	alloc  decimal.Decimal
	bought map[string]bool
}

// NewBuyAndHold creates an uninitialised BuyAndHold strategy.
func NewBuyAndHold() strategy.Strategy { return &BuyAndHold{} }

// Name returns "buy-and-hold".
func (b *BuyAndHold) Name() string { return "buy-and-hold" }

func (b *BuyAndHold) Params() []domain.ParamSpec {
	zero, one := 0.0, 1.0
	return []domain.ParamSpec{
		{Name: "qty", Type: domain.ParamInt, Default: 0, Min: &zero},
		{Name: "alloc", Type: domain.ParamFloat, Default: 0.95, Min: &zero, Max: &one},
	}
}

func (b *BuyAndHold) Init(_ context.Context, params strategy.Params) error {
	b.qty = decimal.NewFromInt(int64(params.Int("qty")))
	b.alloc = decimal.NewFromFloat(params["alloc"])
	b.bought = make(map[string]bool)
	return nil
}

func (b *BuyAndHold) OnBar(_ context.Context, ms strategy.MarketState) ([]domain.OrderIntent, error) {
	var intents []domain.OrderIntent
	symbols := ms.Symbols()
	for _, sym := range symbols {
		bar, ok := ms.Bar(sym)
		if !ok || b.bought[sym] {
			continue
		}
		b.bought[sym] = true
		qty := b.qty
		if qty.IsZero() {
			budget := ms.Equity().Mul(b.alloc).Div(decimal.NewFromInt(int64(len(symbols))))
			qty = budget.Div(bar.Close).Floor()
		}
		intents = append(intents, domain.OrderIntent{Symbol: sym, Side: domain.OrderSideBuy, Qty: qty})
	}
	return intents, nil
}
