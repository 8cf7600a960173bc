// Package builtins provides built-in strategy implementations that ship with
// backtestd.
package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
	"backtestd/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy      = (*SMACross)(nil)
	_ strategy.ParamDeclarer = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and sells the
// whole position when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	alloc       decimal.Decimal
	state       map[string]*crossState
}

type crossState struct {
	short, long         strategy.Indicator
	prevShort, prevLong float64
	primed              bool
}

// NewSMACross creates an uninitialised SMACross strategy.
func NewSMACross() strategy.Strategy {
	return &SMACross{}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Params declares the moving-average periods and the fraction of equity
// allocated per entry, split evenly across the universe.
func (s *SMACross) Params() []domain.ParamSpec {
	one, hundredth := 1.0, 0.01
	return []domain.ParamSpec{
		{Name: "short", Type: domain.ParamInt, Default: 10, Min: &one},
		{Name: "long", Type: domain.ParamInt, Default: 30, Min: &one},
		{Name: "alloc", Type: domain.ParamFloat, Default: 0.95, Min: &hundredth, Max: &one},
	}
}

// Init binds the periods.
func (s *SMACross) Init(_ context.Context, params strategy.Params) error {
	s.shortPeriod = params.Int("short")
	s.longPeriod = params.Int("long")
	if s.shortPeriod >= s.longPeriod {
		return fmt.Errorf("short period %d must be below long period %d", s.shortPeriod, s.longPeriod)
	}
	s.alloc = decimal.NewFromFloat(params["alloc"])
	s.state = make(map[string]*crossState)
	return nil
}

// OnBar updates both averages for every symbol that traded and emits an
// order on a crossover.
func (s *SMACross) OnBar(_ context.Context, ms strategy.MarketState) ([]domain.OrderIntent, error) {
	var intents []domain.OrderIntent
	symbols := ms.Symbols()
	for _, sym := range symbols {
		bar, ok := ms.Bar(sym)
		if !ok {
			continue
		}
		st := s.symbol(sym)
		st.short.Update(bar)
		st.long.Update(bar)
		short, okS := st.short.Value()
		long, okL := st.long.Value()
		if !okS || !okL {
			continue
		}
		if !st.primed {
			st.prevShort, st.prevLong, st.primed = short, long, true
			continue
		}
		crossedUp := st.prevShort <= st.prevLong && short > long
		crossedDown := st.prevShort >= st.prevLong && short < long
		st.prevShort, st.prevLong = short, long

		pos := ms.Position(sym)
		switch {
		case crossedUp && pos.IsFlat():
			budget := ms.Equity().Mul(s.alloc).Div(decimal.NewFromInt(int64(len(symbols))))
			qty := budget.Div(bar.Close).Floor()
			if qty.IsPositive() {
				intents = append(intents, domain.OrderIntent{Symbol: sym, Side: domain.OrderSideBuy, Qty: qty})
			}
		case crossedDown && pos.Qty.IsPositive():
			intents = append(intents, domain.OrderIntent{Symbol: sym, Side: domain.OrderSideSell, Qty: pos.Qty})
		}
	}
	return intents, nil
}

func (s *SMACross) symbol(sym string) *crossState {
	if st, ok := s.state[sym]; ok {
		return st
	}
	short, _ := strategy.NewIndicator("sma", s.shortPeriod, "close")
	long, _ := strategy.NewIndicator("sma", s.longPeriod, "close")
	st := &crossState{short: short, long: long}
	s.state[sym] = st
	return st
}
