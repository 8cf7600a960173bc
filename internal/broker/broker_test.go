package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtestd/internal/domain"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func day(n int) time.Time { return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC) }

func bar(sym string, n int, open, close float64) domain.PriceBar {
	return domain.PriceBar{Symbol: sym, Date: day(n), Open: d(open), High: d(max(open, close)), Low: d(min(open, close)), Close: d(close), Volume: 1}
}

func order(sym string, side domain.OrderSide, qty float64) *domain.Order {
	return &domain.Order{ID: "o", Symbol: sym, Side: side, Qty: d(qty), Kind: domain.OrderKindMarketNextOpen}
}

func mustCommission(t *testing.T, spec domain.ModelSpec) CommissionModel {
	t.Helper()
	c, err := NewCommission(spec)
	require.NoError(t, err)
	return c
}

func TestBuyFillsAtOpenAndMarksAtClose(t *testing.T) {
	sim := NewSimulator(Config{
		InitialCash: d(100000),
		Commission:  mustCommission(t, domain.ModelSpec{Name: "fixed", Params: map[string]string{"fee": "1"}}),
	})
	closes := []float64{10, 11, 9, 12}
	opens := []float64{10, 10.5, 9.5, 11.5}

	sim.MarkToMarket(0, day(1), map[string]domain.PriceBar{"X": bar("X", 1, opens[0], closes[0])})
	out := sim.Submit(order("X", domain.OrderSideBuy, 100), 1, bar("X", 2, opens[1], closes[1]))
	require.True(t, out.Filled(), out.Reason)
	assert.True(t, out.Fill.Price.Equal(d(10.5)))
	assert.True(t, out.Fill.Commission.Equal(d(1)))
	assert.True(t, sim.Cash().Equal(d(100000-1050-1)), sim.Cash().String())

	var snap domain.PortfolioSnapshot
	for i := 1; i < 4; i++ {
		snap = sim.MarkToMarket(i, day(i+1), map[string]domain.PriceBar{"X": bar("X", i+1, opens[i], closes[i])})
	}
	assert.True(t, snap.Equity.Equal(d(98949+100*12)), snap.Equity.String())
	assert.Equal(t, 1, snap.Point().OpenPositions)
	assert.True(t, sim.Position("X").AvgCost.Equal(d(10.5)))
}

func TestRejections(t *testing.T) {
	fill := bar("X", 2, 10, 10)
	tests := []struct {
		name  string
		cfg   Config
		setup func(*Simulator)
		order *domain.Order
	}{
		{"zero qty", Config{}, nil, order("X", domain.OrderSideBuy, 0)},
		{"negative qty", Config{}, nil, order("X", domain.OrderSideBuy, -5)},
		{"fractional", Config{}, nil, order("X", domain.OrderSideBuy, 1.5)},
		{"insufficient cash", Config{}, nil, order("X", domain.OrderSideBuy, 101)},
		{"sell without position", Config{}, nil, order("X", domain.OrderSideSell, 1)},
		{"sell beyond held", Config{}, func(s *Simulator) {
			s.Submit(order("X", domain.OrderSideBuy, 5), 1, fill)
		}, order("X", domain.OrderSideSell, 6)},
		{"risk", Config{Risk: riskFunc(func() error { return errors.New("too big") })}, nil, order("X", domain.OrderSideBuy, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.InitialCash = d(1000)
			sim := NewSimulator(tt.cfg)
			if tt.setup != nil {
				tt.setup(sim)
			}
			cash, pos := sim.Cash(), sim.Position("X")
			out := sim.Submit(tt.order, 2, fill)
			assert.Equal(t, domain.FillStatusRejected, out.Status)
			assert.NotEmpty(t, out.Reason)
			assert.Nil(t, out.Fill)
			assert.True(t, sim.Cash().Equal(cash), "cash unchanged")
			assert.True(t, sim.Position("X").Qty.Equal(pos.Qty), "position unchanged")
		})
	}
}

type riskFunc func() error

func (f riskFunc) CheckFill(*domain.Order, decimal.Decimal, Account) error { return f() }

func TestRejectedOrderKeepsMarks(t *testing.T) {
	sim := NewSimulator(Config{InitialCash: d(1000)})
	sim.MarkToMarket(0, day(1), map[string]domain.PriceBar{"X": bar("X", 1, 10, 10)})
	require.True(t, sim.Submit(order("X", domain.OrderSideBuy, 10), 1, bar("X", 2, 10, 20)).Filled())
	sim.MarkToMarket(1, day(2), map[string]domain.PriceBar{"X": bar("X", 2, 10, 20)})
	before := sim.Equity()
	require.True(t, before.Equal(d(1100)), before.String())

	out := sim.Submit(order("X", domain.OrderSideSell, 50), 2, bar("X", 3, 5, 5))
	require.False(t, out.Filled())
	assert.True(t, sim.Equity().Equal(before), sim.Equity().String())
	assert.True(t, sim.Cash().Equal(d(900)))
}

func TestMarginAndFractional(t *testing.T) {
	sim := NewSimulator(Config{InitialCash: d(100), AllowMargin: true, FractionalShares: true})
	out := sim.Submit(order("X", domain.OrderSideBuy, 20.5), 1, bar("X", 2, 10, 10))
	require.True(t, out.Filled(), out.Reason)
	assert.True(t, sim.Cash().Equal(d(-105)))
}

func TestWeightedAverageAndPartialClose(t *testing.T) {
	sim := NewSimulator(Config{InitialCash: d(10000)})
	require.True(t, sim.Submit(order("X", domain.OrderSideBuy, 100), 1, bar("X", 1, 10, 10)).Filled())
	require.True(t, sim.Submit(order("X", domain.OrderSideBuy, 100), 2, bar("X", 2, 12, 12)).Filled())
	assert.True(t, sim.Position("X").AvgCost.Equal(d(11)))
	assert.True(t, sim.Position("X").OpenedAt.Equal(day(1)))

	require.True(t, sim.Submit(order("X", domain.OrderSideSell, 50), 3, bar("X", 3, 13, 13)).Filled())
	assert.Empty(t, sim.Trades(), "partial close completes no trade")
	assert.True(t, sim.Position("X").Qty.Equal(d(150)))
	assert.True(t, sim.Position("X").AvgCost.Equal(d(11)), "reductions keep average cost")

	require.True(t, sim.Submit(order("X", domain.OrderSideSell, 150), 4, bar("X", 4, 9, 9)).Filled())
	trades := sim.Trades()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, domain.TradeSideLong, tr.Side)
	assert.True(t, tr.Qty.Equal(d(200)))
	assert.True(t, tr.EntryPrice.Equal(d(11)))
	assert.True(t, tr.ExitPrice.Equal(d(10)))
	assert.True(t, tr.PnL.Equal(d(-200)), tr.PnL.String())
	assert.Equal(t, day(4), tr.ExitDate)
	assert.True(t, sim.Position("X").IsFlat())
	assert.True(t, sim.Cash().Equal(d(10000-200)))
}

func TestShortFlip(t *testing.T) {
	sim := NewSimulator(Config{InitialCash: d(1000), AllowShort: true})
	require.True(t, sim.Submit(order("X", domain.OrderSideBuy, 10), 1, bar("X", 1, 10, 10)).Filled())
	require.True(t, sim.Submit(order("X", domain.OrderSideSell, 15), 2, bar("X", 2, 12, 12)).Filled())

	trades := sim.Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(d(20)))
	assert.True(t, sim.Position("X").Qty.Equal(d(-5)))
	assert.True(t, sim.Position("X").AvgCost.Equal(d(12)))

	require.True(t, sim.Submit(order("X", domain.OrderSideBuy, 5), 3, bar("X", 3, 11, 11)).Filled())
	trades = sim.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, domain.TradeSideShort, trades[1].Side)
	assert.True(t, trades[1].PnL.Equal(d(5)))
	assert.True(t, sim.Cash().Equal(d(1025)))
}

func TestTradeCommissionSplit(t *testing.T) {
	sim := NewSimulator(Config{
		InitialCash: d(1000),
		AllowShort:  true,
		Commission:  mustCommission(t, domain.ModelSpec{Name: "fixed", Params: map[string]string{"fee": "2"}}),
	})
	sim.Submit(order("X", domain.OrderSideBuy, 10), 1, bar("X", 1, 10, 10))
	sim.Submit(order("X", domain.OrderSideSell, 20), 2, bar("X", 2, 10, 10))

	// Half of the flipping fill's fee belongs to the closed long.
	tr := sim.Trades()[0]
	assert.True(t, tr.Commission.Equal(d(3)), tr.Commission.String())
	assert.True(t, tr.PnL.Equal(d(-3)))
}

func TestCommissionModels(t *testing.T) {
	tests := []struct {
		spec domain.ModelSpec
		qty  float64
		px   float64
		want float64
	}{
		{domain.ModelSpec{}, 100, 10, 1.5},
		{domain.ModelSpec{Name: "none"}, 100, 10, 0},
		{domain.ModelSpec{Name: "fixed"}, 100, 10, 1},
		{domain.ModelSpec{Name: "per_share", Params: map[string]string{"min": "1"}}, 100, 10, 1},
		{domain.ModelSpec{Name: "per_share"}, 1000, 10, 5},
		{domain.ModelSpec{Name: "percent"}, 100, 10, 1},
		{domain.ModelSpec{Name: "fixed_plus_percent", Params: map[string]string{"fixed": "2", "rate": "0.01"}}, 10, 10, 3},
	}
	for _, tt := range tests {
		c := mustCommission(t, tt.spec)
		got := c.Commission(d(tt.qty), d(tt.px))
		assert.True(t, got.Equal(d(tt.want)), "%s: got %s want %v", tt.spec.Name, got, tt.want)
	}

	_, err := NewCommission(domain.ModelSpec{Name: "tiered"})
	assert.Error(t, err)
	_, err = NewCommission(domain.ModelSpec{Name: "fixed", Params: map[string]string{"rate": "1"}})
	assert.Error(t, err)
	_, err = NewCommission(domain.ModelSpec{Name: "fixed", Params: map[string]string{"fee": "-1"}})
	assert.Error(t, err)
}

func TestSlippageModels(t *testing.T) {
	none, err := NewSlippage(domain.ModelSpec{})
	require.NoError(t, err)
	assert.True(t, none.FillPrice(domain.OrderSideBuy, d(100), d(1)).Equal(d(100)))

	bps, err := NewSlippage(domain.ModelSpec{Name: "bps", Params: map[string]string{"bps": "10"}})
	require.NoError(t, err)
	assert.True(t, bps.FillPrice(domain.OrderSideBuy, d(100), d(1)).Equal(d(100.1)))
	assert.True(t, bps.FillPrice(domain.OrderSideSell, d(100), d(1)).Equal(d(99.9)))

	ps, err := NewSlippage(domain.ModelSpec{Name: "per_share", Params: map[string]string{"amount": "0.05"}})
	require.NoError(t, err)
	assert.True(t, ps.FillPrice(domain.OrderSideBuy, d(10), d(1)).Equal(d(10.05)))
	assert.True(t, ps.FillPrice(domain.OrderSideSell, d(0.01), d(1)).Equal(d(0.01)), "never below zero")

	_, err = NewSlippage(domain.ModelSpec{Name: "random"})
	assert.Error(t, err)
}

func TestSlippageRecordedOnFill(t *testing.T) {
	slip, err := NewSlippage(domain.ModelSpec{Name: "per_share", Params: map[string]string{"amount": "0.1"}})
	require.NoError(t, err)
	sim := NewSimulator(Config{InitialCash: d(1000), Slippage: slip})
	out := sim.Submit(order("X", domain.OrderSideBuy, 10), 1, bar("X", 1, 10, 10))
	require.True(t, out.Filled())
	assert.True(t, out.Fill.Price.Equal(d(10.1)))
	assert.True(t, out.Fill.Slippage.Equal(d(1)))
}
