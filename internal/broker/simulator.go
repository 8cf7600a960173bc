package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// Config configures a Simulator.
type Config struct {
	InitialCash      decimal.Decimal
	Commission       CommissionModel
	Slippage         SlippageModel
	AllowMargin      bool
	AllowShort       bool
	FractionalShares bool
	// Risk is optional.
	Risk RiskChecker
}

// Simulator is the order and portfolio simulator for one backtest job. It is
// not safe for concurrent use; each job owns its own instance.
type Simulator struct {
	cfg       Config
	cash      decimal.Decimal
	positions map[string]*lot
	marks     map[string]decimal.Decimal
	dayStart  decimal.Decimal
	trades    []domain.Trade
}

// lot is an open position plus the bookkeeping needed to emit its trade when
// it closes.
type lot struct {
	pos          domain.Position
	short        bool
	entryComm    decimal.Decimal
	exitComm     decimal.Decimal
	realized     decimal.Decimal
	exitQty      decimal.Decimal
	exitNotional decimal.Decimal
}

// NewSimulator creates a Simulator holding only cash. Nil models mean no
// commission and no slippage.
func NewSimulator(cfg Config) *Simulator {
	if cfg.Commission == nil {
		cfg.Commission, _ = NewCommission(domain.ModelSpec{Name: "none"})
	}
	if cfg.Slippage == nil {
		cfg.Slippage = slippage{}
	}
	return &Simulator{
		cfg:       cfg,
		cash:      cfg.InitialCash,
		positions: make(map[string]*lot),
		marks:     make(map[string]decimal.Decimal),
		dayStart:  cfg.InitialCash,
	}
}

// Cash returns the current cash balance.
func (s *Simulator) Cash() decimal.Decimal { return s.cash }

// Position returns the open position in symbol, or a flat zero value.
func (s *Simulator) Position(symbol string) domain.Position {
	if l, ok := s.positions[symbol]; ok {
		return l.pos
	}
	return domain.Position{Symbol: symbol}
}

// Equity returns cash plus every position valued at its latest mark.
func (s *Simulator) Equity() decimal.Decimal {
	eq := s.cash
	for sym, l := range s.positions {
		eq = eq.Add(l.pos.Qty.Mul(s.marks[sym]))
	}
	return eq
}

// equityMarked is Equity with symbol valued at px.
func (s *Simulator) equityMarked(symbol string, px decimal.Decimal) decimal.Decimal {
	eq := s.cash
	for sym, l := range s.positions {
		mark := s.marks[sym]
		if sym == symbol {
			mark = px
		}
		eq = eq.Add(l.pos.Qty.Mul(mark))
	}
	return eq
}

// EquityAt returns cash plus every position valued at its close in slice,
// falling back to the latest mark for symbols absent from slice. It does not
// move the marks.
func (s *Simulator) EquityAt(slice map[string]domain.PriceBar) decimal.Decimal {
	eq := s.cash
	for sym, l := range s.positions {
		mark := s.marks[sym]
		if b, ok := slice[sym]; ok {
			mark = b.Close
		}
		eq = eq.Add(l.pos.Qty.Mul(mark))
	}
	return eq
}

// Trades returns the closed round trips so far, in close order.
func (s *Simulator) Trades() []domain.Trade {
	return append([]domain.Trade(nil), s.trades...)
}

// Submit executes order against bar, the first bar of the order's symbol
// after the one it was issued on. The fill price is bar's open adjusted by the
// slippage model. Orders that would break a constraint are rejected and leave
// state untouched.
func (s *Simulator) Submit(order *domain.Order, barIndex int, bar domain.PriceBar) domain.FillOutcome {
	qty := order.Qty
	if !qty.IsPositive() {
		return domain.Rejected("quantity must be positive")
	}
	if !s.cfg.FractionalShares && !qty.IsInteger() {
		return domain.Rejected("fractional quantity without fractional shares")
	}

	held := s.Position(order.Symbol).Qty
	if order.Side == domain.OrderSideSell && !s.cfg.AllowShort && qty.GreaterThan(decimal.Max(held, decimal.Zero)) {
		return domain.Rejected(fmt.Sprintf("sell %s exceeds held %s", qty, held))
	}

	price := s.cfg.Slippage.FillPrice(order.Side, bar.Open, qty)
	commission := s.cfg.Commission.Commission(qty, price)
	signed := qty
	if order.Side == domain.OrderSideSell {
		signed = qty.Neg()
	}
	cashAfter := s.cash.Sub(signed.Mul(price)).Sub(commission)
	if !s.cfg.AllowMargin && cashAfter.IsNegative() {
		return domain.Rejected(fmt.Sprintf("insufficient cash: need %s, have %s",
			signed.Mul(price).Add(commission).StringFixed(2), s.cash.StringFixed(2)))
	}

	if s.cfg.Risk != nil {
		acct := Account{
			Cash:           s.cash,
			Equity:         s.equityMarked(order.Symbol, bar.Open),
			DayStartEquity: s.dayStart,
			Position:       s.Position(order.Symbol),
		}
		if err := s.cfg.Risk.CheckFill(order, price, acct); err != nil {
			return domain.Rejected(err.Error())
		}
	}

	s.marks[order.Symbol] = bar.Open
	s.cash = cashAfter
	s.apply(order.Symbol, signed, price, commission, bar.Date)

	return domain.FillOutcome{
		Status: domain.FillStatusFilled,
		Fill: &domain.Fill{
			OrderID:    order.ID,
			BarIndex:   barIndex,
			Date:       bar.Date,
			Symbol:     order.Symbol,
			Side:       order.Side,
			Qty:        qty,
			Price:      price,
			Commission: commission,
			Slippage:   price.Sub(bar.Open).Abs().Mul(qty),
		},
	}
}

// MarkToMarket values the portfolio at the closes in slice. Symbols absent
// from slice keep their last mark. The resulting equity becomes the
// reference for the next day's risk checks.
func (s *Simulator) MarkToMarket(barIndex int, date time.Time, slice map[string]domain.PriceBar) domain.PortfolioSnapshot {
	for sym, b := range slice {
		s.marks[sym] = b.Close
	}
	positions := make(map[string]domain.Position, len(s.positions))
	for sym, l := range s.positions {
		positions[sym] = l.pos
	}
	equity := s.Equity()
	s.dayStart = equity
	return domain.PortfolioSnapshot{
		BarIndex:  barIndex,
		Date:      date,
		Cash:      s.cash,
		Positions: positions,
		Equity:    equity,
	}
}

// apply updates the position for a fill of signed quantity. Adds use
// weighted-average cost; reductions realize P&L against average cost; a
// reduction through zero closes the lot and opens one on the other side.
func (s *Simulator) apply(symbol string, signed, price, commission decimal.Decimal, date time.Time) {
	l, ok := s.positions[symbol]
	if !ok || l.pos.IsFlat() {
		s.positions[symbol] = openLot(symbol, signed, price, commission, date)
		return
	}

	held := l.pos.Qty
	if held.Sign() == signed.Sign() {
		total := held.Add(signed)
		l.pos.AvgCost = held.Abs().Mul(l.pos.AvgCost).Add(signed.Abs().Mul(price)).Div(total.Abs()).Round(8)
		l.pos.Qty = total
		l.entryComm = l.entryComm.Add(commission)
		return
	}

	closing := decimal.Min(signed.Abs(), held.Abs())
	share := closing.Div(signed.Abs())
	closeComm := commission.Mul(share).Round(8)

	pnlPerShare := price.Sub(l.pos.AvgCost)
	if held.IsNegative() {
		pnlPerShare = pnlPerShare.Neg()
	}
	l.realized = l.realized.Add(pnlPerShare.Mul(closing))
	l.exitComm = l.exitComm.Add(closeComm)
	l.exitQty = l.exitQty.Add(closing)
	l.exitNotional = l.exitNotional.Add(closing.Mul(price))
	l.pos.Qty = held.Add(withSign(closing, signed))

	if !l.pos.IsFlat() {
		return
	}
	s.trades = append(s.trades, l.trade(date))
	delete(s.positions, symbol)

	if rest := signed.Abs().Sub(closing); rest.IsPositive() {
		s.positions[symbol] = openLot(symbol, withSign(rest, signed), price, commission.Sub(closeComm), date)
	}
}

func openLot(symbol string, signed, price, commission decimal.Decimal, date time.Time) *lot {
	return &lot{
		pos:       domain.Position{Symbol: symbol, Qty: signed, AvgCost: price, OpenedAt: date},
		short:     signed.IsNegative(),
		entryComm: commission,
	}
}

func (l *lot) trade(exit time.Time) domain.Trade {
	side := domain.TradeSideLong
	if l.short {
		side = domain.TradeSideShort
	}
	comm := l.entryComm.Add(l.exitComm)
	return domain.Trade{
		Symbol:     l.pos.Symbol,
		Side:       side,
		Qty:        l.exitQty,
		EntryDate:  l.pos.OpenedAt,
		EntryPrice: l.pos.AvgCost,
		ExitDate:   exit,
		ExitPrice:  l.exitNotional.Div(l.exitQty).Round(8),
		Commission: comm.Round(2),
		PnL:        l.realized.Sub(comm).Round(2),
	}
}

// withSign returns the magnitude of v with the sign of like.
func withSign(v, like decimal.Decimal) decimal.Decimal {
	if like.IsNegative() {
		return v.Abs().Neg()
	}
	return v.Abs()
}
