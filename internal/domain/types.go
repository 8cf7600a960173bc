// Package domain defines the core value types shared by the backtest engine:
// price bars, orders, fills, positions, portfolio snapshots and trades.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// PriceBar is one day's OHLCV record for an instrument.
type PriceBar struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind describes how an order is executed. Only market-at-next-open
// orders are supported.
type OrderKind string

const OrderKindMarketNextOpen OrderKind = "market_next_open"

// OrderIntent is what strategy code emits while processing a bar. The engine
// turns each intent into an immutable Order.
type OrderIntent struct {
	Symbol string          `json:"symbol"`
	Side   OrderSide       `json:"side"`
	Qty    decimal.Decimal `json:"qty"`
}

// Order is an intent stamped with the bar it was issued on. Orders are never
// mutated; their fate is recorded as a FillOutcome.
type Order struct {
	ID       string          `json:"id"`
	JobID    string          `json:"job_id"`
	BarIndex int             `json:"bar_index"`
	Date     time.Time       `json:"date"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Kind     OrderKind       `json:"kind"`
}

// FillStatus is the terminal status of an order.
type FillStatus string

const (
	FillStatusFilled   FillStatus = "filled"
	FillStatusRejected FillStatus = "rejected"
	FillStatusDropped  FillStatus = "dropped"
)

// Fill is the execution of an order against a specific bar.
type Fill struct {
	OrderID    string          `json:"order_id"`
	BarIndex   int             `json:"bar_index"`
	Date       time.Time       `json:"date"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
}

// FillOutcome is the result of submitting an order to the simulator.
type FillOutcome struct {
	Status FillStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Fill   *Fill      `json:"fill,omitempty"`
}

// Filled reports whether the outcome produced a fill.
func (o FillOutcome) Filled() bool { return o.Status == FillStatusFilled }

// Rejected builds a rejected outcome.
func Rejected(reason string) FillOutcome {
	return FillOutcome{Status: FillStatusRejected, Reason: reason}
}

// OrderRecord pairs an order with its outcome for the order log.
type OrderRecord struct {
	Order   Order       `json:"order"`
	Outcome FillOutcome `json:"outcome"`
}

// Position is the holding in one instrument. Qty is negative for shorts.
type Position struct {
	Symbol   string          `json:"symbol"`
	Qty      decimal.Decimal `json:"qty"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	OpenedAt time.Time       `json:"opened_at"`
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool { return p.Qty.IsZero() }

// PortfolioSnapshot is the marked-to-market state of a portfolio after one bar.
type PortfolioSnapshot struct {
	BarIndex  int                 `json:"bar_index"`
	Date      time.Time           `json:"date"`
	Cash      decimal.Decimal     `json:"cash"`
	Positions map[string]Position `json:"positions"`
	Equity    decimal.Decimal     `json:"equity"`
}

// EquityPoint is one entry of the persisted equity curve.
type EquityPoint struct {
	Date          time.Time       `json:"date"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	OpenPositions int             `json:"open_positions"`
}

// Point reduces a snapshot to its equity-curve entry.
func (s PortfolioSnapshot) Point() EquityPoint {
	open := 0
	for _, p := range s.Positions {
		if !p.IsFlat() {
			open++
		}
	}
	return EquityPoint{Date: s.Date, Equity: s.Equity, Cash: s.Cash, OpenPositions: open}
}

// TradeSide is the direction of a round trip.
type TradeSide string

const (
	TradeSideLong  TradeSide = "long"
	TradeSideShort TradeSide = "short"
)

// Trade is a closed round trip, derived from fills.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Side       TradeSide       `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	EntryDate  time.Time       `json:"entry_date"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitDate   time.Time       `json:"exit_date"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"`
}

// ModelSpec names a pluggable pricing model (commission or slippage) and its
// parameters.
type ModelSpec struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// AdjustFactor is a corporate-action price adjustment effective from Date.
type AdjustFactor struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Fore   decimal.Decimal `json:"fore"`
	Back   decimal.Decimal `json:"back"`
	Factor decimal.Decimal `json:"factor"`
}
