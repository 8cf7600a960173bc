package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"backtestd/internal/broker"
	"backtestd/internal/domain"
)

// Compile-time interface check.
var _ broker.RiskChecker = (*RiskManager)(nil)

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints. Orders that reduce exposure always pass.
type RiskManager struct {
	maxPositionPct  decimal.Decimal
	maxDailyLossPct decimal.Decimal
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
// A zero threshold disables that rule.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of equity that may be lost in a single
//     trading day (e.g. 0.02 for 2%) before new exposure is refused.
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  decimal.NewFromFloat(maxPositionPct),
		maxDailyLossPct: decimal.NewFromFloat(maxDailyLossPct),
	}
}

// CheckFill evaluates whether filling order at price complies with the
// configured risk limits given the current account state.
func (rm *RiskManager) CheckFill(order *domain.Order, price decimal.Decimal, acct broker.Account) error {
	held := acct.Position.Qty
	delta := order.Qty
	if order.Side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	after := held.Add(delta)
	if !after.Abs().GreaterThan(held.Abs()) {
		return nil
	}

	if rm.maxPositionPct.IsPositive() && acct.Equity.IsPositive() {
		limit := acct.Equity.Mul(rm.maxPositionPct)
		if notional := after.Abs().Mul(price); notional.GreaterThan(limit) {
			return fmt.Errorf("position %s would be %s, above %s%% of equity",
				order.Symbol, notional.StringFixed(2), rm.maxPositionPct.Shift(2).String())
		}
	}

	if rm.maxDailyLossPct.IsPositive() && acct.DayStartEquity.IsPositive() {
		loss := acct.DayStartEquity.Sub(acct.Equity).Div(acct.DayStartEquity)
		if loss.GreaterThanOrEqual(rm.maxDailyLossPct) {
			return fmt.Errorf("daily loss %s%% reached limit", loss.Shift(2).StringFixed(2))
		}
	}
	return nil
}
