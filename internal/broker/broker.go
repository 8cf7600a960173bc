// Package broker simulates order execution for backtests: it turns order
// intents into fills against a bar's open, keeps authoritative cash and
// position state, and derives round-trip trades.
package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// CommissionModel prices the commission charged on a fill.
type CommissionModel interface {
	Commission(qty, price decimal.Decimal) decimal.Decimal
}

// SlippageModel adjusts the reference price of a fill against the trader.
type SlippageModel interface {
	FillPrice(side domain.OrderSide, price, qty decimal.Decimal) decimal.Decimal
}

// Account is the portfolio state a RiskChecker sees when judging a fill.
// Equity uses the fill bar's open for the traded symbol.
type Account struct {
	Cash           decimal.Decimal
	Equity         decimal.Decimal
	DayStartEquity decimal.Decimal
	Position       domain.Position
}

// RiskChecker vets an order before it fills. A non-nil error rejects the
// order with the error text as reason.
type RiskChecker interface {
	CheckFill(order *domain.Order, price decimal.Decimal, acct Account) error
}

// modelParams reads named decimal parameters from a ModelSpec, applying
// defaults and rejecting unknown or negative values.
func modelParams(spec domain.ModelSpec, defaults map[string]string) (map[string]decimal.Decimal, error) {
	var unknown []string
	for k := range spec.Params {
		if _, ok := defaults[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%s: unknown parameter(s) %s", spec.Name, strings.Join(unknown, ", "))
	}

	out := make(map[string]decimal.Decimal, len(defaults))
	for k, def := range defaults {
		raw := def
		if v, ok := spec.Params[k]; ok {
			raw = v
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %s: %w", spec.Name, k, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("%s: parameter %s must not be negative", spec.Name, k)
		}
		out[k] = d
	}
	return out, nil
}
