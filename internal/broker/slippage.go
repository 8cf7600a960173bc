package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

var tenThousand = decimal.NewFromInt(10000)

// NewSlippage builds the named slippage model. An empty name means none.
//
//	none                       fill at the reference price
//	bps        bps             move the price bps basis points against the order
//	per_share  amount          move the price a fixed amount against the order
func NewSlippage(spec domain.ModelSpec) (SlippageModel, error) {
	switch spec.Name {
	case "", "none":
		if _, err := modelParams(spec, map[string]string{}); err != nil {
			return nil, err
		}
		return slippage{}, nil
	case "bps":
		p, err := modelParams(spec, map[string]string{"bps": "5"})
		if err != nil {
			return nil, err
		}
		return slippage{bps: p["bps"]}, nil
	case "per_share":
		p, err := modelParams(spec, map[string]string{"amount": "0.01"})
		if err != nil {
			return nil, err
		}
		return slippage{amount: p["amount"]}, nil
	}
	return nil, fmt.Errorf("unknown slippage model %q", spec.Name)
}

type slippage struct {
	bps    decimal.Decimal
	amount decimal.Decimal
}

func (s slippage) FillPrice(side domain.OrderSide, price, _ decimal.Decimal) decimal.Decimal {
	delta := price.Mul(s.bps).Div(tenThousand).Add(s.amount)
	if delta.IsZero() {
		return price
	}
	if side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	adjusted := price.Add(delta).Round(4)
	if !adjusted.IsPositive() {
		return price
	}
	return adjusted
}
