package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// DefaultCommission is fixed 1.00 per fill plus 0.05% of notional.
var DefaultCommission = domain.ModelSpec{
	Name:   "fixed_plus_percent",
	Params: map[string]string{"fixed": "1", "rate": "0.0005"},
}

// NewCommission builds the named commission model. An empty name selects
// DefaultCommission.
//
//	none                                     zero
//	fixed               fee                  flat fee per fill
//	per_share           rate, min            rate × qty, at least min
//	percent             rate, min            rate × notional, at least min
//	fixed_plus_percent  fixed, rate, min     fixed + rate × notional, at least min
func NewCommission(spec domain.ModelSpec) (CommissionModel, error) {
	if spec.Name == "" {
		spec = DefaultCommission
	}
	var defaults map[string]string
	switch spec.Name {
	case "none":
		defaults = map[string]string{}
	case "fixed":
		defaults = map[string]string{"fee": "1"}
	case "per_share":
		defaults = map[string]string{"rate": "0.005", "min": "0"}
	case "percent":
		defaults = map[string]string{"rate": "0.001", "min": "0"}
	case "fixed_plus_percent":
		defaults = map[string]string{"fixed": "1", "rate": "0.0005", "min": "0"}
	default:
		return nil, fmt.Errorf("unknown commission model %q", spec.Name)
	}
	p, err := modelParams(spec, defaults)
	if err != nil {
		return nil, err
	}
	return commission{fixed: p["fixed"].Add(p["fee"]), perShare: spec.Name == "per_share", rate: p["rate"], min: p["min"]}, nil
}

// commission covers every model: fixed + rate × (qty or notional), floored
// at min and rounded to cents.
type commission struct {
	fixed    decimal.Decimal
	rate     decimal.Decimal
	min      decimal.Decimal
	perShare bool
}

func (c commission) Commission(qty, price decimal.Decimal) decimal.Decimal {
	base := qty.Mul(price)
	if c.perShare {
		base = qty
	}
	fee := c.fixed.Add(base.Abs().Mul(c.rate))
	if fee.LessThan(c.min) {
		fee = c.min
	}
	return fee.Round(2)
}
