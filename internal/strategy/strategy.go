// Package strategy defines the contract every trading strategy implements,
// the read-only market view it is granted, and a Registry of built-in
// implementations.
package strategy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// Params holds bound parameter values keyed by name. Int and bool parameters
// are stored as whole numbers (bools as 0 or 1).
type Params map[string]float64

// Int returns the named parameter truncated to an int.
func (p Params) Int(name string) int { return int(p[name]) }

// Bool returns the named parameter as a bool.
func (p Params) Bool(name string) bool { return p[name] != 0 }

// MarketState is everything a strategy may observe while handling one bar.
// It exposes data up to and including the current bar only.
type MarketState interface {
	// BarIndex is the zero-based position of the current date in the replay.
	BarIndex() int
	// Date is the current bar's date.
	Date() time.Time
	// Symbols returns the job's universe in sorted order.
	Symbols() []string
	// Bar returns symbol's bar for the current date, if it traded.
	Bar(symbol string) (domain.PriceBar, bool)
	// History returns symbol's bars up to and including the current date.
	// The slice must not be modified.
	History(symbol string) []domain.PriceBar
	// Cash is the portfolio's cash after today's fills.
	Cash() decimal.Decimal
	// Position returns the open position in symbol (zero value when flat).
	Position(symbol string) domain.Position
	// Equity is cash plus positions valued at their latest known close.
	Equity() decimal.Decimal
}

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init binds parameters before the first bar. It is called once per
	// instance.
	Init(ctx context.Context, params Params) error

	// OnBar is called once per replay date in increasing order and returns
	// zero or more order intents. Intents fill at the next bar's open.
	OnBar(ctx context.Context, state MarketState) ([]domain.OrderIntent, error)
}

// ParamDeclarer is implemented by strategies that declare tunable
// parameters.
type ParamDeclarer interface {
	Params() []domain.ParamSpec
}

// Factory creates a fresh, uninitialised strategy instance.
type Factory func() Strategy

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the Name() of the strategies it builds.
func (r *Registry) Register(f Factory) {
	r.factories[f().Name()] = f
}

// New creates a fresh instance of the named strategy. The second return
// value indicates whether the strategy was found.
func (r *Registry) New(name string) (Strategy, bool) {
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Schema returns the parameters declared by the named strategy.
func (r *Registry) Schema(name string) ([]domain.ParamSpec, bool) {
	s, ok := r.New(name)
	if !ok {
		return nil, false
	}
	if d, ok := s.(ParamDeclarer); ok {
		return d.Params(), true
	}
	return nil, true
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle is an initialised strategy instance bound to one job. Faults inside
// the strategy are converted into classified errors rather than escaping to
// the caller.
type Handle struct {
	strategy Strategy
	params   Params
}

// Bind initialises s with params and returns a Handle. Any error or panic
// raised by Init is reported as a strategy load error.
func Bind(ctx context.Context, s Strategy, params Params) (h *Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = domain.Errorf(domain.KindStrategyLoad, "initialising %s: panic: %v", s.Name(), r)
		}
	}()
	if err := s.Init(ctx, params); err != nil {
		return nil, domain.Wrap(domain.KindStrategyLoad, "initialising "+s.Name(), err)
	}
	return &Handle{strategy: s, params: params}, nil
}

// Name returns the underlying strategy's name.
func (h *Handle) Name() string { return h.strategy.Name() }

// Params returns the bound parameter values.
func (h *Handle) Params() Params { return h.params }

// OnBar forwards to the strategy. Errors and panics become runtime faults.
func (h *Handle) OnBar(ctx context.Context, state MarketState) (intents []domain.OrderIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			err = domain.Errorf(domain.KindRuntimeFault, "%s on bar %d: panic: %v\n%s",
				h.strategy.Name(), state.BarIndex(), r, debug.Stack())
		}
	}()
	intents, err = h.strategy.OnBar(ctx, state)
	if err != nil {
		return nil, domain.Wrap(domain.KindRuntimeFault, fmt.Sprintf("%s on bar %d", h.strategy.Name(), state.BarIndex()), err)
	}
	return intents, nil
}
