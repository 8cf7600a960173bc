package builtins

import "backtestd/internal/strategy"

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(NewSMACross)
	r.Register(NewBuyAndHold)
}

// Registry returns a new registry holding the built-in strategies.
func Registry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}
