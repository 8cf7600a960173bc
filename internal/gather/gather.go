// Package gather defines the price data ingestion processes that fill the
// bar stores read by the backtest engine.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches data until done or ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents an inclusive range of trading dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the range is non-empty.
func (r DateRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}
