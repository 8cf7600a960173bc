// Package store defines storage interfaces for price data and provides the
// persistence backends used by the job orchestrator: SQLite, Postgres,
// Parquet files and an in-memory store.
package store

import (
	"context"
	"errors"
	"time"

	"backtestd/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a compare-and-set state update finds
	// the record in a different state than expected.
	ErrStateConflict = errors.New("state conflict")

	// ErrExists is returned when inserting a record whose key is taken.
	ErrExists = errors.New("already exists")
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars for a market.
	WriteBars(ctx context.Context, market string, bars []domain.PriceBar) error

	// ReadBars returns bars for the given symbol and market within
	// [start, end], ordered by date.
	ReadBars(ctx context.Context, symbol, market string, start, end time.Time) ([]domain.PriceBar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// AdjustFactorStore retrieves corporate-action adjustment factors.
type AdjustFactorStore interface {
	// ReadAdjustFactors returns the factors for symbol ordered by date.
	ReadAdjustFactors(ctx context.Context, symbol string) ([]domain.AdjustFactor, error)
}

// inRange reports whether t lies within [start, end].
func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
