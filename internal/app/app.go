// Package app assembles the backtest stack from configuration. The server
// and the one-shot CLI share it so both run jobs the same way.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"backtestd/internal/config"
	"backtestd/internal/engine"
	"backtestd/internal/job"
	"backtestd/internal/sandbox"
	"backtestd/internal/series"
	"backtestd/internal/store"
	"backtestd/internal/strategy/builtins"
)

// Stack is a wired orchestrator with the stores behind it.
type Stack struct {
	Store        job.Store
	Bars         store.BarStore
	Sandbox      *sandbox.Sandbox
	Engine       *engine.Engine
	Orchestrator *job.Orchestrator
	Metrics      *job.Metrics

	closers []func()
}

// Close releases every store the stack opened.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// OpenSQLite opens the job database, creating its directory when needed.
func OpenSQLite(path string) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return st, nil
}

// OpenBarStore opens the price bar source named by cfg.Storage.BarSource.
// sqlite is the job database when bars live alongside jobs. The returned
// close func is never nil.
func OpenBarStore(ctx context.Context, cfg *config.Config, sqlite *store.SQLiteStore) (store.BarStore, func(), error) {
	switch cfg.Storage.BarSource {
	case "", "parquet":
		return store.NewParquetStore(cfg.Storage.DataDir), func() {}, nil
	case "sqlite":
		if sqlite == nil {
			return nil, nil, fmt.Errorf("sqlite bar source needs a sqlite store")
		}
		return sqlite, func() {}, nil
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return nil, nil, fmt.Errorf("postgres bar source needs storage.postgres_url")
		}
		pg, err := store.NewPostgresBarStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown bar source %q", cfg.Storage.BarSource)
}

// Build wires the sandbox, engine and orchestrator over jobs and bars.
// factors may be nil when no price adjustment is configured. reg may be nil
// to leave metrics unregistered.
func Build(cfg *config.Config, jobs job.Store, bars store.BarStore, factors store.AdjustFactorStore, reg prometheus.Registerer, logger *slog.Logger) (*Stack, error) {
	adjust, err := series.ParseAdjust(cfg.Storage.Adjust)
	if err != nil {
		return nil, err
	}
	cash, err := decimal.NewFromString(cfg.Backtest.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("parsing backtest.initial_cash %q: %w", cfg.Backtest.InitialCash, err)
	}

	sb := sandbox.New(sandbox.Options{
		Registry:     builtins.Registry(),
		DryRunBars:   cfg.Backtest.DryRunBars,
		MaxExprNodes: cfg.Backtest.MaxExprNodes,
		Logger:       logger.With("component", "sandbox"),
	})
	provider := series.NewProvider(bars, factors, series.Options{
		Market:      cfg.Storage.Market,
		Adjust:      adjust,
		Concurrency: cfg.Backtest.LoadConcurrency,
		Logger:      logger.With("component", "series"),
	})
	eng := engine.New(jobs, provider, sb, engine.Settings{PeriodsPerYear: cfg.Backtest.PeriodsPerYear},
		logger.With("component", "engine"))

	metrics := job.NewMetrics(reg)
	orch := job.NewOrchestrator(jobs, eng, sb, job.Options{
		Defaults: job.Defaults{
			InitialCash:      cash,
			Commission:       cfg.Backtest.Commission,
			Slippage:         cfg.Backtest.Slippage,
			RiskFreeRate:     cfg.Backtest.RiskFreeRate,
			MaxPositionPct:   cfg.Backtest.MaxPositionPct,
			MaxDailyLossPct:  cfg.Backtest.MaxDailyLossPct,
			AllowMargin:      cfg.Backtest.AllowMargin,
			AllowShort:       cfg.Backtest.AllowShort,
			FractionalShares: cfg.Backtest.FractionalShares,
		},
		MaxAttempts: cfg.Workers.MaxAttempts,
		RetryOn:     cfg.Workers.RetryOn,
		Metrics:     metrics,
		Logger:      logger.With("component", "orchestrator"),
	})

	return &Stack{
		Store:        jobs,
		Bars:         bars,
		Sandbox:      sb,
		Engine:       eng,
		Orchestrator: orch,
		Metrics:      metrics,
	}, nil
}

// Open opens the configured stores and builds a Stack over them.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*Stack, error) {
	sqlite, err := OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	bars, closeBars, err := OpenBarStore(ctx, cfg, sqlite)
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	// Adjust factors come from the bar source when it has them and from the
	// job database otherwise.
	var factors store.AdjustFactorStore = sqlite
	if fs, ok := bars.(store.AdjustFactorStore); ok {
		factors = fs
	}

	st, err := Build(cfg, sqlite, bars, factors, reg, logger)
	if err != nil {
		closeBars()
		sqlite.Close()
		return nil, err
	}
	st.closers = append(st.closers, func() { sqlite.Close() }, closeBars)
	return st, nil
}
