// Package engine runs backtests: it replays price series through a strategy,
// routes the resulting orders to the portfolio simulator, enforces risk
// limits and assembles the final result.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"backtestd/internal/broker"
	"backtestd/internal/domain"
	"backtestd/internal/perf"
	"backtestd/internal/store"
	"backtestd/internal/strategy"
)

// Version identifies the replay and fill semantics recorded in result
// manifests. Bump it whenever results for the same inputs would change.
const Version = "backtestd-engine/1"

// StrategyLoader loads a pinned strategy version.
type StrategyLoader interface {
	LoadStrategy(ctx context.Context, id string, version int) (*domain.Strategy, error)
}

// SeriesLoader loads validated daily bars for a universe.
type SeriesLoader interface {
	LoadPriceSeries(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.PriceBar, error)
}

// Instantiator turns strategy source and parameter values into a bound,
// ready-to-run handle.
type Instantiator interface {
	Instantiate(ctx context.Context, source string, params map[string]float64) (*strategy.Handle, error)
}

// Settings are engine-wide defaults that are not part of a job.
type Settings struct {
	PeriodsPerYear int
}

// Engine executes backtest jobs. It holds no per-job state and is safe for
// concurrent use by several workers.
type Engine struct {
	strategies StrategyLoader
	series     SeriesLoader
	sandbox    Instantiator
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine wired with the given collaborators.
func New(strategies StrategyLoader, series SeriesLoader, sandbox Instantiator, settings Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		strategies: strategies,
		series:     series,
		sandbox:    sandbox,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes job from start to finish and returns its result. cancelled is
// polled at every bar boundary; when it reports true Run returns
// ErrCancelled and no result.
func (e *Engine) Run(ctx context.Context, job *domain.BacktestJob, cancelled func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
	if err := ValidateJob(job); err != nil {
		return nil, err
	}

	st, err := e.strategies.LoadStrategy(ctx, job.StrategyID, job.StrategyVersion)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Errorf(domain.KindConfiguration, "strategy %s v%d does not exist", job.StrategyID, job.StrategyVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("loading strategy %s v%d: %w", job.StrategyID, job.StrategyVersion, err)
	}

	series, err := e.series.LoadPriceSeries(ctx, job.Universe, job.Start, job.End)
	if err != nil {
		return nil, fmt.Errorf("loading price series: %w", err)
	}

	handle, err := e.sandbox.Instantiate(ctx, st.Source, job.Params)
	if err != nil {
		return nil, err
	}

	sim, err := NewSimulator(job)
	if err != nil {
		return nil, err
	}

	started := e.now()
	out, err := Replay(ctx, ReplayConfig{
		JobID:     job.ID,
		Universe:  job.Universe,
		Series:    series,
		Strategy:  handle,
		Simulator: sim,
		Cancelled: cancelled,
	})
	if err != nil {
		return nil, err
	}

	curve := out.Curve()
	metrics := perf.Compute(job.InitialCash, curve, out.Trades, perf.Config{
		RiskFreeRate:   job.RiskFreeRate,
		PeriodsPerYear: e.settings.PeriodsPerYear,
	})

	e.logger.Info("backtest finished",
		"job", job.ID,
		"strategy", handle.Name(),
		"bars", out.Dates,
		"orders", len(out.Orders),
		"trades", len(out.Trades),
		"final_equity", metrics.FinalEquity.StringFixed(2),
		"elapsed", e.now().Sub(started),
	)

	return &domain.BacktestResult{
		JobID:           job.ID,
		StrategyID:      st.ID,
		StrategyVersion: st.Version,
		InitialCash:     job.InitialCash,
		EquityCurve:     curve,
		Trades:          nonNil(out.Trades),
		Orders:          nonNil(out.Orders),
		Metrics:         metrics,
		Manifest: domain.Manifest{
			EngineVersion: Version,
			StrategyHash:  hashString(st.Source),
			ConfigHash:    ConfigHash(job),
			DataChecksum:  DataChecksum(series),
			Bars:          out.Dates,
		},
	}, nil
}

// NewSimulator builds the portfolio simulator a job describes.
func NewSimulator(job *domain.BacktestJob) (*broker.Simulator, error) {
	commission, err := broker.NewCommission(job.Commission)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfiguration, "commission model", err)
	}
	slippage, err := broker.NewSlippage(job.Slippage)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfiguration, "slippage model", err)
	}
	cfg := broker.Config{
		InitialCash:      job.InitialCash,
		Commission:       commission,
		Slippage:         slippage,
		AllowMargin:      job.AllowMargin,
		AllowShort:       job.AllowShort,
		FractionalShares: job.FractionalShares,
	}
	if job.MaxPositionPct > 0 || job.MaxDailyLossPct > 0 {
		cfg.Risk = NewRiskManager(job.MaxPositionPct, job.MaxDailyLossPct)
	}
	return broker.NewSimulator(cfg), nil
}

// ConfigHash fingerprints the inputs of a job that affect its result. Job
// identity and lifecycle fields are excluded so retries hash alike.
func ConfigHash(job *domain.BacktestJob) string {
	universe := append([]string(nil), job.Universe...)
	sort.Strings(universe)
	data, _ := json.Marshal(struct {
		Params           map[string]float64 `json:"params"`
		Universe         []string           `json:"universe"`
		Start            string             `json:"start"`
		End              string             `json:"end"`
		InitialCash      string             `json:"initial_cash"`
		Commission       domain.ModelSpec   `json:"commission"`
		Slippage         domain.ModelSpec   `json:"slippage"`
		AllowMargin      bool               `json:"allow_margin"`
		AllowShort       bool               `json:"allow_short"`
		FractionalShares bool               `json:"fractional_shares"`
		MaxPositionPct   float64            `json:"max_position_pct"`
		MaxDailyLossPct  float64            `json:"max_daily_loss_pct"`
		RiskFreeRate     float64            `json:"risk_free_rate"`
	}{
		Params:           job.Params,
		Universe:         universe,
		Start:            job.Start.Format(domain.DateLayout),
		End:              job.End.Format(domain.DateLayout),
		InitialCash:      job.InitialCash.String(),
		Commission:       job.Commission,
		Slippage:         job.Slippage,
		AllowMargin:      job.AllowMargin,
		AllowShort:       job.AllowShort,
		FractionalShares: job.FractionalShares,
		MaxPositionPct:   job.MaxPositionPct,
		MaxDailyLossPct:  job.MaxDailyLossPct,
		RiskFreeRate:     job.RiskFreeRate,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DataChecksum fingerprints the price series a job replayed.
func DataChecksum(series map[string][]domain.PriceBar) string {
	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	h := sha256.New()
	for _, sym := range symbols {
		for _, b := range series[sym] {
			fmt.Fprintf(h, "%s,%s,%s,%s,%s,%s,%d\n", sym, b.Date.Format(domain.DateLayout),
				b.Open, b.High, b.Low, b.Close, b.Volume)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
