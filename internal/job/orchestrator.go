// Package job owns the backtest job lifecycle: submission, cancellation,
// retries and execution by a pool of workers.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
	"backtestd/internal/engine"
	"backtestd/internal/sandbox"
	"backtestd/internal/store"
)

// StrategyStore persists immutable strategy versions.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, st *domain.Strategy) error
	// LoadStrategy returns the given version, or the latest for version 0.
	LoadStrategy(ctx context.Context, id string, version int) (*domain.Strategy, error)
}

// JobStore persists jobs. UpdateJobState is a compare-and-set.
type JobStore interface {
	CreateJob(ctx context.Context, j *domain.BacktestJob) error
	GetJob(ctx context.Context, id string) (*domain.BacktestJob, error)
	ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.BacktestJob, error)
	UpdateJobState(ctx context.Context, id string, from, to domain.JobState, failure *domain.Failure) error
	RequestCancel(ctx context.Context, id string) (domain.JobState, error)
}

// ResultStore persists write-once results.
type ResultStore interface {
	SaveResult(ctx context.Context, r *domain.BacktestResult) error
	LoadResult(ctx context.Context, jobID string) (*domain.BacktestResult, error)
}

// Transport hands queued jobs to workers.
type Transport interface {
	// ClaimNextJob atomically moves the oldest queued job to running. It
	// returns nil, nil when nothing is queued.
	ClaimNextJob(ctx context.Context, workerID string) (*domain.BacktestJob, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// Store is everything the orchestrator persists. store.SQLiteStore and
// store.MemoryStore implement it.
type Store interface {
	StrategyStore
	JobStore
	ResultStore
	Transport
}

var (
	_ Store = (*store.SQLiteStore)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

// Runner executes one claimed job. engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, j *domain.BacktestJob, cancelled func(context.Context) (bool, error)) (*domain.BacktestResult, error)
}

// Validator checks strategy source. sandbox.Sandbox implements it.
type Validator interface {
	Validate(ctx context.Context, source string) sandbox.ValidationResult
}

// Defaults fill job fields a request leaves unset. Submit applies the cash
// and cost models; the risk settings and account flags have meaningful zero
// values, so request decoders resolve them against Defaults before Submit.
type Defaults struct {
	InitialCash      decimal.Decimal
	Commission       domain.ModelSpec
	Slippage         domain.ModelSpec
	RiskFreeRate     float64
	MaxPositionPct   float64
	MaxDailyLossPct  float64
	AllowMargin      bool
	AllowShort       bool
	FractionalShares bool
}

// Options configures an Orchestrator.
type Options struct {
	Defaults Defaults
	// MaxAttempts bounds automatic retries; 1 disables them.
	MaxAttempts int
	// RetryOn lists the failure kinds retried automatically.
	RetryOn []domain.ErrorKind
	Metrics *Metrics
	Logger  *slog.Logger
}

// Orchestrator drives jobs through their lifecycle.
type Orchestrator struct {
	store     Store
	runner    Runner
	validator Validator
	opts      Options
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(s Store, runner Runner, validator Validator, opts Options) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		store:     s,
		runner:    runner,
		validator: validator,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// CreateStrategy validates source and stores it as a new version of
// strategy id, or as version 1 of a new strategy when id is empty. Invalid
// source is rejected with a validation error and the diagnostics.
func (o *Orchestrator) CreateStrategy(ctx context.Context, id, source string) (*domain.Strategy, sandbox.ValidationResult, error) {
	res := o.validator.Validate(ctx, source)
	if !res.OK {
		msgs := make([]string, len(res.Diagnostics))
		for i, d := range res.Diagnostics {
			msgs[i] = d.String()
		}
		return nil, res, domain.Errorf(domain.KindValidation, "strategy rejected: %s", strings.Join(msgs, "; "))
	}

	version := 1
	if id == "" {
		id = o.newID()
	} else {
		latest, err := o.store.LoadStrategy(ctx, id, 0)
		switch {
		case err == nil:
			version = latest.Version + 1
		case !errors.Is(err, store.ErrNotFound):
			return nil, res, fmt.Errorf("loading strategy %s: %w", id, err)
		}
	}

	st := &domain.Strategy{
		ID:          id,
		Version:     version,
		Name:        res.Name,
		Source:      source,
		ParamSchema: res.ParamSchema,
		Indicators:  res.Indicators,
		CreatedAt:   o.now(),
	}
	if err := o.store.SaveStrategy(ctx, st); err != nil {
		return nil, res, fmt.Errorf("saving strategy %s v%d: %w", id, version, err)
	}
	o.logger.Info("strategy saved", "strategy", id, "version", version, "name", st.Name)
	return st, res, nil
}

// Submit queues a backtest. The strategy version is pinned at submission;
// version 0 means the latest.
func (o *Orchestrator) Submit(ctx context.Context, req *domain.BacktestJob) (*domain.BacktestJob, error) {
	j := req.Clone()
	o.applyDefaults(j)

	if j.StrategyID != "" {
		st, err := o.store.LoadStrategy(ctx, j.StrategyID, j.StrategyVersion)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Errorf(domain.KindConfiguration, "strategy %s v%d does not exist", j.StrategyID, j.StrategyVersion)
		}
		if err != nil {
			return nil, fmt.Errorf("loading strategy: %w", err)
		}
		j.StrategyVersion = st.Version
	}
	if err := engine.ValidateJob(j); err != nil {
		return nil, err
	}

	j.ID = o.newID()
	j.State = domain.JobQueued
	j.Failure = nil
	j.CancelRequested = false
	j.WorkerID = ""
	j.StartedAt, j.FinishedAt = nil, nil
	if j.Attempt < 1 {
		j.Attempt = 1
	}
	j.CreatedAt = o.now()

	if err := o.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	o.metrics.submitted.Inc()
	o.logger.Info("job queued", "job", j.ID, "strategy", j.StrategyID, "version", j.StrategyVersion,
		"symbols", len(j.Universe), "attempt", j.Attempt)
	return j, nil
}

func (o *Orchestrator) applyDefaults(j *domain.BacktestJob) {
	d := o.opts.Defaults
	if j.InitialCash.IsZero() {
		j.InitialCash = d.InitialCash
	}
	if j.Commission.Name == "" {
		j.Commission = d.Commission
	}
	if j.Slippage.Name == "" {
		j.Slippage = d.Slippage
	}
}

// Defaults returns the values unset request fields take.
func (o *Orchestrator) Defaults() Defaults { return o.opts.Defaults }

// Cancel requests cancellation. A queued job is cancelled at once; a running
// job stops at its next bar boundary. Cancelling a finished job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*domain.BacktestJob, error) {
	state, err := o.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancelling job %s: %w", id, err)
	}
	if state == domain.JobQueued {
		err := o.store.UpdateJobState(ctx, id, domain.JobQueued, domain.JobCancelled, nil)
		if err != nil && !errors.Is(err, store.ErrStateConflict) {
			return nil, fmt.Errorf("cancelling job %s: %w", id, err)
		}
		if err == nil {
			o.metrics.observeFinish(domain.JobCancelled, nil, 0)
			o.logger.Info("job cancelled", "job", id, "state", state)
		}
	}
	return o.store.GetJob(ctx, id)
}

// Retry queues a new attempt of a failed or cancelled job.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*domain.BacktestJob, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	if j.State != domain.JobFailed && j.State != domain.JobCancelled {
		return nil, domain.Errorf(domain.KindValidation, "job %s is %s; only failed or cancelled jobs can be retried", id, j.State)
	}
	return o.retry(ctx, j)
}

func (o *Orchestrator) retry(ctx context.Context, j *domain.BacktestJob) (*domain.BacktestJob, error) {
	next := j.Clone()
	next.ParentJobID = j.ID
	next.Attempt = j.Attempt + 1
	return o.Submit(ctx, next)
}

// Get returns a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.BacktestJob, error) {
	return o.store.GetJob(ctx, id)
}

// List returns jobs, newest first, optionally filtered by state.
func (o *Orchestrator) List(ctx context.Context, state domain.JobState, limit int) ([]domain.BacktestJob, error) {
	return o.store.ListJobs(ctx, state, limit)
}

// Result returns the result of a succeeded job.
func (o *Orchestrator) Result(ctx context.Context, jobID string) (*domain.BacktestResult, error) {
	return o.store.LoadResult(ctx, jobID)
}

// Strategy returns a stored strategy version; version 0 means the latest.
func (o *Orchestrator) Strategy(ctx context.Context, id string, version int) (*domain.Strategy, error) {
	return o.store.LoadStrategy(ctx, id, version)
}

// Execute runs a claimed job to a terminal state. Failures are recorded on
// the job rather than returned; the error is non-nil only when the final
// state could not be persisted.
func (o *Orchestrator) Execute(ctx context.Context, j *domain.BacktestJob) error {
	logger := o.logger.With("job", j.ID, "worker", j.WorkerID)
	started := time.Now()
	o.metrics.running.Inc()
	defer o.metrics.running.Dec()

	res, err := o.runSafely(ctx, j)
	// Record the outcome even when ctx was cancelled by shutdown.
	pctx := context.WithoutCancel(ctx)

	if err == nil {
		if serr := o.store.SaveResult(pctx, res); serr != nil {
			err = fmt.Errorf("saving result: %w", serr)
		}
	}

	switch {
	case errors.Is(err, engine.ErrCancelled):
		logger.Info("job cancelled mid-replay")
		return o.finish(pctx, j, domain.JobCancelled, nil, started)
	case err != nil:
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = domain.Wrap(domain.KindRuntimeFault, "interrupted", err)
		}
		failure := domain.FailureOf(err)
		logger.Warn("job failed", "kind", failure.Kind, "error", failure.Message)
		if ferr := o.finish(pctx, j, domain.JobFailed, failure, started); ferr != nil {
			return ferr
		}
		if slices.Contains(o.opts.RetryOn, failure.Kind) && j.Attempt < o.opts.MaxAttempts {
			failed := j.Clone()
			failed.State, failed.Failure = domain.JobFailed, failure
			next, rerr := o.retry(pctx, failed)
			if rerr != nil {
				logger.Error("automatic retry failed", "error", rerr)
				return nil
			}
			logger.Info("job retried", "retry", next.ID, "attempt", next.Attempt)
		}
		return nil
	}

	o.metrics.bars.Add(float64(res.Manifest.Bars))
	logger.Info("job succeeded", "bars", res.Manifest.Bars, "trades", len(res.Trades),
		"total_return", res.Metrics.TotalReturn)
	return o.finish(pctx, j, domain.JobSucceeded, nil, started)
}

// runSafely runs the job, converting a panic anywhere in the engine into a
// runtime fault.
func (o *Orchestrator) runSafely(ctx context.Context, j *domain.BacktestJob) (res *domain.BacktestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = domain.Errorf(domain.KindRuntimeFault, "panic: %v\n%s", r, debug.Stack())
		}
	}()
	return o.runner.Run(ctx, j, func(ctx context.Context) (bool, error) {
		return o.store.IsCancelled(ctx, j.ID)
	})
}

func (o *Orchestrator) finish(ctx context.Context, j *domain.BacktestJob, to domain.JobState, failure *domain.Failure, started time.Time) error {
	if err := CheckTransition(domain.JobRunning, to); err != nil {
		return err
	}
	if err := o.store.UpdateJobState(ctx, j.ID, domain.JobRunning, to, failure); err != nil {
		return fmt.Errorf("finishing job %s: %w", j.ID, err)
	}
	o.metrics.observeFinish(to, failure, time.Since(started).Seconds())
	return nil
}
