package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtestd/internal/domain"
	"backtestd/internal/engine"
	"backtestd/internal/sandbox"
	"backtestd/internal/series"
	"backtestd/internal/store"
	"backtestd/internal/strategy/builtins"
	"backtestd/internal/util"
)

func TestTransitions(t *testing.T) {
	legal := [][2]domain.JobState{
		{domain.JobQueued, domain.JobRunning},
		{domain.JobQueued, domain.JobCancelled},
		{domain.JobRunning, domain.JobSucceeded},
		{domain.JobRunning, domain.JobFailed},
		{domain.JobRunning, domain.JobCancelled},
	}
	for _, tr := range legal {
		assert.NoError(t, CheckTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]domain.JobState{
		{domain.JobQueued, domain.JobSucceeded},
		{domain.JobRunning, domain.JobQueued},
		{domain.JobSucceeded, domain.JobFailed},
		{domain.JobFailed, domain.JobRunning},
		{domain.JobCancelled, domain.JobQueued},
	}
	for _, tr := range illegal {
		assert.ErrorIs(t, CheckTransition(tr[0], tr[1]), ErrIllegalTransition, "%s -> %s", tr[0], tr[1])
	}
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context, j *domain.BacktestJob, cancelled func(context.Context) (bool, error)) (*domain.BacktestResult, error)

func (f runnerFunc) Run(ctx context.Context, j *domain.BacktestJob, cancelled func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
	return f(ctx, j, cancelled)
}

func okResult(j *domain.BacktestJob) *domain.BacktestResult {
	return &domain.BacktestResult{JobID: j.ID, StrategyID: j.StrategyID, StrategyVersion: j.StrategyVersion,
		Manifest: domain.Manifest{Bars: 3}}
}

type fixture struct {
	mem     *store.MemoryStore
	orch    *Orchestrator
	pool    *Pool
	reg     *prometheus.Registry
	metrics *Metrics
}

func newFixture(t *testing.T, runner Runner, opts Options) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	opts.Metrics = NewMetrics(reg)
	opts.Logger = util.Discard()
	opts.Defaults = Defaults{
		InitialCash: decimal.NewFromInt(100000),
		Commission:  domain.ModelSpec{Name: "none"},
		Slippage:    domain.ModelSpec{Name: "none"},
	}
	sb := sandbox.New(sandbox.Options{Registry: builtins.Registry(), DryRunBars: 40})
	orch := NewOrchestrator(mem, runner, sb, opts)
	return &fixture{
		mem:     mem,
		orch:    orch,
		pool:    NewPool(mem, orch, 2, 10*time.Millisecond, "test", util.Discard()),
		reg:     reg,
		metrics: opts.Metrics,
	}
}

func (f *fixture) strategy(t *testing.T) *domain.Strategy {
	t.Helper()
	st, res, err := f.orch.CreateStrategy(context.Background(), "", "kind: builtin\nbuiltin: buy-and-hold\n")
	require.NoError(t, err, "%v", res.Diagnostics)
	return st
}

func request(st *domain.Strategy) *domain.BacktestJob {
	return &domain.BacktestJob{
		StrategyID: st.ID,
		Universe:   []string{"AAA"},
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateStrategyVersions(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	v1 := f.strategy(t)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "buy-and-hold", v1.Name)
	assert.Len(t, v1.ParamSchema, 2)

	v2, _, err := f.orch.CreateStrategy(ctx, v1.ID, "kind: builtin\nbuiltin: sma-cross\n")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Version)

	got, err := f.orch.Strategy(ctx, v1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "buy-and-hold", got.Name)

	_, res, err := f.orch.CreateStrategy(ctx, "", "kind: rules\non_bar:\n  - when: now() > 0\n    buy: 1\n")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.False(t, res.OK)
}

func TestSubmitPinsVersionAndAppliesDefaults(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	st := f.strategy(t)
	_, _, err := f.orch.CreateStrategy(ctx, st.ID, "kind: builtin\nbuiltin: sma-cross\n")
	require.NoError(t, err)

	j, err := f.orch.Submit(ctx, request(st))
	require.NoError(t, err)
	assert.Equal(t, 2, j.StrategyVersion)
	assert.Equal(t, domain.JobQueued, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.True(t, j.InitialCash.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, "none", j.Commission.Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.submitted))

	bad := request(st)
	bad.Universe = nil
	_, err = f.orch.Submit(ctx, bad)
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))

	missing := request(st)
	missing.StrategyVersion = 9
	_, err = f.orch.Submit(ctx, missing)
	assert.Equal(t, domain.KindConfiguration, domain.KindOf(err))
}

func TestSubmitKeepsExplicitRiskSettings(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.orch.opts.Defaults.RiskFreeRate = 0.05
	f.orch.opts.Defaults.MaxPositionPct = 0.5

	j, err := f.orch.Submit(context.Background(), request(f.strategy(t)))
	require.NoError(t, err)
	assert.Zero(t, j.RiskFreeRate)
	assert.Zero(t, j.MaxPositionPct)
}

func TestExecuteSuccess(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, j *domain.BacktestJob, _ func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		return okResult(j), nil
	})
	f := newFixture(t, runner, Options{})
	ctx := context.Background()
	j, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)

	ran, err := f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err := f.orch.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, got.State)
	assert.Equal(t, "w1", got.WorkerID)
	assert.NotNil(t, got.FinishedAt)

	res, err := f.orch.Result(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, res.JobID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.finished.WithLabelValues("succeeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.bars))

	ran, err = f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestExecuteFailureAndAutoRetry(t *testing.T) {
	var calls int
	runner := runnerFunc(func(_ context.Context, j *domain.BacktestJob, _ func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		calls++
		if calls == 1 {
			return nil, domain.Errorf(domain.KindData, "store unavailable")
		}
		return okResult(j), nil
	})
	f := newFixture(t, runner, Options{MaxAttempts: 2, RetryOn: []domain.ErrorKind{domain.KindData}})
	ctx := context.Background()
	first, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)

	require.NoError(t, f.pool.Drain(ctx))
	assert.Equal(t, 2, calls)

	failed, err := f.orch.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.State)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, domain.KindData, failed.Failure.Kind)

	jobs, err := f.orch.List(ctx, domain.JobSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ParentJobID)
	assert.Equal(t, 2, jobs[0].Attempt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.failures.WithLabelValues("data")))
}

func TestExecuteDoesNotRetryOtherKinds(t *testing.T) {
	runner := runnerFunc(func(context.Context, *domain.BacktestJob, func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		return nil, domain.Errorf(domain.KindRuntimeFault, "division by zero")
	})
	f := newFixture(t, runner, Options{MaxAttempts: 3, RetryOn: []domain.ErrorKind{domain.KindData}})
	ctx := context.Background()
	_, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	jobs, err := f.orch.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, domain.JobFailed, jobs[0].State)
}

func TestExecuteRecoversPanics(t *testing.T) {
	runner := runnerFunc(func(context.Context, *domain.BacktestJob, func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		var m map[string]int
		m["x"]++
		return nil, nil
	})
	f := newFixture(t, runner, Options{})
	ctx := context.Background()
	j, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)
	require.NoError(t, f.pool.Drain(ctx))

	got, err := f.orch.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, domain.KindRuntimeFault, got.Failure.Kind)
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	j, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)

	got, err := f.orch.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.State)

	ran, err := f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran)

	// Cancelling again is a no-op.
	got, err = f.orch.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.State)

	_, err = f.orch.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelRunningJobDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, j *domain.BacktestJob, cancelled func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		close(started)
		<-release
		if c, err := cancelled(ctx); err != nil || c {
			return nil, engine.ErrCancelled
		}
		return okResult(j), nil
	})
	f := newFixture(t, runner, Options{})
	ctx := context.Background()
	j, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.pool.RunOnce(ctx, "w1")
		assert.NoError(t, err)
	}()
	<-started
	_, err = f.orch.Cancel(ctx, j.ID)
	require.NoError(t, err)
	close(release)
	wg.Wait()

	got, err := f.orch.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.State)
	_, err = f.orch.Result(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManualRetry(t *testing.T) {
	runner := runnerFunc(func(context.Context, *domain.BacktestJob, func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		return nil, errors.New("boom")
	})
	f := newFixture(t, runner, Options{})
	ctx := context.Background()
	j, err := f.orch.Submit(ctx, request(f.strategy(t)))
	require.NoError(t, err)

	_, err = f.orch.Retry(ctx, j.ID)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err), "queued jobs cannot be retried")

	require.NoError(t, f.pool.Drain(ctx))
	next, err := f.orch.Retry(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, next.ParentJobID)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, domain.JobQueued, next.State)
	assert.NotEqual(t, j.ID, next.ID)
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	runner := runnerFunc(func(_ context.Context, j *domain.BacktestJob, _ func(context.Context) (bool, error)) (*domain.BacktestResult, error) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		return okResult(j), nil
	})
	f := newFixture(t, runner, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := f.strategy(t)
	for i := 0; i < 6; i++ {
		_, err := f.orch.Submit(ctx, request(st))
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()
	require.Eventually(t, func() bool {
		jobs, _ := f.orch.List(ctx, domain.JobSucceeded, 100)
		return len(jobs) == 6
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s ran %d times", id, n)
	}
}

func TestEndToEndWithEngine(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	var bars []domain.PriceBar
	days := util.NewTradingCalendar(nil).Sessions(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 40)
	for i, d := range days {
		p := decimal.NewFromFloat(50 + float64(i%10))
		bars = append(bars, domain.PriceBar{Symbol: "AAA", Date: d, Open: p, High: p.Add(decimal.NewFromInt(1)),
			Low: p.Sub(decimal.NewFromInt(1)), Close: p, Volume: 100})
	}
	require.NoError(t, mem.WriteBars(ctx, "us", bars))

	sb := sandbox.New(sandbox.Options{Registry: builtins.Registry(), Logger: util.Discard()})
	provider := series.NewProvider(mem, nil, series.Options{Market: "us", Logger: util.Discard()})
	eng := engine.New(mem, provider, sb, engine.Settings{PeriodsPerYear: 252}, util.Discard())
	orch := NewOrchestrator(mem, eng, sb, Options{
		Logger: util.Discard(),
		Defaults: Defaults{
			InitialCash: decimal.NewFromInt(10000),
			Commission:  domain.ModelSpec{Name: "fixed_plus_percent"},
			Slippage:    domain.ModelSpec{Name: "none"},
		},
	})
	pool := NewPool(mem, orch, 1, time.Millisecond, "e2e", util.Discard())

	st, _, err := orch.CreateStrategy(ctx, "", `kind: rules
name: dip
params:
  - {name: n, type: int, default: 3, min: 1}
indicators:
  - {name: lo, fn: lowest, period: n}
on_bar:
  - when: close <= lo && position == 0
    buy: 10
  - when: position > 0 && close > avg_cost
    sell: position
`)
	require.NoError(t, err)

	j, err := orch.Submit(ctx, &domain.BacktestJob{
		StrategyID: st.ID,
		Universe:   []string{"AAA"},
		Start:      days[0],
		End:        days[len(days)-1],
	})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	got, err := orch.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State, "%+v", got.Failure)

	res, err := orch.Result(ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, res.EquityCurve, 40)
	assert.NotEmpty(t, res.Trades)
	assert.Equal(t, len(res.Trades), res.Metrics.TradeCount)
	for _, p := range res.EquityCurve {
		assert.False(t, p.Cash.IsNegative())
	}
}
