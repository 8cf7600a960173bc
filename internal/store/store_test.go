package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(symbol string, date time.Time, o, c float64) domain.PriceBar {
	return domain.PriceBar{
		Symbol: symbol,
		Date:   date,
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(max(o, c) + 1),
		Low:    decimal.NewFromFloat(min(o, c) - 1),
		Close:  decimal.NewFromFloat(c),
		Volume: 1000,
	}
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.yearFile("us", "aapl", 2024)
	want := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != want {
		t.Errorf("yearFile mismatch:\n  got  %s\n  want %s", bp, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.PriceBar{
		bar("AAPL", day(2024, 1, 2), 185.0, 185.5),
		bar("AAPL", day(2024, 1, 3), 185.5, 186.0),
		bar("AAPL", day(2025, 1, 2), 190.0, 191.0),
	}
	if err := ps.WriteBars(ctx, "us", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "AAPL", "us", day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromFloat(185.5)) {
		t.Errorf("first bar Close = %v, want 185.5", got[0].Close)
	}
	if !got[1].Date.Equal(day(2024, 1, 3)) {
		t.Errorf("second bar Date = %v, want 2024-01-03", got[1].Date)
	}

	all, err := ps.ReadBars(ctx, "AAPL", "us", day(2024, 1, 1), day(2025, 12, 31))
	if err != nil {
		t.Fatalf("ReadBars across years: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ReadBars across years returned %d bars, want 3", len(all))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	if err := ps.WriteBars(ctx, "us", []domain.PriceBar{bar("MSFT", day(2024, 3, 1), 400, 403)}); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}
	// Same symbol and year merges rather than overwriting; the repeated date
	// takes the newer value.
	second := []domain.PriceBar{
		bar("MSFT", day(2024, 3, 1), 400, 404),
		bar("MSFT", day(2024, 3, 4), 403, 408),
	}
	if err := ps.WriteBars(ctx, "us", second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "MSFT", "us", day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(404)) {
		t.Errorf("merged close = %v, want 404", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.PriceBar{
		bar("GOOGL", day(2024, 1, 2), 140, 140.5),
		bar("AAPL", day(2024, 1, 2), 185, 185.5),
	}
	if err := ps.WriteBars(ctx, "us", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, "us")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "GOOGL" {
		t.Errorf("ListSymbols = %v, want [AAPL GOOGL]", symbols)
	}
}

func TestParquetStoreExportResult(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	res := &domain.BacktestResult{
		JobID: "job-1",
		EquityCurve: []domain.EquityPoint{
			{Date: day(2024, 1, 2), Equity: decimal.NewFromInt(100000), Cash: decimal.NewFromInt(100000)},
			{Date: day(2024, 1, 3), Equity: decimal.NewFromInt(100500), Cash: decimal.NewFromInt(50000), OpenPositions: 1},
		},
	}
	dir, err := ps.ExportResult(res)
	if err != nil {
		t.Fatalf("ExportResult: %v", err)
	}
	if dir != filepath.Join(ps.DataDir, "results", "job-1") {
		t.Errorf("export dir = %s", dir)
	}

	got, err := ps.ReadEquityExport("job-1")
	if err != nil {
		t.Fatalf("ReadEquityExport: %v", err)
	}
	if len(got) != 2 || got[1].Equity != 100500 || got[1].OpenPositions != 1 {
		t.Errorf("equity export = %+v", got)
	}
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})
	return s
}

// jobStore is the surface shared by SQLiteStore and MemoryStore.
type jobStore interface {
	SaveStrategy(ctx context.Context, st *domain.Strategy) error
	LoadStrategy(ctx context.Context, id string, version int) (*domain.Strategy, error)
	CreateJob(ctx context.Context, j *domain.BacktestJob) error
	GetJob(ctx context.Context, id string) (*domain.BacktestJob, error)
	ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.BacktestJob, error)
	ClaimNextJob(ctx context.Context, workerID string) (*domain.BacktestJob, error)
	UpdateJobState(ctx context.Context, id string, from, to domain.JobState, failure *domain.Failure) error
	RequestCancel(ctx context.Context, id string) (domain.JobState, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	SaveResult(ctx context.Context, r *domain.BacktestResult) error
	LoadResult(ctx context.Context, jobID string) (*domain.BacktestResult, error)
	WriteAdjustFactors(ctx context.Context, factors []domain.AdjustFactor) error
	BarStore
	AdjustFactorStore
}

func forEachStore(t *testing.T, fn func(t *testing.T, s jobStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func newJob(id string, created time.Time) *domain.BacktestJob {
	return &domain.BacktestJob{
		ID:              id,
		StrategyID:      "sma",
		StrategyVersion: 1,
		Params:          map[string]float64{"fast": 5},
		Universe:        []string{"AAPL"},
		Start:           day(2024, 1, 1),
		End:             day(2024, 6, 30),
		InitialCash:     decimal.NewFromInt(100000),
		Commission:      domain.ModelSpec{Name: "fixed", Params: map[string]string{"fee": "1"}},
		State:           domain.JobQueued,
		Attempt:         1,
		CreatedAt:       created,
	}
}

func TestStrategyVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s jobStore) {
		ctx := context.Background()
		for v := 1; v <= 2; v++ {
			st := &domain.Strategy{
				ID: "sma", Version: v, Name: "sma cross", Source: "kind: builtin",
				ParamSchema: []domain.ParamSpec{{Name: "fast", Type: domain.ParamInt, Default: float64(v)}},
				CreatedAt:   day(2024, 1, v),
			}
			if err := s.SaveStrategy(ctx, st); err != nil {
				t.Fatalf("SaveStrategy v%d: %v", v, err)
			}
		}
		err := s.SaveStrategy(ctx, &domain.Strategy{ID: "sma", Version: 1})
		if !errors.Is(err, ErrExists) {
			t.Errorf("SaveStrategy duplicate err = %v, want ErrExists", err)
		}

		latest, err := s.LoadStrategy(ctx, "sma", 0)
		if err != nil {
			t.Fatalf("LoadStrategy latest: %v", err)
		}
		if latest.Version != 2 {
			t.Errorf("latest version = %d, want 2", latest.Version)
		}
		v1, err := s.LoadStrategy(ctx, "sma", 1)
		if err != nil {
			t.Fatalf("LoadStrategy v1: %v", err)
		}
		if len(v1.ParamSchema) != 1 || v1.ParamSchema[0].Default != 1 {
			t.Errorf("v1 param schema = %+v", v1.ParamSchema)
		}
		if _, err := s.LoadStrategy(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadStrategy missing err = %v, want ErrNotFound", err)
		}
	})
}

func TestJobLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s jobStore) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b"} {
			if err := s.CreateJob(ctx, newJob(id, base.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("CreateJob %s: %v", id, err)
			}
		}
		if err := s.CreateJob(ctx, newJob("a", base)); !errors.Is(err, ErrExists) {
			t.Errorf("duplicate CreateJob err = %v, want ErrExists", err)
		}

		j, err := s.ClaimNextJob(ctx, "w1")
		if err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
		if j == nil || j.ID != "a" {
			t.Fatalf("claimed %+v, want job a", j)
		}
		if j.State != domain.JobRunning || j.WorkerID != "w1" || j.StartedAt == nil {
			t.Errorf("claimed job = state %s worker %q started %v", j.State, j.WorkerID, j.StartedAt)
		}
		if j.Params["fast"] != 5 || !j.InitialCash.Equal(decimal.NewFromInt(100000)) {
			t.Errorf("claimed job lost its body: %+v", j)
		}

		// Compare-and-set rejects a stale from-state.
		err = s.UpdateJobState(ctx, "a", domain.JobQueued, domain.JobSucceeded, nil)
		if !errors.Is(err, ErrStateConflict) {
			t.Errorf("stale UpdateJobState err = %v, want ErrStateConflict", err)
		}
		fail := &domain.Failure{Kind: domain.KindData, Message: "gap"}
		if err := s.UpdateJobState(ctx, "a", domain.JobRunning, domain.JobFailed, fail); err != nil {
			t.Fatalf("UpdateJobState: %v", err)
		}
		got, err := s.GetJob(ctx, "a")
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State != domain.JobFailed || got.Failure == nil || got.Failure.Kind != domain.KindData || got.FinishedAt == nil {
			t.Errorf("failed job = %+v", got)
		}
		if err := s.UpdateJobState(ctx, "missing", domain.JobRunning, domain.JobFailed, nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateJobState missing err = %v, want ErrNotFound", err)
		}

		// A queued job flagged for cancellation is never claimed.
		state, err := s.RequestCancel(ctx, "b")
		if err != nil {
			t.Fatalf("RequestCancel: %v", err)
		}
		if state != domain.JobQueued {
			t.Errorf("RequestCancel state = %s, want queued", state)
		}
		cancelled, err := s.IsCancelled(ctx, "b")
		if err != nil || !cancelled {
			t.Errorf("IsCancelled = %v, %v", cancelled, err)
		}
		next, err := s.ClaimNextJob(ctx, "w1")
		if err != nil || next != nil {
			t.Errorf("ClaimNextJob on drained queue = %+v, %v; want nil, nil", next, err)
		}

		// Cancelling a terminal job reports its state and leaves it alone.
		state, err = s.RequestCancel(ctx, "a")
		if err != nil || state != domain.JobFailed {
			t.Errorf("RequestCancel terminal = %s, %v", state, err)
		}

		failed, err := s.ListJobs(ctx, domain.JobFailed, 10)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != "a" {
			t.Errorf("ListJobs(failed) = %+v", failed)
		}
		all, err := s.ListJobs(ctx, "", 10)
		if err != nil {
			t.Fatalf("ListJobs all: %v", err)
		}
		if len(all) != 2 || all[0].ID != "b" {
			t.Errorf("ListJobs newest first = %v", all)
		}
	})
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s jobStore) {
		ctx := context.Background()
		const n = 20
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < n; i++ {
			if err := s.CreateJob(ctx, newJob(string(rune('a'+i)), base.Add(time.Duration(i)*time.Millisecond))); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.ClaimNextJob(ctx, "w")
					if err != nil {
						t.Errorf("ClaimNextJob: %v", err)
						return
					}
					if j == nil {
						return
					}
					mu.Lock()
					claimed[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != n {
			t.Errorf("claimed %d distinct jobs, want %d", len(claimed), n)
		}
		for id, c := range claimed {
			if c != 1 {
				t.Errorf("job %s claimed %d times", id, c)
			}
		}
	})
}

func TestResultsAreWriteOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s jobStore) {
		ctx := context.Background()
		ret := 0.05
		r := &domain.BacktestResult{
			JobID:       "job-1",
			InitialCash: decimal.NewFromInt(1000),
			EquityCurve: []domain.EquityPoint{{Date: day(2024, 1, 2), Equity: decimal.NewFromInt(1050)}},
			Metrics:     domain.Metrics{TotalReturn: 0.05, AnnualizedReturn: &ret, TradeCount: 1},
		}
		if err := s.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
		if err := s.SaveResult(ctx, r); !errors.Is(err, ErrExists) {
			t.Errorf("second SaveResult err = %v, want ErrExists", err)
		}
		got, err := s.LoadResult(ctx, "job-1")
		if err != nil {
			t.Fatalf("LoadResult: %v", err)
		}
		if got.Metrics.AnnualizedReturn == nil || *got.Metrics.AnnualizedReturn != 0.05 {
			t.Errorf("AnnualizedReturn = %v", got.Metrics.AnnualizedReturn)
		}
		if got.Metrics.Sharpe != nil {
			t.Errorf("undefined Sharpe round-tripped as %v", *got.Metrics.Sharpe)
		}
		if _, err := s.LoadResult(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadResult missing err = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStampsResultCreation(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Second)

	if err := s.SaveResult(ctx, &domain.BacktestResult{JobID: "job-1"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM results WHERE job_id = ?`, "job-1").Scan(&raw); err != nil {
		t.Fatalf("reading created_at: %v", err)
	}
	if created := parseTime(raw); created.Before(before) {
		t.Errorf("created_at = %v, want a time after %v", created, before)
	}
}

func TestBarsAndAdjustFactors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s jobStore) {
		ctx := context.Background()
		bars := []domain.PriceBar{
			bar("sh.600000", day(2024, 1, 3), 10.1, 10.2),
			bar("sh.600000", day(2024, 1, 2), 10.0, 10.1),
			bar("sz.000001", day(2024, 1, 2), 9.0, 9.1),
		}
		if err := s.WriteBars(ctx, "cn", bars); err != nil {
			t.Fatalf("WriteBars: %v", err)
		}
		got, err := s.ReadBars(ctx, "sh.600000", "cn", day(2024, 1, 1), day(2024, 1, 31))
		if err != nil {
			t.Fatalf("ReadBars: %v", err)
		}
		if len(got) != 2 || !got[0].Date.Equal(day(2024, 1, 2)) {
			t.Fatalf("ReadBars = %+v, want two bars ordered by date", got)
		}
		if !got[1].Close.Equal(decimal.NewFromFloat(10.2)) {
			t.Errorf("close = %v, want 10.2", got[1].Close)
		}

		symbols, err := s.ListSymbols(ctx, "cn")
		if err != nil {
			t.Fatalf("ListSymbols: %v", err)
		}
		if len(symbols) != 2 {
			t.Errorf("ListSymbols = %v", symbols)
		}

		factors := []domain.AdjustFactor{{
			Symbol: "sh.600000", Date: day(2024, 1, 3),
			Fore: decimal.NewFromFloat(0.5), Back: decimal.NewFromInt(2), Factor: decimal.NewFromInt(2),
		}}
		if err := s.WriteAdjustFactors(ctx, factors); err != nil {
			t.Fatalf("WriteAdjustFactors: %v", err)
		}
		f, err := s.ReadAdjustFactors(ctx, "sh.600000")
		if err != nil {
			t.Fatalf("ReadAdjustFactors: %v", err)
		}
		if len(f) != 1 || !f[0].Back.Equal(decimal.NewFromInt(2)) {
			t.Errorf("ReadAdjustFactors = %+v", f)
		}
	})
}
