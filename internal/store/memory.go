package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"backtestd/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*MemoryStore)(nil)
var _ AdjustFactorStore = (*MemoryStore)(nil)

// MemoryStore is an in-process implementation of every store the engine
// uses. It backs one-shot CLI runs and tests.
type MemoryStore struct {
	mu         sync.Mutex
	strategies map[string][]domain.Strategy // id -> versions in order
	jobs       map[string]*domain.BacktestJob
	queue      []string // job IDs in submission order
	results    map[string]*domain.BacktestResult
	bars       map[string][]domain.PriceBar // market/SYMBOL -> bars
	factors    map[string][]domain.AdjustFactor
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string][]domain.Strategy),
		jobs:       make(map[string]*domain.BacktestJob),
		results:    make(map[string]*domain.BacktestResult),
		bars:       make(map[string][]domain.PriceBar),
		factors:    make(map[string][]domain.AdjustFactor),
	}
}

// SaveStrategy stores a new strategy version.
func (m *MemoryStore) SaveStrategy(_ context.Context, st *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.strategies[st.ID] {
		if v.Version == st.Version {
			return fmt.Errorf("strategy %s v%d: %w", st.ID, st.Version, ErrExists)
		}
	}
	m.strategies[st.ID] = append(m.strategies[st.ID], *st)
	return nil
}

// LoadStrategy returns a specific version, or the latest when version is 0.
func (m *MemoryStore) LoadStrategy(_ context.Context, id string, version int) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Strategy
	for i := range m.strategies[id] {
		v := m.strategies[id][i]
		if (version == 0 && (found == nil || v.Version > found.Version)) || v.Version == version {
			found = &v
		}
	}
	if found == nil {
		return nil, fmt.Errorf("strategy %s v%d: %w", id, version, ErrNotFound)
	}
	return found, nil
}

// CreateJob stores a new job.
func (m *MemoryStore) CreateJob(_ context.Context, j *domain.BacktestJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrExists)
	}
	m.jobs[j.ID] = j.Clone()
	m.queue = append(m.queue, j.ID)
	return nil
}

// GetJob returns a copy of the job.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*domain.BacktestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

// ListJobs returns up to limit jobs, newest first.
func (m *MemoryStore) ListJobs(_ context.Context, state domain.JobState, limit int) ([]domain.BacktestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.BacktestJob
	for i := len(m.queue) - 1; i >= 0 && len(out) < limit; i-- {
		j := m.jobs[m.queue[i]]
		if state == "" || j.State == state {
			out = append(out, *j.Clone())
		}
	}
	return out, nil
}

// ClaimNextJob moves the oldest queued job to running.
func (m *MemoryStore) ClaimNextJob(_ context.Context, workerID string) (*domain.BacktestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.queue {
		j := m.jobs[id]
		if j.State != domain.JobQueued || j.CancelRequested {
			continue
		}
		now := time.Now().UTC()
		j.State = domain.JobRunning
		j.WorkerID = workerID
		j.StartedAt = &now
		return j.Clone(), nil
	}
	return nil, nil
}

// UpdateJobState applies a compare-and-set state change.
func (m *MemoryStore) UpdateJobState(_ context.Context, id string, from, to domain.JobState, failure *domain.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.State != from {
		return fmt.Errorf("job %s not %s: %w", id, from, ErrStateConflict)
	}
	j.State = to
	if failure != nil {
		f := *failure
		j.Failure = &f
	}
	if to.Terminal() {
		now := time.Now().UTC()
		j.FinishedAt = &now
	}
	return nil
}

// RequestCancel flags a non-terminal job and returns its state.
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (domain.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !j.State.Terminal() {
		j.CancelRequested = true
	}
	return j.State, nil
}

// IsCancelled reports whether cancellation was requested.
func (m *MemoryStore) IsCancelled(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.CancelRequested, nil
}

// SaveResult stores a result once.
func (m *MemoryStore) SaveResult(_ context.Context, r *domain.BacktestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.JobID]; ok {
		return fmt.Errorf("result %s: %w", r.JobID, ErrExists)
	}
	cp := *r
	m.results[r.JobID] = &cp
	return nil
}

// LoadResult returns the stored result for a job.
func (m *MemoryStore) LoadResult(_ context.Context, jobID string) (*domain.BacktestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", jobID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func barKey(market, symbol string) string { return market + "/" + strings.ToUpper(symbol) }

// WriteBars merges bars by date, newest write winning.
func (m *MemoryStore) WriteBars(_ context.Context, market string, bars []domain.PriceBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		k := barKey(market, b.Symbol)
		series := m.bars[k]
		replaced := false
		for i := range series {
			if series[i].Date.Equal(b.Date) {
				series[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			series = append(series, b)
		}
		sort.SliceStable(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		m.bars[k] = series
	}
	return nil
}

// PutRawBars stores bars exactly as given, without sorting or merging. Tests
// use it to simulate a misbehaving data source.
func (m *MemoryStore) PutRawBars(market, symbol string, bars []domain.PriceBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[barKey(market, symbol)] = append([]domain.PriceBar(nil), bars...)
}

// ReadBars returns a copy of the bars within [start, end].
func (m *MemoryStore) ReadBars(_ context.Context, symbol, market string, start, end time.Time) ([]domain.PriceBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PriceBar
	for _, b := range m.bars[barKey(market, symbol)] {
		if inRange(b.Date, start, end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListSymbols returns the symbols stored for market.
func (m *MemoryStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.bars {
		if sym, ok := strings.CutPrefix(k, market+"/"); ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

// WriteAdjustFactors stores factors for their symbols.
func (m *MemoryStore) WriteAdjustFactors(_ context.Context, factors []domain.AdjustFactor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range factors {
		m.factors[f.Symbol] = append(m.factors[f.Symbol], f)
		fs := m.factors[f.Symbol]
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Date.Before(fs[j].Date) })
	}
	return nil
}

// ReadAdjustFactors returns factors for symbol ordered by date.
func (m *MemoryStore) ReadAdjustFactors(_ context.Context, symbol string) ([]domain.AdjustFactor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AdjustFactor(nil), m.factors[symbol]...), nil
}
