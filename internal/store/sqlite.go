package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ AdjustFactorStore = (*SQLiteStore)(nil)

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore persists strategies, jobs, results and daily price data in a
// single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers, which makes job claims atomic
	// without relying on SQLite lock retries.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS strategies (
		id           TEXT NOT NULL,
		version      INTEGER NOT NULL,
		name         TEXT NOT NULL,
		source       TEXT NOT NULL,
		param_schema TEXT NOT NULL,
		indicators   TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		strategy_id      TEXT NOT NULL,
		strategy_version INTEGER NOT NULL,
		body             TEXT NOT NULL,
		state            TEXT NOT NULL,
		failure_kind     TEXT,
		failure_message  TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		parent_job_id    TEXT,
		attempt          INTEGER NOT NULL DEFAULT 1,
		worker_id        TEXT,
		created_at       TEXT NOT NULL,
		started_at       TEXT,
		finished_at      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at)`,
	`CREATE TABLE IF NOT EXISTS results (
		job_id     TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_basic (
		code       TEXT PRIMARY KEY,
		code_name  TEXT,
		ipo_date   TEXT,
		out_date   TEXT,
		stock_type INTEGER,
		status     INTEGER,
		exchange   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS daily_k_data (
		date         TEXT NOT NULL,
		code         TEXT NOT NULL,
		open         TEXT NOT NULL,
		high         TEXT NOT NULL,
		low          TEXT NOT NULL,
		close        TEXT NOT NULL,
		preclose     TEXT,
		volume       INTEGER,
		amount       TEXT,
		trade_status INTEGER,
		pct_chg      TEXT,
		UNIQUE(code, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_daily_k_date ON daily_k_data(date)`,
	`CREATE TABLE IF NOT EXISTS adjust_factor (
		code               TEXT NOT NULL,
		divid_operate_date TEXT NOT NULL,
		fore_adjust_factor TEXT,
		back_adjust_factor TEXT,
		adjust_factor      TEXT,
		UNIQUE(code, divid_operate_date)
	)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// SaveStrategy inserts a new strategy version. Existing versions are never
// overwritten.
func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *domain.Strategy) error {
	params, err := json.Marshal(st.ParamSchema)
	if err != nil {
		return fmt.Errorf("encoding param schema: %w", err)
	}
	inds, err := json.Marshal(st.Indicators)
	if err != nil {
		return fmt.Errorf("encoding indicators: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO strategies (id, version, name, source, param_schema, indicators, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Version, st.Name, st.Source, string(params), string(inds), formatTime(st.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("strategy %s v%d: %w", st.ID, st.Version, ErrExists)
		}
		return fmt.Errorf("inserting strategy: %w", err)
	}
	return nil
}

// LoadStrategy returns a specific strategy version. Version 0 selects the
// latest.
func (s *SQLiteStore) LoadStrategy(ctx context.Context, id string, version int) (*domain.Strategy, error) {
	q := `SELECT id, version, name, source, param_schema, indicators, created_at
	      FROM strategies WHERE id = ? AND version = ?`
	args := []any{id, version}
	if version == 0 {
		q = `SELECT id, version, name, source, param_schema, indicators, created_at
		     FROM strategies WHERE id = ? ORDER BY version DESC LIMIT 1`
		args = []any{id}
	}

	var (
		st                      domain.Strategy
		params, inds, createdAt string
	)
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&st.ID, &st.Version, &st.Name, &st.Source, &params, &inds, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("strategy %s v%d: %w", id, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &st.ParamSchema); err != nil {
		return nil, fmt.Errorf("decoding param schema: %w", err)
	}
	if err := json.Unmarshal([]byte(inds), &st.Indicators); err != nil {
		return nil, fmt.Errorf("decoding indicators: %w", err)
	}
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

const jobColumns = `body, state, failure_kind, failure_message, cancel_requested, worker_id, started_at, finished_at`

// CreateJob inserts a new job.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *domain.BacktestJob) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, strategy_id, strategy_version, body, state, cancel_requested,
		                   parent_job_id, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.StrategyID, j.StrategyVersion, string(body), string(j.State), boolInt(j.CancelRequested),
		nullString(j.ParentJobID), j.Attempt, formatTime(j.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", j.ID, ErrExists)
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.BacktestJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ListJobs returns up to limit jobs, newest first. An empty state lists all.
func (s *SQLiteStore) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]domain.BacktestJob, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.BacktestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimNextJob atomically moves the oldest queued job to running and returns
// it. It returns (nil, nil) when the queue is empty.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*domain.BacktestJob, error) {
	now := formatTime(time.Now().UTC())
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?, worker_id = ?, started_at = ?
		 WHERE id = (
		     SELECT id FROM jobs WHERE state = ? AND cancel_requested = 0
		     ORDER BY created_at, rowid LIMIT 1
		 ) AND state = ?
		 RETURNING `+jobColumns,
		string(domain.JobRunning), workerID, now,
		string(domain.JobQueued), string(domain.JobQueued))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

// UpdateJobState moves job id from one state to another. It fails with
// ErrStateConflict when the job is not currently in from.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, id string, from, to domain.JobState, failure *domain.Failure) error {
	var kind, msg sql.NullString
	if failure != nil {
		kind = sql.NullString{String: string(failure.Kind), Valid: true}
		msg = sql.NullString{String: failure.Message, Valid: true}
	}
	var finished sql.NullString
	if to.Terminal() {
		finished = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, failure_kind = ?, failure_message = ?, finished_at = COALESCE(?, finished_at)
		 WHERE id = ? AND state = ?`,
		string(to), kind, msg, finished, id, string(from))
	if err != nil {
		return fmt.Errorf("updating job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s not %s: %w", id, from, ErrStateConflict)
	}
	return nil
}

// RequestCancel flags a non-terminal job for cancellation and returns its
// current state.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (domain.JobState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND state IN (?, ?) RETURNING state`,
		id, string(domain.JobQueued), string(domain.JobRunning)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		j, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return "", gerr
		}
		return j.State, nil
	}
	if err != nil {
		return "", fmt.Errorf("requesting cancel: %w", err)
	}
	return domain.JobState(state), nil
}

// IsCancelled reports whether cancellation was requested for job id.
func (s *SQLiteStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.BacktestJob, error) {
	var (
		body, state               string
		failKind, failMsg, worker sql.NullString
		started, finished         sql.NullString
		cancel                    int
	)
	if err := row.Scan(&body, &state, &failKind, &failMsg, &cancel, &worker, &started, &finished); err != nil {
		return nil, err
	}
	var j domain.BacktestJob
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	// Lifecycle columns are authoritative over the body snapshot.
	j.State = domain.JobState(state)
	j.CancelRequested = cancel != 0
	j.WorkerID = worker.String
	j.Failure = nil
	if failKind.Valid {
		j.Failure = &domain.Failure{Kind: domain.ErrorKind(failKind.String), Message: failMsg.String}
	}
	j.StartedAt = parseTimePtr(started)
	j.FinishedAt = parseTimePtr(finished)
	return &j, nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// SaveResult stores a result stamped with the current time. Results are
// write-once.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *domain.BacktestResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, body, created_at) VALUES (?, ?, ?)`,
		r.JobID, string(body), formatTime(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("result %s: %w", r.JobID, ErrExists)
		}
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// LoadResult returns the result for a job.
func (s *SQLiteStore) LoadResult(ctx context.Context, jobID string) (*domain.BacktestResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM results WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r domain.BacktestResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// BarStore implementation (daily_k_data)
// ---------------------------------------------------------------------------

// WriteBars upserts bars into daily_k_data. The market is implied by the
// symbol code (e.g. "sh.600000") and is not stored.
func (s *SQLiteStore) WriteBars(ctx context.Context, _ string, bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO daily_k_data (date, code, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code, date) DO UPDATE SET
		     open = excluded.open, high = excluded.high, low = excluded.low,
		     close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Date.Format(domain.DateLayout), b.Symbol,
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume); err != nil {
			return fmt.Errorf("inserting bar %s %s: %w", b.Symbol, b.Date.Format(domain.DateLayout), err)
		}
	}
	return tx.Commit()
}

// ReadBars returns bars for symbol within [start, end] ordered by date. Rows
// with a non-trading status are skipped.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol, _ string, start, end time.Time) ([]domain.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, open, high, low, close, COALESCE(volume, 0)
		 FROM daily_k_data
		 WHERE code = ? AND date >= ? AND date <= ? AND COALESCE(trade_status, 1) = 1
		 ORDER BY date`,
		symbol, start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("selecting bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var date, o, h, l, c string
		b := domain.PriceBar{Symbol: symbol}
		if err := rows.Scan(&date, &o, &h, &l, &c, &b.Volume); err != nil {
			return nil, err
		}
		if b.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing date %q for %s: %w", date, symbol, err)
		}
		if err := parseDecimals([]string{o, h, l, c}, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, fmt.Errorf("parsing prices for %s %s: %w", symbol, date, err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols returns symbols from stock_basic, falling back to the distinct
// codes present in daily_k_data.
func (s *SQLiteStore) ListSymbols(ctx context.Context, _ string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code FROM stock_basic UNION SELECT DISTINCT code FROM daily_k_data ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		symbols = append(symbols, code)
	}
	return symbols, rows.Err()
}

// WriteAdjustFactors upserts adjustment factors.
func (s *SQLiteStore) WriteAdjustFactors(ctx context.Context, factors []domain.AdjustFactor) error {
	for _, f := range factors {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO adjust_factor (code, divid_operate_date, fore_adjust_factor, back_adjust_factor, adjust_factor)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (code, divid_operate_date) DO NOTHING`,
			f.Symbol, f.Date.Format(domain.DateLayout), f.Fore.String(), f.Back.String(), f.Factor.String())
		if err != nil {
			return fmt.Errorf("inserting adjust factor %s: %w", f.Symbol, err)
		}
	}
	return nil
}

// ReadAdjustFactors returns the factors for symbol ordered by date.
func (s *SQLiteStore) ReadAdjustFactors(ctx context.Context, symbol string) ([]domain.AdjustFactor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT divid_operate_date, COALESCE(fore_adjust_factor, '1'), COALESCE(back_adjust_factor, '1'),
		        COALESCE(adjust_factor, '1')
		 FROM adjust_factor WHERE code = ? ORDER BY divid_operate_date`, symbol)
	if err != nil {
		return nil, fmt.Errorf("selecting adjust factors: %w", err)
	}
	defer rows.Close()

	var out []domain.AdjustFactor
	for rows.Next() {
		var date, fore, back, factor string
		if err := rows.Scan(&date, &fore, &back, &factor); err != nil {
			return nil, err
		}
		f := domain.AdjustFactor{Symbol: symbol}
		if f.Date, err = time.Parse(domain.DateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing factor date %q: %w", date, err)
		}
		if err := parseDecimals([]string{fore, back, factor}, &f.Fore, &f.Back, &f.Factor); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
