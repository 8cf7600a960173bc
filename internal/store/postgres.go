package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*PostgresBarStore)(nil)
var _ AdjustFactorStore = (*PostgresBarStore)(nil)

// PostgresBarStore reads daily bars and adjustment factors from the
// daily_k_data / adjust_factor / stock_basic tables of a Postgres market
// database.
type PostgresBarStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBarStore connects to the database at url.
func NewPostgresBarStore(ctx context.Context, url string) (*PostgresBarStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBarStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresBarStore) Close() { s.pool.Close() }

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_basic (
		code VARCHAR(20) PRIMARY KEY,
		code_name VARCHAR(100),
		ipo_date DATE,
		out_date DATE,
		stock_type INTEGER,
		status INTEGER,
		exchange VARCHAR(10)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_k_data (
		id BIGSERIAL PRIMARY KEY,
		date DATE NOT NULL,
		code VARCHAR(20) NOT NULL,
		open NUMERIC(12, 4),
		high NUMERIC(12, 4),
		low NUMERIC(12, 4),
		close NUMERIC(12, 4),
		preclose NUMERIC(12, 4),
		volume BIGINT,
		amount NUMERIC(18, 2),
		trade_status INTEGER,
		pct_chg NUMERIC(8, 4),
		UNIQUE(code, date)
	)`,
	`CREATE TABLE IF NOT EXISTS adjust_factor (
		id BIGSERIAL PRIMARY KEY,
		code VARCHAR(20) NOT NULL,
		divid_operate_date DATE,
		fore_adjust_factor NUMERIC(12, 6),
		back_adjust_factor NUMERIC(12, 6),
		adjust_factor NUMERIC(12, 6),
		UNIQUE(code, divid_operate_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_daily_k_code ON daily_k_data(code)`,
	`CREATE INDEX IF NOT EXISTS idx_adjust_factor_code ON adjust_factor(code)`,
}

// EnsureSchema creates the market tables when they are missing.
func (s *PostgresBarStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// WriteBars inserts bars in one batch, ignoring rows that already exist.
func (s *PostgresBarStore) WriteBars(ctx context.Context, _ string, bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO daily_k_data (date, code, open, high, low, close, volume)
			 VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
			 ON CONFLICT (code, date) DO NOTHING`,
			b.Date, b.Symbol, b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range bars {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("inserting bars: %w", err)
		}
	}
	return br.Close()
}

// ReadBars returns trading-day bars for symbol within [start, end].
func (s *PostgresBarStore) ReadBars(ctx context.Context, symbol, _ string, start, end time.Time) ([]domain.PriceBar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, open::text, high::text, low::text, close::text, COALESCE(volume, 0)
		 FROM daily_k_data
		 WHERE code = $1 AND date BETWEEN $2 AND $3 AND COALESCE(trade_status, 1) = 1
		   AND open IS NOT NULL AND close IS NOT NULL
		 ORDER BY date`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("selecting bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var (
			date       time.Time
			o, h, l, c string
		)
		b := domain.PriceBar{Symbol: symbol}
		if err := rows.Scan(&date, &o, &h, &l, &c, &b.Volume); err != nil {
			return nil, err
		}
		b.Date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
		if err := parseDecimals([]string{o, h, l, c}, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, fmt.Errorf("parsing prices for %s: %w", symbol, err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols returns all codes from stock_basic.
func (s *PostgresBarStore) ListSymbols(ctx context.Context, _ string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT code FROM stock_basic ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ReadAdjustFactors returns adjustment factors for symbol ordered by date.
func (s *PostgresBarStore) ReadAdjustFactors(ctx context.Context, symbol string) ([]domain.AdjustFactor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT divid_operate_date,
		        COALESCE(fore_adjust_factor, 1)::text,
		        COALESCE(back_adjust_factor, 1)::text,
		        COALESCE(adjust_factor, 1)::text
		 FROM adjust_factor
		 WHERE code = $1 AND divid_operate_date IS NOT NULL
		 ORDER BY divid_operate_date`, symbol)
	if err != nil {
		return nil, fmt.Errorf("selecting adjust factors: %w", err)
	}
	defer rows.Close()

	var out []domain.AdjustFactor
	for rows.Next() {
		var (
			date              time.Time
			fore, back, total string
		)
		if err := rows.Scan(&date, &fore, &back, &total); err != nil {
			return nil, err
		}
		f := domain.AdjustFactor{Symbol: symbol, Date: time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)}
		if f.Fore, err = decimal.NewFromString(fore); err != nil {
			return nil, err
		}
		if f.Back, err = decimal.NewFromString(back); err != nil {
			return nil, err
		}
		if f.Factor, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
