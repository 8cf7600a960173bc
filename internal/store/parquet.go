package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

var _ BarStore = (*ParquetStore)(nil)

// ParquetStore keeps daily bars as one Parquet file per symbol and calendar
// year, and exports finished results for offline analysis:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//	<DataDir>/results/<jobID>/{equity,trades}.parquet
type ParquetStore struct {
	DataDir string
}

func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the on-disk row of a bar file.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

func barRecordOf(b domain.PriceBar) BarRecord {
	return BarRecord{
		Symbol:    strings.ToUpper(b.Symbol),
		Timestamp: b.Date.UnixMilli(),
		Open:      b.Open.InexactFloat64(),
		High:      b.High.InexactFloat64(),
		Low:       b.Low.InexactFloat64(),
		Close:     b.Close.InexactFloat64(),
		Volume:    b.Volume,
	}
}

func (r BarRecord) bar() domain.PriceBar {
	return domain.PriceBar{
		Symbol: r.Symbol,
		Date:   time.UnixMilli(r.Timestamp).UTC(),
		Open:   decimal.NewFromFloat(r.Open),
		High:   decimal.NewFromFloat(r.High),
		Low:    decimal.NewFromFloat(r.Low),
		Close:  decimal.NewFromFloat(r.Close),
		Volume: r.Volume,
	}
}

// EquityRecord is one exported equity curve row.
type EquityRecord struct {
	JobID         string  `parquet:"job_id"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity        float64 `parquet:"equity"`
	Cash          float64 `parquet:"cash"`
	OpenPositions int32   `parquet:"open_positions"`
}

// TradeRecord is one exported round-trip trade.
type TradeRecord struct {
	JobID      string  `parquet:"job_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Qty        float64 `parquet:"qty"`
	EntryTime  int64   `parquet:"entry_time,timestamp(millisecond)"`
	EntryPrice float64 `parquet:"entry_price"`
	ExitTime   int64   `parquet:"exit_time,timestamp(millisecond)"`
	ExitPrice  float64 `parquet:"exit_price"`
	Commission float64 `parquet:"commission"`
	PnL        float64 `parquet:"pnl"`
}

// WriteBars upserts bars into their symbol/year files. A bar for a date that
// is already stored replaces the stored one.
func (s *ParquetStore) WriteBars(_ context.Context, market string, bars []domain.PriceBar) error {
	files := make(map[string][]BarRecord)
	for _, b := range bars {
		path := s.yearFile(market, b.Symbol, b.Date.Year())
		files[path] = append(files[path], barRecordOf(b))
	}

	for path, incoming := range files {
		stored, err := loadRows[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		if err := saveRows(path, upsertByTime(stored, incoming)); err != nil {
			return fmt.Errorf("saving %s: %w", path, err)
		}
	}
	return nil
}

// ReadBars returns the stored bars of symbol within [start, end] in date
// order. Years with no file contribute nothing.
func (s *ParquetStore) ReadBars(_ context.Context, symbol, market string, start, end time.Time) ([]domain.PriceBar, error) {
	var out []domain.PriceBar
	for year := start.Year(); year <= end.Year(); year++ {
		path := s.yearFile(market, symbol, year)
		rows, err := loadRows[BarRecord](path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		for _, r := range rows {
			if b := r.bar(); inRange(b.Date, start, end) {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

// ListSymbols returns the symbols holding at least one bar file, sorted.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	root := filepath.Join(s.DataDir, market, "daily")
	dirs, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, _ := filepath.Glob(filepath.Join(root, d.Name(), "*.parquet"))
		if len(files) > 0 {
			out = append(out, d.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// ExportResult writes the equity curve and trade log of res and returns the
// directory holding them.
func (s *ParquetStore) ExportResult(res *domain.BacktestResult) (string, error) {
	dir := s.exportDir(res.JobID)

	equity := make([]EquityRecord, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		equity = append(equity, EquityRecord{
			JobID:         res.JobID,
			Timestamp:     p.Date.UnixMilli(),
			Equity:        p.Equity.InexactFloat64(),
			Cash:          p.Cash.InexactFloat64(),
			OpenPositions: int32(p.OpenPositions),
		})
	}
	if err := saveRows(filepath.Join(dir, "equity.parquet"), equity); err != nil {
		return "", fmt.Errorf("exporting equity curve: %w", err)
	}

	trades := make([]TradeRecord, 0, len(res.Trades))
	for _, t := range res.Trades {
		trades = append(trades, TradeRecord{
			JobID:      res.JobID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Qty:        t.Qty.InexactFloat64(),
			EntryTime:  t.EntryDate.UnixMilli(),
			EntryPrice: t.EntryPrice.InexactFloat64(),
			ExitTime:   t.ExitDate.UnixMilli(),
			ExitPrice:  t.ExitPrice.InexactFloat64(),
			Commission: t.Commission.InexactFloat64(),
			PnL:        t.PnL.InexactFloat64(),
		})
	}
	if err := saveRows(filepath.Join(dir, "trades.parquet"), trades); err != nil {
		return "", fmt.Errorf("exporting trades: %w", err)
	}
	return dir, nil
}

// ReadEquityExport reads back an exported equity curve.
func (s *ParquetStore) ReadEquityExport(jobID string) ([]EquityRecord, error) {
	return loadRows[EquityRecord](filepath.Join(s.exportDir(jobID), "equity.parquet"))
}

func (s *ParquetStore) yearFile(market, symbol string, year int) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

func (s *ParquetStore) exportDir(jobID string) string {
	return filepath.Join(s.DataDir, "results", jobID)
}

func saveRows[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, rows)
}

func loadRows[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// upsertByTime combines the rows of one symbol file. Incoming rows win on
// equal timestamps and the result is in time order.
func upsertByTime(stored, incoming []BarRecord) []BarRecord {
	byTime := make(map[int64]int, len(stored)+len(incoming))
	out := make([]BarRecord, 0, len(stored)+len(incoming))
	for _, rows := range [][]BarRecord{stored, incoming} {
		for _, r := range rows {
			if i, ok := byTime[r.Timestamp]; ok {
				out[i] = r
				continue
			}
			byTime[r.Timestamp] = len(out)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b BarRecord) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}
