package us

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// maxSymbolLen matches the universe validation applied to backtest jobs.
const maxSymbolLen = 32

// LoadCSVSymbols reads the first column ("symbol") from a CSV file and returns
// the normalized symbols found. The file must have a header row.
func LoadCSVSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var raw []string
	header := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV %s: %w", path, err)
		}
		if header {
			header = false
			continue
		}
		if len(row) > 0 {
			raw = append(raw, row[0])
		}
	}
	return NormalizeSymbols(raw)
}

// NormalizeSymbols upper-cases, trims and deduplicates symbols and returns
// them sorted. Blank entries are skipped; over-long entries are an error.
func NormalizeSymbols(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if len(sym) > maxSymbolLen {
			return nil, fmt.Errorf("symbol %q longer than %d characters", sym, maxSymbolLen)
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}
