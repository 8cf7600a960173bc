// Package series loads validated, immutable daily price series for a
// backtest universe from a BarStore.
package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"backtestd/internal/domain"
	"backtestd/internal/store"
	"backtestd/internal/util"
)

// Adjust selects how prices are restated for corporate actions.
type Adjust string

const (
	AdjustNone     Adjust = "none"
	AdjustForward  Adjust = "forward"
	AdjustBackward Adjust = "backward"
)

// ParseAdjust maps a config value to an Adjust mode.
func ParseAdjust(s string) (Adjust, error) {
	switch Adjust(strings.ToLower(s)) {
	case "", AdjustNone:
		return AdjustNone, nil
	case AdjustForward:
		return AdjustForward, nil
	case AdjustBackward:
		return AdjustBackward, nil
	}
	return "", fmt.Errorf("unknown price adjustment %q", s)
}

// Options configures a Provider.
type Options struct {
	Market      string
	Adjust      Adjust
	Concurrency int
	// Attempts bounds store reads per symbol; transient failures are retried.
	Attempts int
	Logger   *slog.Logger
}

// Provider implements the price series collaborator used by the job
// orchestrator.
type Provider struct {
	bars    store.BarStore
	factors store.AdjustFactorStore
	opts    Options
}

// NewProvider creates a Provider. factors may be nil when Adjust is none.
func NewProvider(bars store.BarStore, factors store.AdjustFactorStore, opts Options) *Provider {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Adjust == "" {
		opts.Adjust = AdjustNone
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{bars: bars, factors: factors, opts: opts}
}

// LoadPriceSeries returns the bars for each symbol within [start, end]. Every
// returned slice is a fresh copy owned by the caller. A symbol with no bars in
// range maps to an empty slice. Any series that breaks the ordering or
// positivity invariants fails the whole load with a data error.
func (p *Provider) LoadPriceSeries(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.PriceBar, error) {
	if len(symbols) == 0 {
		return nil, domain.Errorf(domain.KindConfiguration, "empty universe")
	}
	if end.Before(start) {
		return nil, domain.Errorf(domain.KindConfiguration, "end %s before start %s",
			end.Format(domain.DateLayout), start.Format(domain.DateLayout))
	}
	if p.opts.Adjust != AdjustNone && p.factors == nil {
		return nil, domain.Errorf(domain.KindConfiguration, "%s adjustment requires an adjust factor store", p.opts.Adjust)
	}

	results := make([][]domain.PriceBar, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			bars, err := p.load(gctx, sym, start, end)
			if err != nil {
				return err
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]domain.PriceBar, len(symbols))
	total := 0
	for i, sym := range symbols {
		out[sym] = results[i]
		total += len(results[i])
	}
	p.opts.Logger.Debug("price series loaded", "symbols", len(symbols), "bars", total,
		"start", start.Format(domain.DateLayout), "end", end.Format(domain.DateLayout))
	return out, nil
}

func (p *Provider) load(ctx context.Context, symbol string, start, end time.Time) ([]domain.PriceBar, error) {
	var raw []domain.PriceBar
	err := util.Retry(ctx, p.opts.Attempts, 100*time.Millisecond, func() error {
		var err error
		raw, err = p.bars.ReadBars(ctx, symbol, p.opts.Market, start, end)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindData, fmt.Sprintf("reading bars for %s", symbol), err)
	}

	bars := make([]domain.PriceBar, len(raw))
	for i, b := range raw {
		b.Symbol = symbol
		b.Date = dateOnly(b.Date)
		bars[i] = b
	}
	if err := Validate(symbol, bars); err != nil {
		return nil, err
	}

	if p.opts.Adjust != AdjustNone {
		factors, err := p.factors.ReadAdjustFactors(ctx, symbol)
		if err != nil {
			return nil, domain.Wrap(domain.KindData, fmt.Sprintf("reading adjust factors for %s", symbol), err)
		}
		bars = Apply(bars, factors, p.opts.Adjust)
	}
	return bars, nil
}

// Validate checks that bars are strictly increasing by date and that every
// price is positive.
func Validate(symbol string, bars []domain.PriceBar) error {
	for i, b := range bars {
		if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
			return domain.Errorf(domain.KindData, "%s %s: non-positive price", symbol, b.Date.Format(domain.DateLayout))
		}
		if i == 0 {
			continue
		}
		prev := bars[i-1].Date
		switch {
		case b.Date.Equal(prev):
			return domain.Errorf(domain.KindData, "%s %s: duplicate bar", symbol, b.Date.Format(domain.DateLayout))
		case b.Date.Before(prev):
			return domain.Errorf(domain.KindData, "%s %s: bars out of order", symbol, b.Date.Format(domain.DateLayout))
		}
	}
	return nil
}

// Apply restates prices with the factor in force on each bar's date: the
// latest factor dated on or before the bar. Bars before the first factor are
// left unchanged. factors must be sorted by date.
func Apply(bars []domain.PriceBar, factors []domain.AdjustFactor, mode Adjust) []domain.PriceBar {
	if mode == AdjustNone || len(factors) == 0 {
		return bars
	}
	sorted := append([]domain.AdjustFactor(nil), factors...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	out := make([]domain.PriceBar, len(bars))
	k := -1
	for i, b := range bars {
		for k+1 < len(sorted) && !dateOnly(sorted[k+1].Date).After(b.Date) {
			k++
		}
		out[i] = b
		if k < 0 {
			continue
		}
		f := sorted[k].Fore
		if mode == AdjustBackward {
			f = sorted[k].Back
		}
		if !f.IsPositive() {
			continue
		}
		out[i].Open = scale(b.Open, f)
		out[i].High = scale(b.High, f)
		out[i].Low = scale(b.Low, f)
		out[i].Close = scale(b.Close, f)
	}
	return out
}

func scale(p, f decimal.Decimal) decimal.Decimal {
	return p.Mul(f).Round(4)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
