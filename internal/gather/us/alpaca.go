package us

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"backtestd/internal/domain"
	"backtestd/internal/gather"
	"backtestd/internal/store"
	"backtestd/internal/util"
)

const dateLayout = "2006-01-02"

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// BarFetcher is the subset of the Alpaca market data client used for daily
// bars. *marketdata.Client satisfies it.
type BarFetcher interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// NewBarFetcher returns an Alpaca market data client.
func NewBarFetcher(apiKey, apiSecret, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// DailyBarOptions configures a DailyBarGatherer.
type DailyBarOptions struct {
	Market  string
	Symbols []string
	Range   gather.DateRange
	// Calendar resolves the end date when Range.End is zero.
	Calendar        CalendarClient
	Feed            string
	BatchSize       int
	MaxWorkers      int
	RateLimitPerMin int
	// ProgressDir enables resuming an interrupted run. Empty disables it.
	ProgressDir string
	Logger      *slog.Logger
}

// DailyBarGatherer fetches daily OHLCV bars for a symbol list from the Alpaca
// market data API and writes them to a BarStore. Re-running it for the same
// end date skips symbols already ingested.
type DailyBarGatherer struct {
	client  BarFetcher
	store   store.BarStore
	opts    DailyBarOptions
	limiter *util.RateLimiter
	now     func() time.Time
	log     *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer writing into s.
func NewDailyBarGatherer(client BarFetcher, s store.BarStore, opts DailyBarOptions) *DailyBarGatherer {
	if opts.Market == "" {
		opts.Market = "us"
	}
	if opts.Feed == "" {
		opts.Feed = "sip"
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.RateLimitPerMin < 1 {
		opts.RateLimitPerMin = 200
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyBarGatherer{
		client:  client,
		store:   s,
		opts:    opts,
		limiter: util.NewBurstRateLimiter(opts.RateLimitPerMin, opts.MaxWorkers),
		now:     time.Now,
		log:     logger.With("gatherer", "alpaca-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "alpaca-daily" }

// Run fetches bars for every configured symbol in batches. A batch that
// keeps failing after retries fails the run; symbols ingested before the
// failure are not fetched again on the next run.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	symbols, err := NormalizeSymbols(g.opts.Symbols)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to ingest")
	}

	dr, err := g.resolveRange()
	if err != nil {
		return err
	}
	target := dr.End.Format(dateLayout)

	var tracker *progressTracker
	if g.opts.ProgressDir != "" {
		tracker, err = newProgressTracker(g.opts.ProgressDir, target)
		if err != nil {
			return fmt.Errorf("creating progress tracker: %w", err)
		}
		defer tracker.Close()
	}

	remaining := symbols
	if tracker != nil {
		remaining = remaining[:0:0]
		for _, sym := range symbols {
			if !tracker.IsDone(sym) {
				remaining = append(remaining, sym)
			}
		}
		if len(remaining) == 0 {
			if tracker.IsCompleted(target) {
				g.log.Info("already completed", "end", target)
				return nil
			}
			return tracker.MarkCompleted(target)
		}
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.opts.BatchSize {
		batches = append(batches, remaining[i:min(i+g.opts.BatchSize, len(remaining))])
	}

	g.log.Info("starting ingest",
		"market", g.opts.Market,
		"start", dr.Start.Format(dateLayout),
		"end", target,
		"symbols", len(symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	var (
		totalBars  atomic.Int64
		totalEmpty atomic.Int64
		runStart   = time.Now()
	)

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.MaxWorkers)
	for i, batch := range batches {
		i, batch := i, batch
		eg.Go(func() error {
			bars, err := g.fetchBatch(ectx, batch, dr)
			if err != nil {
				return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
			}
			if len(bars) > 0 {
				if err := g.store.WriteBars(ectx, g.opts.Market, bars); err != nil {
					return fmt.Errorf("writing batch %d/%d: %w", i+1, len(batches), err)
				}
			}
			if tracker != nil {
				if err := tracker.MarkDone(batch); err != nil {
					return err
				}
			}

			empty := countEmpty(batch, bars)
			totalBars.Add(int64(len(bars)))
			totalEmpty.Add(int64(empty))
			g.log.Info("batch done",
				"batch", fmt.Sprintf("%d/%d", i+1, len(batches)),
				"bars", len(bars),
				"empty", empty,
				"elapsed", time.Since(runStart).Round(time.Second),
			)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if tracker != nil {
		if err := tracker.MarkCompleted(target); err != nil {
			return fmt.Errorf("marking completed: %w", err)
		}
	}
	g.log.Info("complete",
		"bars", totalBars.Load(),
		"empty", totalEmpty.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

func (g *DailyBarGatherer) resolveRange() (gather.DateRange, error) {
	dr := g.opts.Range
	if dr.End.IsZero() {
		if g.opts.Calendar == nil {
			return dr, fmt.Errorf("no end date and no trading calendar")
		}
		end, err := LatestFinishedTradingDay(g.opts.Calendar, g.now())
		if err != nil {
			return dr, fmt.Errorf("determining end date: %w", err)
		}
		dr.End = end
	}
	if !dr.Valid() {
		return dr, fmt.Errorf("invalid date range %s..%s", dr.Start.Format(dateLayout), dr.End.Format(dateLayout))
	}
	return dr, nil
}

// fetchBatch fetches daily bars for several symbols in one rate-limited,
// retried API call.
func (g *DailyBarGatherer) fetchBatch(ctx context.Context, symbols []string, dr gather.DateRange) ([]domain.PriceBar, error) {
	var multi map[string][]marketdata.Bar
	err := util.Retry(ctx, 3, 2*time.Second, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		multi, err = g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     dr.Start,
			// End is exclusive on the API side.
			End:  dr.End.AddDate(0, 0, 1),
			Feed: marketdata.Feed(g.opts.Feed),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	return convertBars(multi), nil
}

// convertBars maps Alpaca bars to price bars keyed by their session date.
func convertBars(multi map[string][]marketdata.Bar) []domain.PriceBar {
	var bars []domain.PriceBar
	for symbol, abs := range multi {
		for _, ab := range abs {
			bars = append(bars, domain.PriceBar{
				Symbol: strings.ToUpper(symbol),
				Date:   sessionDate(ab.Timestamp),
				Open:   decimal.NewFromFloat(ab.Open),
				High:   decimal.NewFromFloat(ab.High),
				Low:    decimal.NewFromFloat(ab.Low),
				Close:  decimal.NewFromFloat(ab.Close),
				Volume: int64(ab.Volume),
			})
		}
	}
	return bars
}

var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// sessionDate returns the UTC midnight of the ET calendar day ts falls on.
// Daily bars are stamped at midnight ET.
func sessionDate(ts time.Time) time.Time {
	et := ts.In(eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
}

func countEmpty(batch []string, bars []domain.PriceBar) int {
	hit := make(map[string]struct{}, len(batch))
	for _, b := range bars {
		hit[b.Symbol] = struct{}{}
	}
	n := 0
	for _, sym := range batch {
		if _, ok := hit[sym]; !ok {
			n++
		}
	}
	return n
}
