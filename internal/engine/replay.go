package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"backtestd/internal/broker"
	"backtestd/internal/domain"
	"backtestd/internal/strategy"
)

// ErrCancelled is returned by Replay when a cancellation request is observed
// at a bar boundary. Partial output is discarded.
var ErrCancelled = errors.New("backtest cancelled")

// orderNamespace seeds deterministic order IDs so that replaying a job
// produces identical order logs.
var orderNamespace = uuid.MustParse("6f0b7d1e-3c2a-5b8e-9d4f-1a2b3c4d5e6f")

// BarHandler receives each replay date and returns order intents.
// *strategy.Handle implements it.
type BarHandler interface {
	OnBar(ctx context.Context, state strategy.MarketState) ([]domain.OrderIntent, error)
}

// ReplayConfig holds the inputs of one replay.
type ReplayConfig struct {
	JobID    string
	Universe []string
	// Series maps each symbol to its bars in increasing date order.
	Series    map[string][]domain.PriceBar
	Strategy  BarHandler
	Simulator *broker.Simulator
	// Cancelled is polled before every bar. Nil means never cancelled.
	Cancelled func(ctx context.Context) (bool, error)
	// MaxBars caps the number of dates replayed. Zero replays them all.
	MaxBars int
}

// ReplayOutput is everything a replay produced.
type ReplayOutput struct {
	Snapshots []domain.PortfolioSnapshot
	Orders    []domain.OrderRecord
	Trades    []domain.Trade
	Dates     int
}

// Curve reduces the snapshots to the persisted equity curve.
func (o *ReplayOutput) Curve() []domain.EquityPoint {
	curve := make([]domain.EquityPoint, len(o.Snapshots))
	for i, s := range o.Snapshots {
		curve[i] = s.Point()
	}
	return curve
}

// pendingOrder is an order waiting for its symbol's next bar. rec indexes
// the order log entry its outcome is written to.
type pendingOrder struct {
	order domain.Order
	rec   int
}

// Replay streams the series through the strategy one date at a time. On
// every date it checks for cancellation, fills pending orders at the open of
// their symbol's bar, asks the strategy for new intents and marks the
// portfolio to the closes. Orders still pending after the last date are
// dropped.
func Replay(ctx context.Context, cfg ReplayConfig) (*ReplayOutput, error) {
	universe := append([]string(nil), cfg.Universe...)
	sort.Strings(universe)
	known := make(map[string]bool, len(universe))
	for _, sym := range universe {
		known[sym] = true
	}

	dates := unionDates(universe, cfg.Series)
	if len(dates) == 0 {
		return nil, domain.Errorf(domain.KindConfiguration, "no bars for %v in the requested range", universe)
	}
	if cfg.MaxBars > 0 && len(dates) > cfg.MaxBars {
		dates = dates[:cfg.MaxBars]
	}

	sim := cfg.Simulator
	out := &ReplayOutput{
		Snapshots: make([]domain.PortfolioSnapshot, 0, len(dates)),
		Dates:     len(dates),
	}
	cursor := make(map[string]int, len(universe))
	var pending []pendingOrder

	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.Cancelled != nil {
			cancelled, err := cfg.Cancelled(ctx)
			if err != nil {
				return nil, fmt.Errorf("checking cancellation: %w", err)
			}
			if cancelled {
				return nil, ErrCancelled
			}
		}

		slice := make(map[string]domain.PriceBar)
		for _, sym := range universe {
			bars := cfg.Series[sym]
			n := cursor[sym]
			if n < len(bars) && bars[n].Date.Equal(date) {
				slice[sym] = bars[n]
				cursor[sym] = n + 1
			}
		}

		waiting := pending[:0]
		for _, p := range pending {
			bar, ok := slice[p.order.Symbol]
			if !ok {
				waiting = append(waiting, p)
				continue
			}
			out.Orders[p.rec].Outcome = sim.Submit(&p.order, i, bar)
		}
		pending = waiting

		state := &marketState{
			index:    i,
			date:     date,
			universe: universe,
			series:   cfg.Series,
			cursor:   cursor,
			slice:    slice,
			sim:      sim,
		}
		intents, err := cfg.Strategy.OnBar(ctx, state)
		if err != nil {
			return nil, err
		}
		for seq, in := range intents {
			order := domain.Order{
				ID:       orderID(cfg.JobID, i, seq),
				JobID:    cfg.JobID,
				BarIndex: i,
				Date:     date,
				Symbol:   in.Symbol,
				Side:     in.Side,
				Qty:      in.Qty,
				Kind:     domain.OrderKindMarketNextOpen,
			}
			out.Orders = append(out.Orders, domain.OrderRecord{Order: order})
			rec := len(out.Orders) - 1
			switch {
			case !known[in.Symbol]:
				out.Orders[rec].Outcome = domain.Rejected(fmt.Sprintf("symbol %q is not in the universe", in.Symbol))
			case in.Side != domain.OrderSideBuy && in.Side != domain.OrderSideSell:
				out.Orders[rec].Outcome = domain.Rejected(fmt.Sprintf("unknown side %q", in.Side))
			default:
				pending = append(pending, pendingOrder{order: order, rec: rec})
			}
		}

		out.Snapshots = append(out.Snapshots, sim.MarkToMarket(i, date, slice))
	}

	for _, p := range pending {
		out.Orders[p.rec].Outcome = domain.FillOutcome{Status: domain.FillStatusDropped, Reason: "no subsequent bar"}
	}
	out.Trades = sim.Trades()
	return out, nil
}

// unionDates returns the sorted distinct dates across the universe's series.
func unionDates(universe []string, series map[string][]domain.PriceBar) []time.Time {
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, sym := range universe {
		for _, b := range series[sym] {
			if !seen[b.Date] {
				seen[b.Date] = true
				dates = append(dates, b.Date)
			}
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func orderID(jobID string, barIndex, seq int) string {
	return uuid.NewSHA1(orderNamespace, []byte(fmt.Sprintf("%s/%d/%d", jobID, barIndex, seq))).String()
}

// marketState is the strategy's view of one replay date. History slices stop
// at the current bar so later data is unreachable.
type marketState struct {
	index    int
	date     time.Time
	universe []string
	series   map[string][]domain.PriceBar
	cursor   map[string]int
	slice    map[string]domain.PriceBar
	sim      *broker.Simulator
}

func (s *marketState) BarIndex() int     { return s.index }
func (s *marketState) Date() time.Time   { return s.date }
func (s *marketState) Symbols() []string { return append([]string(nil), s.universe...) }

func (s *marketState) Bar(symbol string) (domain.PriceBar, bool) {
	b, ok := s.slice[symbol]
	return b, ok
}

func (s *marketState) History(symbol string) []domain.PriceBar {
	bars := s.series[symbol]
	n := s.cursor[symbol]
	return bars[:n:n]
}

func (s *marketState) Cash() decimal.Decimal { return s.sim.Cash() }

func (s *marketState) Position(symbol string) domain.Position { return s.sim.Position(symbol) }

func (s *marketState) Equity() decimal.Decimal { return s.sim.EquityAt(s.slice) }
