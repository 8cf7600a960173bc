// Package perf derives summary statistics from a finished equity curve and
// trade log. Compute is a pure function: the same inputs always produce
// bit-identical metrics.
package perf

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"backtestd/internal/domain"
)

// Config holds the annualisation inputs.
type Config struct {
	// RiskFreeRate is the annual risk-free rate as a fraction.
	RiskFreeRate float64
	// PeriodsPerYear is the number of bars in a year (252 for daily bars).
	PeriodsPerYear int
}

// Compute returns the metrics for curve and trades. Ratios that cannot be
// formed from the inputs are left nil.
func Compute(initialCash decimal.Decimal, curve []domain.EquityPoint, trades []domain.Trade, cfg Config) domain.Metrics {
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	m := domain.Metrics{
		FinalEquity: initialCash,
		TradeCount:  len(trades),
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
	}
	if initialCash.IsPositive() {
		m.TotalReturn = m.FinalEquity.Div(initialCash).InexactFloat64() - 1
	}

	returns := periodReturns(curve)
	periods := float64(cfg.PeriodsPerYear)
	if n := len(returns); n > 0 && 1+m.TotalReturn > 0 {
		m.AnnualizedReturn = ptr(math.Pow(1+m.TotalReturn, periods/float64(n)) - 1)
	}

	if len(returns) >= 2 {
		mean, sd := meanStdDev(returns)
		m.AnnualizedVolatility = ptr(sd * math.Sqrt(periods))
		rf := cfg.RiskFreeRate / periods
		if sd > 0 {
			m.Sharpe = ptr((mean - rf) / sd * math.Sqrt(periods))
		}
		if dd := downsideDeviation(returns, rf); dd > 0 {
			m.Sortino = ptr((mean - rf) / dd * math.Sqrt(periods))
		}
	}

	m.MaxDrawdown, m.MaxDrawdownStart, m.MaxDrawdownEnd = maxDrawdown(curve)
	m.Exposure = exposure(curve)
	tradeStats(&m, trades)
	return m
}

// periodReturns is the simple return between consecutive curve points.
// Periods starting from non-positive equity are skipped.
func periodReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if !prev.IsPositive() {
			continue
		}
		out = append(out, curve[i].Equity.Div(prev).InexactFloat64()-1)
	}
	return out
}

// meanStdDev returns the mean and sample standard deviation of xs.
func meanStdDev(xs []float64) (float64, float64) {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// downsideDeviation is the root mean square of returns below target.
func downsideDeviation(xs []float64, target float64) float64 {
	ss := 0.0
	for _, x := range xs {
		if d := x - target; d < 0 {
			ss += d * d
		}
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// maxDrawdown returns the largest peak-to-trough decline as a fraction of
// the peak, with the peak and trough dates. Dates are nil when the curve
// never declines.
func maxDrawdown(curve []domain.EquityPoint) (float64, *time.Time, *time.Time) {
	var (
		worst       float64
		start, end  *time.Time
		peak        decimal.Decimal
		peakDate    time.Time
		initialised bool
	)
	for _, p := range curve {
		if !initialised || p.Equity.GreaterThan(peak) {
			peak, peakDate, initialised = p.Equity, p.Date, true
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak).InexactFloat64()
		if dd > worst {
			worst = dd
			s, e := peakDate, p.Date
			start, end = &s, &e
		}
	}
	return worst, start, end
}

// exposure is the fraction of bars that ended with an open position.
func exposure(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	open := 0
	for _, p := range curve {
		if p.OpenPositions > 0 {
			open++
		}
	}
	return float64(open) / float64(len(curve))
}

func tradeStats(m *domain.Metrics, trades []domain.Trade) {
	if len(trades) == 0 {
		return
	}
	var (
		wins, losses    int
		winSum, lossSum decimal.Decimal
	)
	for _, t := range trades {
		switch {
		case t.PnL.IsPositive():
			wins++
			winSum = winSum.Add(t.PnL)
		case t.PnL.IsNegative():
			losses++
			lossSum = lossSum.Add(t.PnL)
		}
	}
	m.WinRate = ptr(float64(wins) / float64(len(trades)))
	if wins > 0 {
		avg := winSum.Div(decimal.NewFromInt(int64(wins))).Round(2)
		m.AvgWin = &avg
	}
	if losses > 0 {
		avg := lossSum.Div(decimal.NewFromInt(int64(losses))).Round(2)
		m.AvgLoss = &avg
		m.ProfitFactor = ptr(winSum.Div(lossSum.Abs()).InexactFloat64())
	}
}

// ptr boxes v as a defined metric. Values that overflow or have no real
// result are undefined.
func ptr(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
