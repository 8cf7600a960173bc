package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"backtestd/internal/domain"
)

// WriteSummary prints a result's headline metrics as an aligned table.
func WriteSummary(w io.Writer, res *domain.BacktestResult) error {
	m := res.Metrics
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	dd := "n/a"
	if m.MaxDrawdownStart != nil && m.MaxDrawdownEnd != nil {
		dd = m.MaxDrawdownStart.Format(domain.DateLayout) + " .. " + m.MaxDrawdownEnd.Format(domain.DateLayout)
	}
	maxDD := -m.MaxDrawdown
	total := m.TotalReturn

	rows := [][2]string{
		{"job", res.JobID},
		{"strategy", fmt.Sprintf("%s v%d", res.StrategyID, res.StrategyVersion)},
		{"initial cash", FormatMoney(res.InitialCash)},
		{"final equity", FormatMoney(m.FinalEquity)},
		{"total return", FormatPct(&total)},
		{"annualized return", FormatPct(m.AnnualizedReturn)},
		{"annualized volatility", FormatPct(m.AnnualizedVolatility)},
		{"sharpe", FormatRatio(m.Sharpe)},
		{"sortino", FormatRatio(m.Sortino)},
		{"max drawdown", FormatPct(&maxDD)},
		{"drawdown period", dd},
		{"trades", FormatInt(m.TradeCount)},
		{"win rate", FormatPct(m.WinRate)},
		{"avg win", FormatMoneyPtr(m.AvgWin)},
		{"avg loss", FormatMoneyPtr(m.AvgLoss)},
		{"profit factor", FormatRatio(m.ProfitFactor)},
		{"exposure", FormatPct(&m.Exposure)},
		{"bars", FormatInt(res.Manifest.Bars)},
		{"engine", res.Manifest.EngineVersion},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}
