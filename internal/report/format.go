// Package report renders backtest results for terminals.
package report

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + FormatInt(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatMoney formats an amount with two decimals and comma separators.
func FormatMoney(d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	n := 0
	fmt.Sscan(whole, &n)
	return sign + FormatInt(n) + "." + frac
}

// FormatPct formats a ratio as a signed percentage, or "n/a" when undefined.
// Drops the decimal for magnitudes of 100% and above to keep width compact.
func FormatPct(r *float64) string {
	if r == nil {
		return "n/a"
	}
	pct := *r * 100
	if pct >= 100 || pct <= -100 {
		return fmt.Sprintf("%+.0f%%", pct)
	}
	return fmt.Sprintf("%+.2f%%", pct)
}

// FormatRatio formats a unitless statistic, or "n/a" when undefined.
func FormatRatio(r *float64) string {
	if r == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *r)
}

// FormatMoneyPtr is FormatMoney for optional amounts.
func FormatMoneyPtr(d *decimal.Decimal) string {
	if d == nil {
		return "n/a"
	}
	return FormatMoney(*d)
}
