// Package report renders scores, backtest results and sweep rankings for
// the console, and exports trade logs and equity curves as CSV.
package report

import (
	"fmt"
	"math"
	"strings"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return sign + s
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
	return sign + b.String()
}

// FormatMoney formats a dollar amount with B/M/K suffixes above 10,000 and
// comma separators below.
func FormatMoney(v float64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s%.1fB", sign, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s%.1fM", sign, v/1e6)
	case v >= 1e4:
		return fmt.Sprintf("%s%.1fK", sign, v/1e3)
	default:
		return sign + FormatInt(int(math.Round(v)))
	}
}

// FormatPrice formats a price as X.XX, or "-" for zero.
func FormatPrice(p float64) string {
	if p == 0 || math.IsNaN(p) {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

// FormatPct formats a fraction as a signed percentage, e.g. "+12.5%".
// Drops the decimal at or beyond 100% to keep width compact.
func FormatPct(f float64) string {
	pct := f * 100
	if math.Abs(pct) >= 100 {
		return fmt.Sprintf("%+.0f%%", pct)
	}
	return fmt.Sprintf("%+.1f%%", pct)
}

// FormatRatio formats a ratio such as Sharpe to two decimals.
func FormatRatio(r float64) string {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return "-"
	}
	return fmt.Sprintf("%.2f", r)
}

// FormatScore formats a score to one decimal.
func FormatScore(s float64) string {
	return fmt.Sprintf("%.1f", s)
}

// padOrTrunc pads s with spaces or truncates it to exactly n runes.
func padOrTrunc(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		if n <= 1 {
			return string(r[:n])
		}
		return string(r[:n-1]) + "…"
	}
	return s + strings.Repeat(" ", n-len(r))
}
