package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"factorlab/internal/engine"
	"factorlab/internal/scoring"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	failedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// Signed renders a fraction as a percentage colored by sign.
func Signed(f float64) string {
	s := FormatPct(f)
	switch {
	case f > 0:
		return gainStyle.Render(s)
	case f < 0:
		return lossStyle.Render(s)
	default:
		return s
	}
}

// Title renders a full-width section title.
func Title(text string, width int) string {
	return titleStyle.Render(padOrTrunc(" "+text, width))
}

// Header renders a dimmed column header line.
func Header(line string) string {
	return colHeaderStyle.Render(line)
}

// Symbol renders a ticker in a fixed-width column.
func Symbol(sym string, width int) string {
	return symbolStyle.Render(padOrTrunc(sym, width))
}

// Dim renders secondary text.
func Dim(s string) string { return dimStyle.Render(s) }

// Failed renders a failure marker.
func Failed(s string) string { return failedStyle.Render(s) }

// Scores renders a ranked score table with per-layer columns.
func Scores(title string, results []scoring.Result) string {
	var b strings.Builder
	b.WriteString(Title(title, 96))
	b.WriteByte('\n')
	b.WriteString(Header(fmt.Sprintf("%4s  %-8s %-22s %7s %6s %6s %6s %6s %6s  %s",
		"#", "Symbol", "Sector", "Total", "Mom", "Fund", "Cat", "Theme", "Pen", "Tags")))
	b.WriteByte('\n')
	for i, r := range results {
		fmt.Fprintf(&b, "%4d  %s %-22s %7s %6s %6s %6s %6s %6s  %s\n",
			i+1,
			Symbol(r.Symbol, 8),
			padOrTrunc(r.Sector, 22),
			FormatScore(r.Total),
			FormatScore(r.Layer(scoring.LayerMomentum)),
			FormatScore(r.Layer(scoring.LayerFundamentals)),
			FormatScore(r.Layer(scoring.LayerCatalyst)),
			FormatScore(r.Layer(scoring.LayerThematic)),
			FormatScore(r.Layer(scoring.LayerPenalties)),
			Dim(strings.Join(r.Tags, ",")),
		)
	}
	return b.String()
}

// Breakdown renders the factor contributions of one score.
func Breakdown(r scoring.Result) string {
	var b strings.Builder
	b.WriteString(Title(fmt.Sprintf("%s  %s  as of %s", r.Symbol, FormatScore(r.Total), r.AsOf.Format(dateLayout)), 72))
	b.WriteByte('\n')
	b.WriteString(Header(fmt.Sprintf("  %-14s %-22s %-12s %12s %7s", "Layer", "Factor", "Rule", "Input", "Points")))
	b.WriteByte('\n')
	for _, c := range r.Breakdown {
		fmt.Fprintf(&b, "  %-14s %-22s %-12s %12.4g %7s\n",
			c.Layer, padOrTrunc(c.Factor, 22), padOrTrunc(c.Rule, 12), c.Input, FormatScore(c.Points))
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&b, "  tags: %s\n", strings.Join(r.Tags, ", "))
	}
	for _, n := range r.Notes {
		fmt.Fprintf(&b, "  %s\n", Dim(n))
	}
	return b.String()
}

// Run renders the summary of one backtest: metrics, exit reasons and the
// best and worst instruments.
func Run(res *engine.Result, top int) string {
	var b strings.Builder
	b.WriteString(Title(fmt.Sprintf("%s  %s .. %s", res.Config.DisplayName(),
		res.Start.Format(dateLayout), res.End.Format(dateLayout)), 80))
	b.WriteByte('\n')
	if res.Status != engine.StatusDone {
		fmt.Fprintf(&b, "  %s %s\n", Failed("FAILED"), res.Error)
	}

	m := res.Metrics
	fmt.Fprintf(&b, "  Final equity   %12s   Total return  %s\n", FormatMoney(m.FinalEquity), Signed(m.TotalReturn))
	fmt.Fprintf(&b, "  Annualized     %12s   Sharpe        %s\n", Signed(m.AnnualizedReturn), FormatRatio(m.Sharpe))
	fmt.Fprintf(&b, "  Max drawdown   %12s   Win rate      %s\n", FormatPct(-m.MaxDrawdown), FormatPct(m.WinRate))
	fmt.Fprintf(&b, "  Profit factor  %12s   Closed trades %s\n", FormatRatio(m.ProfitFactor), FormatInt(m.Trades))
	fmt.Fprintf(&b, "  Rebalances     %12d   Unscoreable   %d   Prefilter fallbacks %d\n",
		res.Dates, res.Unscoreable, res.FallbackDates)

	if closed := res.Closed(); len(closed) > 0 {
		var days int
		for _, t := range closed {
			days += t.HoldingDays
		}
		fmt.Fprintf(&b, "  Avg holding    %7.1f days\n", float64(days)/float64(len(closed)))

		reasons := ExitReasons(closed)
		keys := make([]string, 0, len(reasons))
		for k := range reasons {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, reasons[k])
		}
		fmt.Fprintf(&b, "  Exits          %s\n", strings.Join(parts, " "))
	}

	stats := SortedStats(AggregateTrades(res.Trades))
	if top > 0 && len(stats) > 0 {
		b.WriteByte('\n')
		b.WriteString(Header(fmt.Sprintf("  %-8s %6s %5s %5s %12s %9s %9s %7s",
			"Symbol", "Trips", "Wins", "Adds", "P&L", "Best", "Worst", "Days")))
		b.WriteByte('\n')
		if len(stats) <= 2*top {
			for _, s := range stats {
				writeStatsRow(&b, s)
			}
		} else {
			for _, s := range stats[:top] {
				writeStatsRow(&b, s)
			}
			b.WriteString(Dim("  ...") + "\n")
			for _, s := range stats[len(stats)-top:] {
				writeStatsRow(&b, s)
			}
		}
	}
	return b.String()
}

func writeStatsRow(b *strings.Builder, s *SymbolStats) {
	fmt.Fprintf(b, "  %s %6d %5d %5d %12s %9s %9s %7.1f\n",
		Symbol(s.Symbol, 8), s.RoundTrips, s.Wins, s.Adds, FormatMoney(s.RealizedPnL),
		FormatPct(s.BestReturn), FormatPct(s.WorstReturn), s.AvgHolding)
}
