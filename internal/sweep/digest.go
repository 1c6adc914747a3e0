package sweep

import (
	"fmt"
	"strings"

	"factorlab/internal/engine"
	"factorlab/internal/report"
)

// Digest renders a condensed summary of the top n entries of a sweep,
// followed by any failed runs.
func Digest(rep *Report, n int) string {
	var b strings.Builder
	title := fmt.Sprintf("sweep %s  %d configs", shortID(rep.ID), rep.Configs)
	if rep.Interrupted {
		title += "  (interrupted)"
	}
	b.WriteString(report.Title(title, 100))
	b.WriteByte('\n')
	if rep.Fallback {
		b.WriteString(report.Dim("  no configuration met the return threshold; ranking all completed runs") + "\n")
	}
	b.WriteString(report.Header(fmt.Sprintf("  %4s  %-40s %8s %9s %9s %8s %7s %7s",
		"Rank", "Config", "Sharpe", "Return", "Annual", "MaxDD", "Win", "Trades")))
	b.WriteByte('\n')

	shown := 0
	var failed []Entry
	for _, e := range rep.Entries {
		if e.Status != engine.StatusDone {
			failed = append(failed, e)
			continue
		}
		if n > 0 && shown >= n {
			continue
		}
		rank := "-"
		if e.Rank > 0 {
			rank = fmt.Sprintf("%d", e.Rank)
		}
		m := e.Metrics
		fmt.Fprintf(&b, "  %4s  %-40s %8s %9s %9s %8s %7s %7d\n",
			rank, truncate(e.Name, 40), report.FormatRatio(m.Sharpe), report.Signed(m.TotalReturn),
			report.Signed(m.AnnualizedReturn), report.FormatPct(-m.MaxDrawdown), report.FormatPct(m.WinRate), m.Trades)
		shown++
	}
	for _, e := range failed {
		fmt.Fprintf(&b, "  %4s  %-40s %s\n", report.Failed("FAIL"), truncate(e.Name, 40), e.Error)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
