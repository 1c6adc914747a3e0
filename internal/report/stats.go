package report

import (
	"sort"

	"factorlab/internal/portfolio"
)

// SymbolStats aggregates the closed trades of one instrument in a run.
type SymbolStats struct {
	Symbol      string
	RoundTrips  int
	Wins        int
	Adds        int
	RealizedPnL float64
	Turnover    float64 // sum(price * shares) over buys and sells
	BestReturn  float64
	WorstReturn float64
	AvgHolding  float64 // calendar days
}

// AggregateTrades computes per-symbol statistics from a trade log.
// Positions never closed contribute turnover only.
func AggregateTrades(trades []portfolio.Trade) map[string]*SymbolStats {
	m := make(map[string]*SymbolStats)
	holding := make(map[string]int)
	for _, t := range trades {
		s, ok := m[t.Symbol]
		if !ok {
			s = &SymbolStats{Symbol: t.Symbol}
			m[t.Symbol] = s
		}
		s.Turnover += t.Price * t.Shares
		switch t.Action {
		case portfolio.ActionAdd:
			s.Adds++
		case portfolio.ActionClose:
			if s.RoundTrips == 0 || t.ReturnPct > s.BestReturn {
				s.BestReturn = t.ReturnPct
			}
			if s.RoundTrips == 0 || t.ReturnPct < s.WorstReturn {
				s.WorstReturn = t.ReturnPct
			}
			s.RoundTrips++
			if t.RealizedPnL > 0 {
				s.Wins++
			}
			s.RealizedPnL += t.RealizedPnL
			holding[t.Symbol] += t.HoldingDays
		}
	}
	for sym, s := range m {
		if s.RoundTrips > 0 {
			s.AvgHolding = float64(holding[sym]) / float64(s.RoundTrips)
		}
	}
	return m
}

// SortedStats returns the stats ordered by realized P&L, best first, ties
// by symbol.
func SortedStats(m map[string]*SymbolStats) []*SymbolStats {
	out := make([]*SymbolStats, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RealizedPnL != out[j].RealizedPnL {
			return out[i].RealizedPnL > out[j].RealizedPnL
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ExitReasons counts closing trades by reason.
func ExitReasons(trades []portfolio.Trade) map[string]int {
	m := make(map[string]int)
	for _, t := range trades {
		if t.Action == portfolio.ActionClose {
			m[t.Reason]++
		}
	}
	return m
}
