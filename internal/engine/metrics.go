package engine

import (
	"math"

	"github.com/markcheno/go-talib"

	"factorlab/internal/portfolio"
)

// Metrics summarises a finished run. Returns and drawdown are fractions;
// MaxDrawdown is positive. ProfitFactor is zero when no trade lost money.
type Metrics struct {
	FinalEquity      float64 `json:"final_equity"`
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Sharpe           float64 `json:"sharpe"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	Trades           int     `json:"trades"`
}

const daysPerYear = 365.25

// ComputeMetrics derives run metrics from the equity curve and trade log.
// Sharpe uses per-period equity returns with a zero risk-free rate,
// annualised by the average spacing between snapshots.
func ComputeMetrics(startingCash float64, equity []portfolio.Snapshot, trades []portfolio.Trade) Metrics {
	m := Metrics{FinalEquity: startingCash}
	if n := len(equity); n > 0 {
		m.FinalEquity = equity[n-1].TotalEquity
	}
	if startingCash > 0 {
		m.TotalReturn = m.FinalEquity/startingCash - 1
	}

	if len(equity) >= 2 {
		days := equity[len(equity)-1].Date.Sub(equity[0].Date).Hours() / 24
		if days > 0 && m.TotalReturn > -1 {
			m.AnnualizedReturn = math.Pow(1+m.TotalReturn, daysPerYear/days) - 1
		}
		m.Sharpe = sharpe(equity, days)
	}
	m.MaxDrawdown = maxDrawdown(equity)

	var wins int
	var profit, loss float64
	for _, t := range trades {
		if t.Action != portfolio.ActionClose {
			continue
		}
		m.Trades++
		switch {
		case t.RealizedPnL > 0:
			wins++
			profit += t.RealizedPnL
		case t.RealizedPnL < 0:
			loss -= t.RealizedPnL
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(wins) / float64(m.Trades)
	}
	if loss > 0 {
		m.ProfitFactor = profit / loss
	}
	return m
}

func sharpe(equity []portfolio.Snapshot, days float64) float64 {
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].TotalEquity
		if prev <= 0 {
			return 0
		}
		rets = append(rets, equity[i].TotalEquity/prev-1)
	}
	if len(rets) < 2 || days <= 0 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	sd := talib.StdDev(rets, len(rets), 1)
	dev := sd[len(sd)-1]
	if dev <= 0 || math.IsNaN(dev) {
		return 0
	}
	spacing := days / float64(len(rets))
	return mean / dev * math.Sqrt(daysPerYear/spacing)
}

func maxDrawdown(equity []portfolio.Snapshot) float64 {
	var peak, worst float64
	for _, s := range equity {
		if s.TotalEquity > peak {
			peak = s.TotalEquity
		}
		if peak > 0 {
			if dd := (peak - s.TotalEquity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
