package engine

import (
	"time"

	"factorlab/internal/portfolio"
	"factorlab/internal/strategy"
)

// Status is the outcome of a run.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Result is the output of one backtest run.
type Result struct {
	ID     string             `json:"id"`
	Config strategy.RunConfig `json:"config"`
	Status Status             `json:"status"`
	Error  string             `json:"error,omitempty"`
	Start  time.Time          `json:"start"`
	End    time.Time          `json:"end"`
	Dates  int                `json:"dates"`

	Metrics Metrics              `json:"metrics"`
	Trades  []portfolio.Trade    `json:"trades"`
	Equity  []portfolio.Snapshot `json:"equity"`

	// Unscoreable counts candidates left out of ranking, summed over dates.
	Unscoreable int `json:"unscoreable"`
	// FallbackDates counts dates on which the prefilter passed nothing.
	FallbackDates int `json:"fallback_dates"`
}

// Closed returns the closing trades.
func (r *Result) Closed() []portfolio.Trade {
	var out []portfolio.Trade
	for _, t := range r.Trades {
		if t.Action == portfolio.ActionClose {
			out = append(out, t)
		}
	}
	return out
}
