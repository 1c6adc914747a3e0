package strategy

import (
	"math"

	"factorlab/internal/portfolio"
)

// PyramidDecision is the outcome of EvaluatePyramid.
type PyramidDecision struct {
	Add    bool
	Shares float64
	// Level is the 1-based index of the add that fired.
	Level int
}

// EvaluatePyramid decides whether to add to a winning position. The n-th
// add requires a gain of n times the trigger over the original entry price,
// so a price hovering around the first trigger adds only once. Shares are
// whole and sized from PyramidSize at fillPrice.
func EvaluatePyramid(pos portfolio.Position, price, fillPrice float64, cfg RunConfig) PyramidDecision {
	if cfg.PyramidTrigger == nil || cfg.PyramidSize <= 0 || pos.EntryPrice <= 0 {
		return PyramidDecision{}
	}
	adds := pos.Adds()
	if adds >= cfg.MaxPyramids {
		return PyramidDecision{}
	}
	level := adds + 1
	gain := price/pos.EntryPrice - 1
	if gain < *cfg.PyramidTrigger*float64(level) {
		return PyramidDecision{}
	}
	shares := WholeShares(cfg.PyramidSize, fillPrice)
	if shares <= 0 {
		return PyramidDecision{}
	}
	return PyramidDecision{Add: true, Shares: shares, Level: level}
}

// WholeShares returns the whole number of shares amount buys at price.
func WholeShares(amount, price float64) float64 {
	if price <= 0 || amount <= 0 {
		return 0
	}
	// Nudge before flooring so 1000/100 does not land on 9.999...
	return math.Floor(amount/price + 1e-9)
}
