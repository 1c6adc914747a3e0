// Package builtins provides the rule presets that ship with factorlab.
package builtins

import (
	"factorlab/internal/strategy"
)

// Preset names.
const (
	Balanced  = "balanced"
	Momentum  = "momentum"
	Defensive = "defensive"
)

// Presets returns the built-in rule sets.
func Presets() []strategy.RunConfig {
	return []strategy.RunConfig{
		{
			Name:           Balanced,
			MinEntryScore:  20,
			ExitScoreFloor: strategy.Float(8),
			StopLoss:       strategy.Float(-0.10),
			TakeProfit:     strategy.Float(0.40),
			TrailingStop:   strategy.Float(-0.15),
			MaxHoldingDays: strategy.Int(180),
			PyramidTrigger: strategy.Float(0.15),
			MaxPyramids:    1,
			MaxPositions:   10,
			MaxPerSector:   3,
			MaxNewPerCycle: 3,
			CashReserve:    0.05,
		},
		{
			// Let winners run: no take-profit, wide trailing stop, two adds.
			Name:           Momentum,
			MinEntryScore:  25,
			ExitScoreFloor: strategy.Float(12),
			StopLoss:       strategy.Float(-0.08),
			TrailingStop:   strategy.Float(-0.20),
			PyramidTrigger: strategy.Float(0.10),
			MaxPyramids:    2,
			MaxPositions:   12,
			MaxPerSector:   4,
			MaxNewPerCycle: 4,
			CashReserve:    0.02,
		},
		{
			Name:           Defensive,
			MinEntryScore:  22,
			ExitScoreFloor: strategy.Float(10),
			StopLoss:       strategy.Float(-0.06),
			TakeProfit:     strategy.Float(0.25),
			TrailingStop:   strategy.Float(-0.10),
			MaxHoldingDays: strategy.Int(90),
			MaxPositions:   8,
			MaxPerSector:   2,
			MaxNewPerCycle: 2,
			CashReserve:    0.20,
		},
	}
}

// Register adds every built-in preset to r, with sizing defaults applied.
func Register(r *strategy.Registry) {
	for _, p := range Presets() {
		p.ApplyDefaults()
		r.Register(p)
	}
}
