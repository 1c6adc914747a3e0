// Package strategy defines the rule set a simulation runs under: entry
// thresholds, exit rules, pyramiding and portfolio caps. It also provides a
// Registry of named presets.
package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"factorlab/internal/domain"
)

// RunConfig is the parameter set of one simulation. A nil pointer disables
// the corresponding rule. Zero caps mean unlimited. Returns and drawdowns
// are fractions: a stop-loss of -0.08 exits at an 8% loss.
type RunConfig struct {
	Name         string  `yaml:"name" json:"name"`
	StartingCash float64 `yaml:"starting_cash" json:"starting_cash"`
	PositionSize float64 `yaml:"position_size" json:"position_size"`

	MinEntryScore  float64  `yaml:"min_entry_score" json:"min_entry_score"`
	ExitScoreFloor *float64 `yaml:"exit_score_floor" json:"exit_score_floor,omitempty"`

	StopLoss       *float64 `yaml:"stop_loss" json:"stop_loss,omitempty"`
	TakeProfit     *float64 `yaml:"take_profit" json:"take_profit,omitempty"`
	TrailingStop   *float64 `yaml:"trailing_stop" json:"trailing_stop,omitempty"`
	MaxHoldingDays *int     `yaml:"max_holding_days" json:"max_holding_days,omitempty"`

	PyramidTrigger *float64 `yaml:"pyramid_trigger" json:"pyramid_trigger,omitempty"`
	PyramidSize    float64  `yaml:"pyramid_size" json:"pyramid_size"`
	MaxPyramids    int      `yaml:"max_pyramids" json:"max_pyramids"`

	MaxPositions   int     `yaml:"max_positions" json:"max_positions"`
	MaxPerSector   int     `yaml:"max_per_sector" json:"max_per_sector"`
	MaxNewPerCycle int     `yaml:"max_new_per_cycle" json:"max_new_per_cycle"`
	CashReserve    float64 `yaml:"cash_reserve" json:"cash_reserve"`
}

// Float returns a pointer to v, for populating optional thresholds.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// ApplyDefaults fills unset sizing fields.
func (c *RunConfig) ApplyDefaults() {
	if c.StartingCash == 0 {
		c.StartingCash = 100_000
	}
	if c.PositionSize == 0 {
		c.PositionSize = 10_000
	}
	if c.PyramidTrigger != nil {
		if c.PyramidSize == 0 {
			c.PyramidSize = c.PositionSize / 2
		}
		if c.MaxPyramids == 0 {
			c.MaxPyramids = 1
		}
	}
}

// Validate rejects inconsistent parameter sets before any simulation runs.
func (c RunConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.StartingCash <= 0 {
		add("starting_cash must be positive")
	}
	if c.PositionSize <= 0 {
		add("position_size must be positive")
	}
	if c.StopLoss != nil && (*c.StopLoss >= 0 || *c.StopLoss <= -1) {
		add("stop_loss %v must be in (-1, 0)", *c.StopLoss)
	}
	if c.TakeProfit != nil && *c.TakeProfit <= 0 {
		add("take_profit %v must be positive", *c.TakeProfit)
	}
	if c.StopLoss != nil && c.TakeProfit != nil && *c.TakeProfit <= *c.StopLoss {
		add("take_profit %v below stop_loss %v", *c.TakeProfit, *c.StopLoss)
	}
	if c.TrailingStop != nil && (*c.TrailingStop >= 0 || *c.TrailingStop <= -1) {
		add("trailing_stop %v must be in (-1, 0)", *c.TrailingStop)
	}
	if c.MaxHoldingDays != nil && *c.MaxHoldingDays <= 0 {
		add("max_holding_days %d must be positive", *c.MaxHoldingDays)
	}
	if c.PyramidTrigger != nil {
		if *c.PyramidTrigger <= 0 {
			add("pyramid_trigger %v must be positive", *c.PyramidTrigger)
		}
		if c.PyramidSize <= 0 {
			add("pyramid_size must be positive when pyramiding is enabled")
		}
		if c.MaxPyramids <= 0 {
			add("max_pyramids must be positive when pyramiding is enabled")
		}
	}
	if c.MaxPositions < 0 || c.MaxPerSector < 0 || c.MaxNewPerCycle < 0 {
		add("position caps must not be negative")
	}
	if c.CashReserve < 0 || c.CashReserve >= 1 {
		add("cash_reserve %v must be in [0, 1)", c.CashReserve)
	}

	if len(problems) > 0 {
		name := c.Name
		if name == "" {
			name = c.Label()
		}
		return fmt.Errorf("run config %s: %s: %w", name, strings.Join(problems, "; "), domain.ErrConfiguration)
	}
	return nil
}

// Label renders the rule parameters compactly, e.g.
// "sl=-0.08 tp=0.3 tr=off hold=off pyr=0.15x1 min=20". It identifies
// unnamed grid configurations.
func (c RunConfig) Label() string {
	opt := func(p *float64) string {
		if p == nil {
			return "off"
		}
		return strconv.FormatFloat(*p, 'g', -1, 64)
	}
	hold := "off"
	if c.MaxHoldingDays != nil {
		hold = strconv.Itoa(*c.MaxHoldingDays)
	}
	pyr := "off"
	if c.PyramidTrigger != nil {
		pyr = fmt.Sprintf("%sx%d", opt(c.PyramidTrigger), c.MaxPyramids)
	}
	return fmt.Sprintf("sl=%s tp=%s tr=%s hold=%s floor=%s pyr=%s min=%g pos=%d sec=%d new=%d res=%g",
		opt(c.StopLoss), opt(c.TakeProfit), opt(c.TrailingStop), hold, opt(c.ExitScoreFloor),
		pyr, c.MinEntryScore, c.MaxPositions, c.MaxPerSector, c.MaxNewPerCycle, c.CashReserve)
}

// DisplayName returns Name, falling back to Label.
func (c RunConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Label()
}

// Clone returns a deep copy so grid expansion can mutate optional fields
// independently.
func (c RunConfig) Clone() RunConfig {
	cp := c
	cp.ExitScoreFloor = clonePtr(c.ExitScoreFloor)
	cp.StopLoss = clonePtr(c.StopLoss)
	cp.TakeProfit = clonePtr(c.TakeProfit)
	cp.TrailingStop = clonePtr(c.TrailingStop)
	cp.MaxHoldingDays = clonePtr(c.MaxHoldingDays)
	cp.PyramidTrigger = clonePtr(c.PyramidTrigger)
	return cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds a named collection of rule presets for lookup and
// enumeration.
type Registry struct {
	presets map[string]RunConfig
}

// NewRegistry creates an empty preset Registry.
func NewRegistry() *Registry {
	return &Registry{
		presets: make(map[string]RunConfig),
	}
}

// Register adds a preset keyed by its Name. The preset is stored as a copy.
func (r *Registry) Register(c RunConfig) {
	r.presets[c.Name] = c.Clone()
}

// Get retrieves a copy of a preset by name. The second return value
// indicates whether the preset was found.
func (r *Registry) Get(name string) (RunConfig, bool) {
	c, ok := r.presets[name]
	if !ok {
		return RunConfig{}, false
	}
	return c.Clone(), true
}

// List returns a sorted slice of all registered preset names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
