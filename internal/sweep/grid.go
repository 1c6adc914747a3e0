// Package sweep runs many strategy configurations over the same universe
// and dates, ranks the outcomes and persists them.
package sweep

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"factorlab/internal/domain"
	"factorlab/internal/strategy"
)

// Grid is the YAML sweep definition:
//
//	base:            # defaults for every configuration
//	  position_size: 10000
//	configs:         # explicit configurations, each overriding base
//	  - name: tight
//	    stop_loss: -0.05
//	grid:            # axes expanded as a cartesian product over base
//	  stop_loss: [-0.08, -0.12, null]
//	  take_profit: [0.25, null]
//
// A null axis value disables the rule.
type Grid struct {
	Base    strategy.RunConfig    `yaml:"base"`
	Configs []yaml.Node           `yaml:"configs"`
	Axes    map[string][]*float64 `yaml:"grid"`
}

// LoadGrid reads a grid file.
func LoadGrid(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading grid %s: %w", path, err)
	}
	g, err := ParseGrid(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// ParseGrid parses a grid definition.
func ParseGrid(data []byte) (*Grid, error) {
	var g Grid
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing grid: %v: %w", err, domain.ErrConfiguration)
	}
	for key := range g.Axes {
		if _, ok := setters[key]; !ok {
			return nil, fmt.Errorf("unknown grid axis %q (known: %s): %w",
				key, strings.Join(AxisNames(), ", "), domain.ErrConfiguration)
		}
	}
	return &g, nil
}

// Expand returns the explicit configurations followed by the cartesian
// product of the axes, in a deterministic order. Axes are varied in key
// order, the last key fastest. Without configurations or axes the base is
// returned alone. Defaults are applied to every result.
func (g *Grid) Expand() ([]strategy.RunConfig, error) {
	var out []strategy.RunConfig
	for i := range g.Configs {
		c := g.Base.Clone()
		if err := g.Configs[i].Decode(&c); err != nil {
			return nil, fmt.Errorf("configs[%d]: %v: %w", i, err, domain.ErrConfiguration)
		}
		out = append(out, c)
	}

	keys := make([]string, 0, len(g.Axes))
	for k := range g.Axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		combos := []strategy.RunConfig{g.Base.Clone()}
		for _, key := range keys {
			values := g.Axes[key]
			if len(values) == 0 {
				return nil, fmt.Errorf("grid axis %q has no values: %w", key, domain.ErrConfiguration)
			}
			next := make([]strategy.RunConfig, 0, len(combos)*len(values))
			for _, c := range combos {
				for _, v := range values {
					cc := c.Clone()
					if err := setters[key](&cc, v); err != nil {
						return nil, fmt.Errorf("grid axis %q: %w", key, err)
					}
					next = append(next, cc)
				}
			}
			combos = next
		}
		for _, c := range combos {
			c.ApplyDefaults()
			label := c.Label()
			if g.Base.Name != "" {
				label = g.Base.Name + " " + label
			}
			c.Name = label
			out = append(out, c)
		}
	}

	if len(out) == 0 {
		out = append(out, g.Base.Clone())
	}
	for i := range out {
		out[i].ApplyDefaults()
	}
	return out, nil
}

type setter func(c *strategy.RunConfig, v *float64) error

func optional(field func(c *strategy.RunConfig) **float64) setter {
	return func(c *strategy.RunConfig, v *float64) error {
		if v == nil {
			*field(c) = nil
			return nil
		}
		x := *v
		*field(c) = &x
		return nil
	}
}

func required(field func(c *strategy.RunConfig) *float64) setter {
	return func(c *strategy.RunConfig, v *float64) error {
		if v == nil {
			return fmt.Errorf("null is not allowed: %w", domain.ErrConfiguration)
		}
		*field(c) = *v
		return nil
	}
}

func count(field func(c *strategy.RunConfig) *int) setter {
	return func(c *strategy.RunConfig, v *float64) error {
		if v == nil {
			*field(c) = 0
			return nil
		}
		if *v != float64(int(*v)) {
			return fmt.Errorf("%v is not a whole number: %w", *v, domain.ErrConfiguration)
		}
		*field(c) = int(*v)
		return nil
	}
}

var setters = map[string]setter{
	"stop_loss":        optional(func(c *strategy.RunConfig) **float64 { return &c.StopLoss }),
	"take_profit":      optional(func(c *strategy.RunConfig) **float64 { return &c.TakeProfit }),
	"trailing_stop":    optional(func(c *strategy.RunConfig) **float64 { return &c.TrailingStop }),
	"exit_score_floor": optional(func(c *strategy.RunConfig) **float64 { return &c.ExitScoreFloor }),
	"pyramid_trigger":  optional(func(c *strategy.RunConfig) **float64 { return &c.PyramidTrigger }),
	"max_holding_days": func(c *strategy.RunConfig, v *float64) error {
		if v == nil {
			c.MaxHoldingDays = nil
			return nil
		}
		if *v != float64(int(*v)) {
			return fmt.Errorf("max_holding_days %v is not a whole number: %w", *v, domain.ErrConfiguration)
		}
		c.MaxHoldingDays = strategy.Int(int(*v))
		return nil
	},
	"min_entry_score":   required(func(c *strategy.RunConfig) *float64 { return &c.MinEntryScore }),
	"position_size":     required(func(c *strategy.RunConfig) *float64 { return &c.PositionSize }),
	"pyramid_size":      required(func(c *strategy.RunConfig) *float64 { return &c.PyramidSize }),
	"cash_reserve":      required(func(c *strategy.RunConfig) *float64 { return &c.CashReserve }),
	"max_pyramids":      count(func(c *strategy.RunConfig) *int { return &c.MaxPyramids }),
	"max_positions":     count(func(c *strategy.RunConfig) *int { return &c.MaxPositions }),
	"max_per_sector":    count(func(c *strategy.RunConfig) *int { return &c.MaxPerSector }),
	"max_new_per_cycle": count(func(c *strategy.RunConfig) *int { return &c.MaxNewPerCycle }),
}

// AxisNames lists the parameters a grid may vary.
func AxisNames() []string {
	names := make([]string, 0, len(setters))
	for k := range setters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
