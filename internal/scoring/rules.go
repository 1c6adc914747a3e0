// Package scoring implements the layered factor scoring engine and the
// cheap universe prefilter. Scoring rules are data: each factor is an
// ordered ladder of (predicate, points) rules evaluated first match wins.
package scoring

import (
	"fmt"
	"math"
)

// Rule awards Points when When holds for the factor input.
type Rule struct {
	Label  string
	When   func(v float64) bool
	Points float64
}

// Above matches inputs strictly greater than x.
func Above(x, points float64) Rule {
	return Rule{Label: fmt.Sprintf("> %g", x), When: func(v float64) bool { return v > x }, Points: points}
}

// AtLeast matches inputs greater than or equal to x.
func AtLeast(x, points float64) Rule {
	return Rule{Label: fmt.Sprintf(">= %g", x), When: func(v float64) bool { return v >= x }, Points: points}
}

// Below matches inputs strictly less than x.
func Below(x, points float64) Rule {
	return Rule{Label: fmt.Sprintf("< %g", x), When: func(v float64) bool { return v < x }, Points: points}
}

// AtMost matches inputs less than or equal to x.
func AtMost(x, points float64) Rule {
	return Rule{Label: fmt.Sprintf("<= %g", x), When: func(v float64) bool { return v <= x }, Points: points}
}

// Between matches lo <= v <= hi.
func Between(lo, hi, points float64) Rule {
	return Rule{
		Label:  fmt.Sprintf("[%g, %g]", lo, hi),
		When:   func(v float64) bool { return v >= lo && v <= hi },
		Points: points,
	}
}

// Ladder is an ordered rule list. The first matching rule decides; when
// none matches the ladder yields Default.
type Ladder struct {
	Rules   []Rule
	Default float64
}

// Steps builds a ladder with a zero default.
func Steps(rules ...Rule) Ladder { return Ladder{Rules: rules} }

// Eval returns the points and label of the first matching rule. The
// label is empty when the default applied.
func (l Ladder) Eval(v float64) (float64, string) {
	for _, r := range l.Rules {
		if r.When(v) {
			return r.Points, r.Label
		}
	}
	return l.Default, ""
}

// Factor scores one input. With an empty Ladder the input is taken
// linearly, scaled by Weight. Factors are skipped when fewer than MinBars
// bars of history are available.
type Factor struct {
	Name    string
	Input   string
	Ladder  Ladder
	Weight  float64
	MinBars int
}

// Contribution is one line of a score breakdown.
type Contribution struct {
	Layer  string  `json:"layer"`
	Factor string  `json:"factor"`
	Rule   string  `json:"rule,omitempty"`
	Input  float64 `json:"input"`
	Points float64 `json:"points"`
}

// Layer groups factors whose summed points are clamped to [Min, Max].
type Layer struct {
	Name    string
	Min     float64
	Max     float64
	Factors []Factor
}

// Evaluate scores every factor whose input is available given bars of
// history. Missing inputs contribute nothing. The returned points are
// clamped to the layer bounds.
func (l Layer) Evaluate(in Inputs, bars int) (float64, []Contribution) {
	var sum float64
	var parts []Contribution
	for _, f := range l.Factors {
		v, ok := in[f.Input]
		if !ok || bars < f.MinBars {
			continue
		}
		var pts float64
		var label string
		if len(f.Ladder.Rules) == 0 {
			pts = v * f.Weight
		} else {
			pts, label = f.Ladder.Eval(v)
		}
		if pts == 0 {
			continue
		}
		sum += pts
		parts = append(parts, Contribution{Layer: l.Name, Factor: f.Name, Rule: label, Input: v, Points: pts})
	}
	return math.Max(l.Min, math.Min(l.Max, sum)), parts
}
