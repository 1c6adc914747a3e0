package sweep

import (
	"sort"

	"factorlab/internal/engine"
)

// Entry is one configuration's place in a sweep report. Rank is 1-based
// for ranked runs and zero for unqualified and failed ones.
type Entry struct {
	Rank      int            `json:"rank"`
	Name      string         `json:"name"`
	Status    engine.Status  `json:"status"`
	Error     string         `json:"error,omitempty"`
	Qualified bool           `json:"qualified"`
	Metrics   engine.Metrics `json:"metrics"`
	Result    *engine.Result `json:"-"`
}

// better orders completed runs: Sharpe descending, then total return
// descending, then name ascending.
func better(a, b *engine.Result) bool {
	if a.Metrics.Sharpe != b.Metrics.Sharpe {
		return a.Metrics.Sharpe > b.Metrics.Sharpe
	}
	if a.Metrics.TotalReturn != b.Metrics.TotalReturn {
		return a.Metrics.TotalReturn > b.Metrics.TotalReturn
	}
	return a.Config.DisplayName() < b.Config.DisplayName()
}

// Rank orders results. Completed runs whose total return reaches minReturn
// qualify and are ranked first; when none qualifies every completed run is
// ranked and fallback is true. Completed runs that missed the threshold
// follow unranked, then failed runs by name. Nothing is dropped.
func Rank(results []*engine.Result, minReturn float64) (entries []Entry, fallback bool) {
	var qualified, rest, failed []*engine.Result
	for _, r := range results {
		switch {
		case r.Status != engine.StatusDone:
			failed = append(failed, r)
		case r.Metrics.TotalReturn >= minReturn:
			qualified = append(qualified, r)
		default:
			rest = append(rest, r)
		}
	}
	if len(qualified) == 0 && len(rest) > 0 {
		qualified, rest, fallback = rest, nil, true
	}

	sort.SliceStable(qualified, func(i, j int) bool { return better(qualified[i], qualified[j]) })
	sort.SliceStable(rest, func(i, j int) bool { return better(rest[i], rest[j]) })
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].Config.DisplayName() < failed[j].Config.DisplayName()
	})

	for i, r := range qualified {
		e := entry(r)
		e.Rank = i + 1
		e.Qualified = !fallback
		entries = append(entries, e)
	}
	for _, r := range rest {
		entries = append(entries, entry(r))
	}
	for _, r := range failed {
		entries = append(entries, entry(r))
	}
	return entries, fallback
}

func entry(r *engine.Result) Entry {
	return Entry{
		Name:    r.Config.DisplayName(),
		Status:  r.Status,
		Error:   r.Error,
		Metrics: r.Metrics,
		Result:  r,
	}
}
