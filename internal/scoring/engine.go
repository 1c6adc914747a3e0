package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/indicators"
)

// ErrUnscoreable reports an instrument with neither usable price history
// nor fundamentals at the as-of date. It wraps domain.ErrDataUnavailable.
var ErrUnscoreable = fmt.Errorf("unscoreable: %w", domain.ErrDataUnavailable)

// Classification tags attached to results.
const (
	TagMomentumLeader           = "momentum_leader"
	TagQuality                  = "quality"
	TagCatalyst                 = "catalyst"
	TagOverbought               = "overbought"
	TagFundamentalsApproximated = "fundamentals_approximated"
	TagPartialHistory           = "partial_history"
)

// Lookback is the default and minimum number of bars requested per
// instrument: one year of sessions plus the base bar of the 12-month
// return.
const Lookback = indicators.Year + 1

// Source is the data the engine scores from. history.Access implements it.
type Source interface {
	PriceHistory(ctx context.Context, symbol string, asOf time.Time, lookback int) ([]domain.Bar, error)
	Fundamentals(ctx context.Context, symbol string) (domain.Fundamentals, error)
}

// Theme holds the configured thematic weights. Keys are matched case
// insensitively.
type Theme struct {
	SectorWeights map[string]float64
	TagWeights    map[string]float64
}

func (t Theme) sector(s string) float64 {
	return lookupFold(t.SectorWeights, s)
}

func (t Theme) tags(tags []string) float64 {
	var sum float64
	for _, tag := range tags {
		sum += lookupFold(t.TagWeights, tag)
	}
	return sum
}

func lookupFold(m map[string]float64, key string) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return 0
}

// LayerScore is the clamped contribution of one layer.
type LayerScore struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
}

// Result is the score of one instrument at one as-of date.
type Result struct {
	Symbol    string         `json:"symbol"`
	Sector    string         `json:"sector,omitempty"`
	AsOf      time.Time      `json:"as_of"`
	Total     float64        `json:"total"`
	Price     float64        `json:"price,omitempty"`
	Bars      int            `json:"bars"`
	Layers    []LayerScore   `json:"layers"`
	Breakdown []Contribution `json:"breakdown,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Notes     []string       `json:"notes,omitempty"`
}

// Layer returns the points of the named layer, zero when absent.
func (r Result) Layer(name string) float64 {
	for _, l := range r.Layers {
		if l.Name == name {
			return l.Points
		}
	}
	return 0
}

// HasTag reports whether the result carries tag.
func (r Result) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Engine scores instruments as of a date using only data on or before it.
type Engine struct {
	src      Source
	layers   []Layer
	theme    Theme
	lookback int
	log      *slog.Logger
}

// NewEngine creates an engine over src with the default layers.
func NewEngine(src Source, theme Theme, log *slog.Logger) *Engine {
	return &Engine{
		src:      src,
		layers:   DefaultLayers(),
		theme:    theme,
		lookback: Lookback,
		log:      log.With("component", "scoring"),
	}
}

// WithLayers replaces the scoring layers.
func (e *Engine) WithLayers(layers []Layer) *Engine {
	e.layers = layers
	return e
}

// WithLookback sets how many bars are fed to the price factors. Longer
// windows only change the smoothed indicators (RSI); values below Lookback
// are raised to it.
func (e *Engine) WithLookback(n int) *Engine {
	e.lookback = max(n, Lookback)
	return e
}

// LayersWithout returns the default layers minus the named ones. Unknown
// names wrap domain.ErrConfiguration.
func LayersWithout(disabled []string) ([]Layer, error) {
	layers := DefaultLayers()
	for _, name := range disabled {
		i := slices.IndexFunc(layers, func(l Layer) bool { return strings.EqualFold(l.Name, name) })
		if i < 0 {
			return nil, fmt.Errorf("unknown scoring layer %q: %w", name, domain.ErrConfiguration)
		}
		layers = slices.Delete(layers, i, i+1)
	}
	return layers, nil
}

// Score computes the score of inst at asOf.
func (e *Engine) Score(ctx context.Context, inst domain.Instrument, asOf time.Time) (Result, error) {
	return e.NewPass(asOf).Score(ctx, inst)
}

// Rank scores every instrument at asOf.
func (e *Engine) Rank(ctx context.Context, instruments []domain.Instrument, asOf time.Time) ([]Result, RankSummary, error) {
	return e.NewPass(asOf).Rank(ctx, instruments)
}

// score does the work of Score without memoisation.
func (e *Engine) score(ctx context.Context, inst domain.Instrument, asOf time.Time) (Result, error) {
	asOf = domain.SessionDate(asOf)
	res := Result{Symbol: inst.Symbol, Sector: inst.Sector, AsOf: asOf}

	bars, err := e.src.PriceHistory(ctx, inst.Symbol, asOf, e.lookback)
	if err != nil && !errors.Is(err, domain.ErrDataUnavailable) {
		return Result{}, err
	}
	f, ferr := e.src.Fundamentals(ctx, inst.Symbol)
	if ferr != nil && !errors.Is(ferr, domain.ErrDataUnavailable) {
		return Result{}, ferr
	}
	haveFunds := ferr == nil && !f.Empty()
	if len(bars) == 0 && !haveFunds {
		return Result{}, fmt.Errorf("%s as of %s: %w", inst.Symbol, asOf.Format("2006-01-02"), ErrUnscoreable)
	}
	if res.Sector == "" && haveFunds {
		res.Sector = f.Sector
	}

	in := Inputs{}
	res.Bars = len(bars)
	if len(bars) > 0 {
		res.Price = bars[len(bars)-1].Close
		priceInputs(in, bars)
	} else {
		res.Notes = append(res.Notes, "no price history")
	}
	if haveFunds {
		fundamentalInputs(in, f, asOf)
		if f.RetrievedAt.IsZero() || asOf.Before(domain.SessionDate(f.RetrievedAt)) {
			res.Tags = append(res.Tags, TagFundamentalsApproximated)
		}
	} else {
		res.Notes = append(res.Notes, "no fundamentals")
	}
	if w := e.theme.sector(res.Sector); w != 0 {
		in[InSectorWeight] = w
	}
	if w := e.theme.tags(inst.Tags); w != 0 {
		in[InTagWeight] = w
	}

	for _, l := range e.layers {
		pts, parts := l.Evaluate(in, len(bars))
		res.Total += pts
		res.Layers = append(res.Layers, LayerScore{Name: l.Name, Points: pts})
		res.Breakdown = append(res.Breakdown, parts...)
	}

	if len(bars) < indicators.Year {
		res.Tags = append(res.Tags, TagPartialHistory)
	}
	if res.Layer(LayerMomentum) >= 15 {
		res.Tags = append(res.Tags, TagMomentumLeader)
	}
	if res.Layer(LayerFundamentals) >= 10 {
		res.Tags = append(res.Tags, TagQuality)
	}
	if res.Layer(LayerCatalyst) >= 3 {
		res.Tags = append(res.Tags, TagCatalyst)
	}
	if rsi, ok := in[InRSI14]; ok && rsi > 70 {
		res.Tags = append(res.Tags, TagOverbought)
	}
	sort.Strings(res.Tags)
	return res, nil
}

func priceInputs(in Inputs, bars []domain.Bar) {
	closes := indicators.Closes(bars)
	last := closes[len(closes)-1]
	if v, ok := indicators.TrailingReturn(closes, indicators.Quarter); ok {
		in[InReturn3M] = v
	}
	if v, ok := indicators.TrailingReturn(closes, indicators.HalfYear); ok {
		in[InReturn6M] = v
	}
	if v, ok := indicators.TrailingReturn(closes, indicators.Year); ok {
		in[InReturn12M] = v
	}
	if v, ok := indicators.FromHigh(closes, indicators.Year); ok {
		in[InFromHigh52W] = v
	}
	if sma, ok := indicators.SMA(closes, 50); ok {
		in[InAboveSMA50] = boolInput(last > sma)
	}
	if sma, ok := indicators.SMA(closes, 200); ok {
		in[InAboveSMA200] = boolInput(last > sma)
	}
	if v, ok := indicators.RSI(closes, 14); ok {
		in[InRSI14] = v
	}
	if v, ok := indicators.Volatility(closes, indicators.Quarter); ok {
		in[InVolatility] = v
	}
	if v, ok := indicators.AverageDollarVolume(bars, indicators.Month); ok {
		in[InDollarVolume] = v
	}
}

func boolInput(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// fundamentalMetrics are the snapshot keys read by the fundamental and
// catalyst layers. Other snapshot keys are ignored so they cannot shadow
// price-derived inputs.
var fundamentalMetrics = []string{
	domain.MetricRevenueGrowth,
	domain.MetricEarningsGrowth,
	domain.MetricReturnOnEquity,
	domain.MetricProfitMargin,
	domain.MetricDebtToEquity,
	domain.MetricForwardPE,
	domain.MetricEarningsSurprise,
}

func fundamentalInputs(in Inputs, f domain.Fundamentals, asOf time.Time) {
	for _, k := range fundamentalMetrics {
		if v, ok := f.Metrics[k]; ok {
			in[k] = v
		}
	}
	if !f.NextEarnings.IsZero() {
		days := domain.SessionDate(f.NextEarnings).Sub(asOf).Hours() / 24
		if days >= 0 {
			in[InDaysToEarnings] = days
		}
	}
}

// ---------------------------------------------------------------------------
// Scoring pass
// ---------------------------------------------------------------------------

type memo struct {
	res Result
	err error
}

// Pass memoises scores for one as-of date. A scheduler opens one pass per
// rebalance date so held positions and candidates are scored once. Not
// safe for concurrent use.
type Pass struct {
	e    *Engine
	asOf time.Time
	seen map[string]memo
}

// NewPass starts a scoring pass at asOf.
func (e *Engine) NewPass(asOf time.Time) *Pass {
	return &Pass{e: e, asOf: domain.SessionDate(asOf), seen: make(map[string]memo)}
}

// AsOf returns the pass date.
func (p *Pass) AsOf() time.Time { return p.asOf }

// Score returns the memoised score of inst. Context errors are not
// memoised.
func (p *Pass) Score(ctx context.Context, inst domain.Instrument) (Result, error) {
	if m, ok := p.seen[inst.Symbol]; ok {
		return m.res, m.err
	}
	res, err := p.e.score(ctx, inst, p.asOf)
	if err != nil && ctx.Err() != nil {
		return Result{}, err
	}
	p.seen[inst.Symbol] = memo{res: res, err: err}
	return res, err
}

// RankSummary counts the outcome of a ranking.
type RankSummary struct {
	Scored      int      `json:"scored"`
	Unscoreable []string `json:"unscoreable,omitempty"`
}

// Rank scores instruments and returns them ordered by descending total,
// ties broken by ascending symbol. Unscoreable instruments are left out
// and listed in the summary. Only context cancellation and non-data
// errors fail the ranking.
func (p *Pass) Rank(ctx context.Context, instruments []domain.Instrument) ([]Result, RankSummary, error) {
	var sum RankSummary
	out := make([]Result, 0, len(instruments))
	for _, inst := range instruments {
		if err := ctx.Err(); err != nil {
			return nil, sum, err
		}
		res, err := p.Score(ctx, inst)
		if errors.Is(err, domain.ErrDataUnavailable) {
			sum.Unscoreable = append(sum.Unscoreable, inst.Symbol)
			continue
		}
		if err != nil {
			return nil, sum, fmt.Errorf("score %s: %w", inst.Symbol, err)
		}
		out = append(out, res)
	}
	SortResults(out)
	sum.Scored = len(out)
	if len(sum.Unscoreable) > 0 {
		p.e.log.Debug("unscoreable instruments", "as_of", p.asOf.Format("2006-01-02"),
			"count", len(sum.Unscoreable))
	}
	return out, sum, nil
}

// SortResults orders results by descending total, then ascending symbol.
func SortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Total != rs[j].Total {
			return rs[i].Total > rs[j].Total
		}
		return rs[i].Symbol < rs[j].Symbol
	})
}
