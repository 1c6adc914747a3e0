package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/history"
	"factorlab/internal/portfolio"
	"factorlab/internal/scoring"
	"factorlab/internal/strategy"
	"factorlab/internal/util"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

var (
	d1 = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	d2 = time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)
	d3 = time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC)
	d4 = time.Date(2024, 1, 26, 0, 0, 0, 0, time.UTC)

	fourDates = []time.Time{d1, d2, d3, d4}
)

// stubPrices serves a close per symbol per rebalance date.
type stubPrices struct {
	closes map[string][]float64 // aligned with fourDates
	failOn time.Time
}

func (s *stubPrices) PriceAt(_ context.Context, symbol string, asOf time.Time) (float64, error) {
	if !s.failOn.IsZero() && asOf.Equal(s.failOn) {
		return 0, fmt.Errorf("upstream outage: %w", domain.ErrProvider)
	}
	series, ok := s.closes[symbol]
	if !ok {
		return 0, domain.ErrDataUnavailable
	}
	for i := len(fourDates) - 1; i >= 0; i-- {
		if !fourDates[i].After(asOf) {
			return series[i], nil
		}
	}
	return 0, domain.ErrDataUnavailable
}

func (s *stubPrices) PriceHistory(_ context.Context, symbol string, asOf time.Time, _ int) ([]domain.Bar, error) {
	series, ok := s.closes[symbol]
	if !ok {
		return nil, domain.ErrDataUnavailable
	}
	var bars []domain.Bar
	for i, d := range fourDates {
		if d.After(asOf) {
			break
		}
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: d, Close: series[i]})
	}
	if len(bars) == 0 {
		return nil, domain.ErrDataUnavailable
	}
	return bars, nil
}

// stubScorer serves a fixed score per symbol per rebalance date.
type stubScorer struct {
	scores map[string][]float64 // aligned with fourDates
}

func (s *stubScorer) NewPass(asOf time.Time) Pass { return &stubPass{s: s, asOf: asOf} }

type stubPass struct {
	s    *stubScorer
	asOf time.Time
}

func (p *stubPass) Score(_ context.Context, inst domain.Instrument) (scoring.Result, error) {
	series, ok := p.s.scores[inst.Symbol]
	if !ok {
		return scoring.Result{}, scoring.ErrUnscoreable
	}
	for i, d := range fourDates {
		if d.Equal(p.asOf) {
			return scoring.Result{Symbol: inst.Symbol, Sector: inst.Sector, AsOf: p.asOf, Total: series[i]}, nil
		}
	}
	return scoring.Result{}, scoring.ErrUnscoreable
}

func (p *stubPass) Rank(ctx context.Context, insts []domain.Instrument) ([]scoring.Result, scoring.RankSummary, error) {
	var out []scoring.Result
	var sum scoring.RankSummary
	for _, inst := range insts {
		r, err := p.Score(ctx, inst)
		if err != nil {
			sum.Unscoreable = append(sum.Unscoreable, inst.Symbol)
			continue
		}
		out = append(out, r)
	}
	scoring.SortResults(out)
	sum.Scored = len(out)
	return out, sum, nil
}

func threeInstruments() Universe {
	return Universe{Instruments: []domain.Instrument{
		{Symbol: "AAA", Sector: "Technology"},
		{Symbol: "BBB", Sector: "Technology"},
		{Symbol: "CCC", Sector: "Energy"},
	}}
}

func e2ePrices() *stubPrices {
	return &stubPrices{closes: map[string][]float64{
		"AAA": {100, 110, 125, 130},
		"BBB": {50, 44, 40, 40},
		"CCC": {20, 20, 22, 25},
	}}
}

func e2eScores() *stubScorer {
	return &stubScorer{scores: map[string][]float64{
		"AAA": {15, 15, 15, 15},
		"BBB": {12, 5, 5, 5},
		"CCC": {11, 11, 11, 9},
	}}
}

func e2eConfig() strategy.RunConfig {
	cfg := strategy.RunConfig{
		Name:          "e2e",
		StartingCash:  10_000,
		PositionSize:  1_000,
		MinEntryScore: 10,
		StopLoss:      strategy.Float(-0.10),
		TakeProfit:    strategy.Float(0.20),
		MaxPositions:  2,
	}
	cfg.ApplyDefaults()
	return cfg
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// feed serves fixed daily series to history.Access, ignoring the range.
type feed map[string][]domain.Bar

func (f feed) Name() string { return "feed" }

func (f feed) FetchPriceHistory(_ context.Context, symbol string, _, _ time.Time) ([]domain.Bar, error) {
	bars, ok := f[symbol]
	if !ok {
		return nil, gather.ErrNotFound
	}
	return bars, nil
}

// dailySeries builds one bar per calendar day ending on last.
func dailySeries(symbol string, last time.Time, n int, close func(i int) float64) []domain.Bar {
	first := last.AddDate(0, 0, -(n - 1))
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := close(i)
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: first.AddDate(0, 0, i),
			Open:      c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: 2_000_000,
		}
	}
	return bars
}

func newHistory(f feed, end time.Time) *history.Access {
	return history.NewAccess(f, nil, history.Options{
		HistoryStart:  end.AddDate(-3, 0, 0),
		HistoryEnd:    end,
		RetryAttempts: 1,
	}, util.DiscardLogger())
}

// wavySeries is a three-instrument market with enough swing to trigger
// stops and targets: a steady riser, a choppy riser and a range trader.
func wavySeries(end time.Time) feed {
	const n = 420
	return feed{
		"AAA": dailySeries("AAA", end, n, func(i int) float64 {
			return 100 * math.Pow(1.004, float64(i)) * (1 + 0.08*math.Sin(float64(i)/9))
		}),
		"BBB": dailySeries("BBB", end, n, func(i int) float64 {
			return 80 * math.Pow(1.002, float64(i)) * (1 + 0.12*math.Sin(float64(i)/6+1))
		}),
		"CCC": dailySeries("CCC", end, n, func(i int) float64 {
			return 50 * (1 + 0.3*math.Sin(float64(i)/25))
		}),
	}
}

// scoredEngine wires the data layer, the scoring engine and the prefilter
// the way the command line does.
func scoredEngine(f feed, end time.Time) *Engine {
	access := newHistory(f, end)
	screen := &scoring.Prefilter{Source: access, MinReturn: 0, MAPeriod: 50, FallbackSize: 2}
	return NewEngine(access, FromScoring(scoring.NewEngine(access, scoring.Theme{}, util.DiscardLogger())),
		screen, util.DiscardLogger())
}

func weeklyDates(from time.Time, n int) []time.Time {
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = from.AddDate(0, 0, 7*i)
	}
	return dates
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPhaseString(t *testing.T) {
	if got := PhaseFinalize.String(); got != "finalize" {
		t.Errorf("PhaseFinalize.String() = %q, want %q", got, "finalize")
	}
	if got := Phase(42).String(); got != "phase(42)" {
		t.Errorf("Phase(42).String() = %q", got)
	}
}

func TestRunEndToEnd(t *testing.T) {
	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())

	res, err := e.Run(context.Background(), e2eConfig(), threeInstruments(), fourDates)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusDone {
		t.Fatalf("Status = %q, want done", res.Status)
	}
	if res.ID == "" {
		t.Error("result has no ID")
	}

	type tradeWant struct {
		symbol string
		action portfolio.Action
		date   time.Time
		price  float64
		shares float64
		pnl    float64
		reason string
	}
	want := []tradeWant{
		{"AAA", portfolio.ActionOpen, d1, 100, 10, 0, ""},
		{"BBB", portfolio.ActionOpen, d1, 50, 20, 0, ""},
		{"BBB", portfolio.ActionClose, d2, 44, 20, -120, "stop_loss"},
		{"CCC", portfolio.ActionOpen, d2, 20, 50, 0, ""},
		{"AAA", portfolio.ActionClose, d3, 125, 10, 250, "take_profit"},
		{"AAA", portfolio.ActionOpen, d3, 125, 8, 0, ""},
		{"CCC", portfolio.ActionClose, d4, 25, 50, 250, "take_profit"},
		{"AAA", portfolio.ActionClose, d4, 130, 8, 40, "end_of_backtest"},
	}
	if len(res.Trades) != len(want) {
		t.Fatalf("len(Trades) = %d, want %d: %+v", len(res.Trades), len(want), res.Trades)
	}
	for i, w := range want {
		got := res.Trades[i]
		if got.Symbol != w.symbol || got.Action != w.action || !got.Date.Equal(w.date) ||
			got.Price != w.price || got.Shares != w.shares || got.Reason != w.reason || !near(got.RealizedPnL, w.pnl) {
			t.Errorf("trade[%d] = %s %s %s %v x %v pnl %v %q, want %+v", i,
				got.Symbol, got.Action, got.Date.Format("2006-01-02"), got.Shares, got.Price,
				got.RealizedPnL, got.Reason, w)
		}
	}
	if got := res.Trades[4]; got.HoldingDays != 14 || !near(got.ReturnPct, 0.25) {
		t.Errorf("AAA first close: holding %d return %v, want 14 and 0.25", got.HoldingDays, got.ReturnPct)
	}

	wantEquity := []float64{10_000, 9_980, 10_230, 10_420}
	if len(res.Equity) != len(wantEquity) {
		t.Fatalf("len(Equity) = %d, want %d", len(res.Equity), len(wantEquity))
	}
	for i, w := range wantEquity {
		s := res.Equity[i]
		if !s.Date.Equal(fourDates[i]) || !near(s.TotalEquity, w) {
			t.Errorf("equity[%d] = %v on %v, want %v on %v", i, s.TotalEquity, s.Date, w, fourDates[i])
		}
		if !near(s.TotalEquity, s.Cash+s.PositionsValue) {
			t.Errorf("equity[%d]: total %v != cash %v + positions %v", i, s.TotalEquity, s.Cash, s.PositionsValue)
		}
	}
	if last := res.Equity[3]; last.Positions != 0 || !near(last.Cash, 10_420) {
		t.Errorf("final snapshot = %+v, want flat book with 10420 cash", last)
	}

	m := res.Metrics
	if !near(m.FinalEquity, 10_420) || !near(m.TotalReturn, 0.042) {
		t.Errorf("final equity %v return %v, want 10420 and 0.042", m.FinalEquity, m.TotalReturn)
	}
	if m.Trades != 4 || !near(m.WinRate, 0.75) || !near(m.ProfitFactor, 4.5) {
		t.Errorf("trades %d win rate %v profit factor %v, want 4, 0.75, 4.5", m.Trades, m.WinRate, m.ProfitFactor)
	}
	if !near(m.MaxDrawdown, 0.002) {
		t.Errorf("MaxDrawdown = %v, want 0.002", m.MaxDrawdown)
	}
	if m.Sharpe <= 0 {
		t.Errorf("Sharpe = %v, want positive", m.Sharpe)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	end := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	dates := weeklyDates(time.Date(2023, 10, 13, 0, 0, 0, 0, time.UTC), 15)
	market := wavySeries(end)
	cfg := e2eConfig()
	cfg.MinEntryScore = 1

	shared := scoredEngine(market, end)
	runs := make([]*Result, 3)
	for i := range runs {
		e := shared
		if i == 2 {
			// A cold cache must not change the outcome.
			e = scoredEngine(market, end)
		}
		res, err := e.Run(context.Background(), cfg, threeInstruments(), dates)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		runs[i] = res
	}

	a := runs[0]
	if len(a.Trades) == 0 {
		t.Fatal("no trades; the market should produce entries")
	}
	if len(a.Equity) != len(dates) {
		t.Fatalf("len(Equity) = %d, want %d", len(a.Equity), len(dates))
	}
	for i, b := range runs[1:] {
		if !reflect.DeepEqual(a.Trades, b.Trades) {
			t.Errorf("run %d trades differ:\n%+v\n%+v", i+1, a.Trades, b.Trades)
		}
		if !reflect.DeepEqual(a.Equity, b.Equity) {
			t.Errorf("run %d equity differs:\n%+v\n%+v", i+1, a.Equity, b.Equity)
		}
		if a.Metrics != b.Metrics {
			t.Errorf("run %d metrics differ: %+v vs %+v", i+1, a.Metrics, b.Metrics)
		}
		if a.ID == b.ID {
			t.Errorf("run %d shares an ID", i+1)
		}
	}
}

func TestRunSectorCapAndExclusions(t *testing.T) {
	cfg := e2eConfig()
	cfg.MaxPositions = 0
	cfg.MaxPerSector = 1
	u := threeInstruments()
	u.Exclude = map[string]bool{"CCC": true}

	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), cfg, u, []time.Time{d1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var opened []string
	for _, tr := range res.Trades {
		if tr.Action == portfolio.ActionOpen {
			opened = append(opened, tr.Symbol)
		}
	}
	sort.Strings(opened)
	if len(opened) != 1 || opened[0] != "AAA" {
		t.Errorf("opened %v, want only AAA (BBB shares its sector, CCC excluded)", opened)
	}
}

func TestRunMaxNewPerCycle(t *testing.T) {
	cfg := e2eConfig()
	cfg.MaxPositions = 0
	cfg.MaxNewPerCycle = 1

	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), cfg, threeInstruments(), []time.Time{d1, d2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Trades[0]; got.Symbol != "AAA" || !got.Date.Equal(d1) {
		t.Errorf("first trade = %s on %v, want AAA on d1", got.Symbol, got.Date)
	}
	if got := res.Trades[1]; got.Symbol != "CCC" || !got.Date.Equal(d2) {
		t.Errorf("second trade = %s on %v, want CCC on d2", got.Symbol, got.Date)
	}
}

func TestRunCashReserve(t *testing.T) {
	cfg := e2eConfig()
	cfg.MaxPositions = 0
	cfg.CashReserve = 0.85

	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), cfg, threeInstruments(), []time.Time{d1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 10000 - 0.85*10000 = 1500 funds one entry; then 500 remain.
	opens := 0
	for _, tr := range res.Trades {
		if tr.Action == portfolio.ActionOpen {
			opens++
		}
	}
	if opens != 1 {
		t.Errorf("opened %d positions, want 1", opens)
	}
}

func TestRunPrefilterFallback(t *testing.T) {
	prices := e2ePrices()
	screen := &scoring.Prefilter{Source: prices, MinReturn: 0, MAPeriod: 50, FallbackSize: 1}

	e := NewEngine(prices, e2eScores(), screen, util.DiscardLogger())
	res, err := e.Run(context.Background(), e2eConfig(), threeInstruments(), fourDates)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FallbackDates != len(fourDates) {
		t.Errorf("FallbackDates = %d, want %d", res.FallbackDates, len(fourDates))
	}
	if len(res.Equity) != len(fourDates) {
		t.Fatalf("len(Equity) = %d, want %d", len(res.Equity), len(fourDates))
	}
	for i, s := range res.Equity {
		if !near(s.TotalEquity, s.Cash+s.PositionsValue) {
			t.Errorf("equity[%d] does not reconcile: %+v", i, s)
		}
	}
	if res.Equity[len(res.Equity)-1].Positions != 0 {
		t.Error("positions left open after finalize")
	}
	if res.Trades[0].Symbol != "AAA" {
		t.Errorf("first entry = %s, want fallback pick AAA", res.Trades[0].Symbol)
	}
}

func TestRunPrefilterTrendRule(t *testing.T) {
	falling := func(i int) float64 { return 100 * math.Pow(0.995, float64(i)) }
	rising := func(i int) float64 { return 20 * math.Pow(1.005, float64(i)) }

	tests := []struct {
		name      string
		ccc       func(i int) float64
		fallbacks int
		first     string
	}{
		{"all declining", falling, len(fourDates), "AAA"},
		{"one uptrend", rising, 0, "CCC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Two hundred bars: every symbol has the full six-month window, so
			// the screen decides on the trend rule rather than on missing data.
			src := newHistory(feed{
				"AAA": dailySeries("AAA", d4, 200, falling),
				"BBB": dailySeries("BBB", d4, 200, falling),
				"CCC": dailySeries("CCC", d4, 200, tt.ccc),
			}, d4)
			for _, sym := range []string{"AAA", "BBB", "CCC"} {
				bars, err := src.PriceHistory(context.Background(), sym, d1, 0)
				if err != nil || len(bars) < 127 {
					t.Fatalf("%s: %d bars by %v (%v), want at least 127", sym, len(bars), d1, err)
				}
			}
			screen := &scoring.Prefilter{Source: src, MinReturn: 0, MAPeriod: 50, FallbackSize: 1}

			e := NewEngine(e2ePrices(), e2eScores(), screen, util.DiscardLogger())
			res, err := e.Run(context.Background(), e2eConfig(), threeInstruments(), fourDates)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.FallbackDates != tt.fallbacks {
				t.Errorf("FallbackDates = %d, want %d", res.FallbackDates, tt.fallbacks)
			}
			if len(res.Trades) == 0 || res.Trades[0].Symbol != tt.first {
				t.Fatalf("trades = %+v, want first entry %s", res.Trades, tt.first)
			}
			for _, tr := range res.Trades {
				if tr.Symbol != tt.first {
					t.Errorf("traded %s, want only the screened %s", tr.Symbol, tt.first)
				}
			}
		})
	}
}

func TestRunCountsUnscoreable(t *testing.T) {
	u := threeInstruments()
	u.Instruments = append(u.Instruments, domain.Instrument{Symbol: "GHOST"})

	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), e2eConfig(), u, fourDates)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Unscoreable != len(fourDates) {
		t.Errorf("Unscoreable = %d, want %d", res.Unscoreable, len(fourDates))
	}
	if !near(res.Metrics.FinalEquity, 10_420) {
		t.Errorf("FinalEquity = %v, want 10420", res.Metrics.FinalEquity)
	}
}

func TestRunFailurePreservesHistory(t *testing.T) {
	prices := e2ePrices()
	prices.failOn = d3

	e := NewEngine(prices, e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), e2eConfig(), threeInstruments(), fourDates)
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("Run error = %v, want ErrProvider", err)
	}
	if res == nil || res.Status != StatusFailed || res.Error == "" {
		t.Fatalf("result = %+v, want failed with error", res)
	}
	if len(res.Equity) != 2 || len(res.Trades) != 4 {
		t.Errorf("kept %d snapshots and %d trades, want 2 and 4", len(res.Equity), len(res.Trades))
	}
}

func TestRunRejectsBadConfiguration(t *testing.T) {
	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())

	bad := e2eConfig()
	bad.PositionSize = -1
	if _, err := e.Run(context.Background(), bad, threeInstruments(), fourDates); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("invalid config error = %v, want ErrConfiguration", err)
	}
	if _, err := e.Run(context.Background(), e2eConfig(), Universe{}, fourDates); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("empty universe error = %v, want ErrConfiguration", err)
	}
	if _, err := e.Run(context.Background(), e2eConfig(), threeInstruments(), nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("no dates error = %v, want ErrConfiguration", err)
	}
}

func TestRunPyramids(t *testing.T) {
	cfg := e2eConfig()
	cfg.TakeProfit = nil
	cfg.PyramidTrigger = strategy.Float(0.05)
	cfg.PyramidSize = 500
	cfg.MaxPyramids = 1

	e := NewEngine(e2ePrices(), e2eScores(), nil, util.DiscardLogger())
	res, err := e.Run(context.Background(), cfg, threeInstruments(), fourDates)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var adds []portfolio.Trade
	for _, tr := range res.Trades {
		if tr.Action == portfolio.ActionAdd {
			adds = append(adds, tr)
		}
	}
	// AAA +10% on d2 adds floor(500/110) = 4 shares once; CCC +10% on d3
	// adds floor(500/22) = 22 shares once.
	if len(adds) != 2 {
		t.Fatalf("adds = %+v, want 2", adds)
	}
	if adds[0].Symbol != "AAA" || adds[0].Shares != 4 || !adds[0].Date.Equal(d2) {
		t.Errorf("first add = %+v", adds[0])
	}
	if adds[1].Symbol != "CCC" || adds[1].Shares != 22 || !adds[1].Date.Equal(d3) {
		t.Errorf("second add = %+v", adds[1])
	}
}

func TestRiskManagerCheckEntry(t *testing.T) {
	cfg := strategy.RunConfig{PositionSize: 1_000, MaxPositions: 1, MaxPerSector: 1, MaxNewPerCycle: 2, CashReserve: 0.1}
	rm := NewRiskManager(cfg)
	l := portfolio.NewLedger(10_000)

	if err := rm.CheckEntry(l, "Tech", 0); err != nil {
		t.Fatalf("CheckEntry on empty book: %v", err)
	}
	if err := rm.CheckEntry(l, "Tech", 2); !errors.Is(err, ErrCycleCap) {
		t.Errorf("cycle cap error = %v", err)
	}
	if _, err := l.Open("AAA", "Tech", d1, 100, 10, 20); err != nil {
		t.Fatal(err)
	}
	if err := rm.CheckEntry(l, "Energy", 1); !errors.Is(err, ErrPositionCap) {
		t.Errorf("position cap error = %v", err)
	}

	rm.maxPositions = 0
	if err := rm.CheckEntry(l, "Tech", 1); !errors.Is(err, ErrSectorCap) {
		t.Errorf("sector cap error = %v", err)
	}
	if err := rm.CheckAdd(l, 8_500); !errors.Is(err, ErrCashReserve) {
		t.Errorf("reserve error = %v", err)
	}
}
