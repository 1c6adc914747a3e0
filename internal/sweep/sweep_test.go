package sweep

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/domain"
	"factorlab/internal/engine"
	"factorlab/internal/portfolio"
	"factorlab/internal/store"
	"factorlab/internal/strategy"
	"factorlab/internal/util"
)

const gridYAML = `
base:
  name: base
  starting_cash: 10000
  position_size: 1000
  min_entry_score: 10
configs:
  - name: tight
    stop_loss: -0.05
grid:
  take_profit: [0.25, null]
  stop_loss: [-0.08, -0.12]
`

func TestGridExpand(t *testing.T) {
	g, err := ParseGrid([]byte(gridYAML))
	require.NoError(t, err)

	configs, err := g.Expand()
	require.NoError(t, err)
	require.Len(t, configs, 5)

	assert.Equal(t, "tight", configs[0].Name)
	require.NotNil(t, configs[0].StopLoss)
	assert.Equal(t, -0.05, *configs[0].StopLoss)
	assert.Equal(t, 1000.0, configs[0].PositionSize, "explicit configs inherit base")

	// stop_loss sorts before take_profit, so take_profit varies fastest.
	want := []struct {
		sl float64
		tp *float64
	}{
		{-0.08, strategy.Float(0.25)},
		{-0.08, nil},
		{-0.12, strategy.Float(0.25)},
		{-0.12, nil},
	}
	for i, w := range want {
		c := configs[i+1]
		require.NotNil(t, c.StopLoss)
		assert.Equal(t, w.sl, *c.StopLoss, "config %d", i+1)
		assert.Equal(t, w.tp, c.TakeProfit, "config %d", i+1)
		assert.True(t, strings.HasPrefix(c.Name, "base "), c.Name)
		assert.NoError(t, c.Validate())
	}

	names := map[string]bool{}
	for _, c := range configs {
		assert.False(t, names[c.Name], "duplicate name %s", c.Name)
		names[c.Name] = true
	}
}

func TestGridExpandIsIndependent(t *testing.T) {
	g, err := ParseGrid([]byte(gridYAML))
	require.NoError(t, err)
	configs, err := g.Expand()
	require.NoError(t, err)

	*configs[1].StopLoss = -0.5
	assert.Equal(t, -0.08, *configs[2].StopLoss)
	assert.Nil(t, g.Base.StopLoss)
}

func TestGridRejectsUnknownAxis(t *testing.T) {
	_, err := ParseGrid([]byte("grid:\n  stop_los: [-0.1]\n"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	g, err := ParseGrid([]byte("grid:\n  max_positions: [2.5]\n"))
	require.NoError(t, err)
	_, err = g.Expand()
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestGridBaseOnly(t *testing.T) {
	g, err := ParseGrid([]byte("base:\n  name: solo\n"))
	require.NoError(t, err)
	configs, err := g.Expand()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "solo", configs[0].Name)
	assert.Equal(t, 100_000.0, configs[0].StartingCash)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// fakeBacktester derives metrics from the config name: "<sharpe>/<return>"
// or "fail".
type fakeBacktester struct {
	mu    sync.Mutex
	calls []string
	onRun func()
}

func (f *fakeBacktester) Run(_ context.Context, cfg strategy.RunConfig, _ engine.Universe, dates []time.Time) (*engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg.Name)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun()
	}

	res := &engine.Result{ID: "id-" + cfg.Name, Config: cfg, Status: engine.StatusDone, Start: dates[0], End: dates[len(dates)-1]}
	if strings.HasPrefix(cfg.Name, "fail") {
		res.Status = engine.StatusFailed
		res.Error = "accounting invariant violated"
		return res, fmt.Errorf("run %s: %w", cfg.Name, domain.ErrAccountingInvariant)
	}
	var sharpe, ret float64
	fmt.Sscanf(cfg.Name, "%g/%g", &sharpe, &ret)
	res.Metrics = engine.Metrics{Sharpe: sharpe, TotalReturn: ret, FinalEquity: cfg.StartingCash * (1 + ret)}
	return res, nil
}

func named(names ...string) []strategy.RunConfig {
	out := make([]strategy.RunConfig, len(names))
	for i, n := range names {
		out[i] = strategy.RunConfig{Name: n, StartingCash: 10_000, PositionSize: 1_000}
	}
	return out
}

var sweepDates = []time.Time{
	time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC),
}

func TestRunnerRanksDeterministically(t *testing.T) {
	configs := named("1.5/0.10", "2.0/0.05", "fail-a", "1.5/0.20", "0.5/-0.30")

	var first []string
	for i := 0; i < 3; i++ {
		r := NewRunner(&fakeBacktester{}, nil, Options{Workers: 3, MinReturn: 0}, util.DiscardLogger())
		rep, err := r.Run(context.Background(), configs, engine.Universe{}, sweepDates)
		require.NoError(t, err)

		var order []string
		for _, e := range rep.Entries {
			order = append(order, fmt.Sprintf("%d:%s:%s", e.Rank, e.Name, e.Status))
		}
		if i == 0 {
			first = order
			continue
		}
		assert.Equal(t, first, order)
	}

	assert.Equal(t, []string{
		"1:2.0/0.05:done",
		"2:1.5/0.20:done",
		"3:1.5/0.10:done",
		"0:0.5/-0.30:done",
		"0:fail-a:failed",
	}, first)
}

func TestRankFallbackWhenNothingQualifies(t *testing.T) {
	results := []*engine.Result{
		{Config: strategy.RunConfig{Name: "a"}, Status: engine.StatusDone, Metrics: engine.Metrics{Sharpe: -1, TotalReturn: -0.2}},
		{Config: strategy.RunConfig{Name: "b"}, Status: engine.StatusDone, Metrics: engine.Metrics{Sharpe: 0.3, TotalReturn: -0.1}},
		{Config: strategy.RunConfig{Name: "c"}, Status: engine.StatusFailed},
	}
	entries, fallback := Rank(results, 0.05)

	assert.True(t, fallback)
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, 1, entries[0].Rank)
	assert.False(t, entries[0].Qualified)
	assert.Equal(t, "a", entries[1].Name)
	assert.Equal(t, "c", entries[2].Name)
	assert.Equal(t, engine.StatusFailed, entries[2].Status)
}

func TestRunnerValidatesBeforeRunning(t *testing.T) {
	bt := &fakeBacktester{}
	configs := named("1/0.1", "2/0.2")
	configs[1].PositionSize = 0

	_, err := NewRunner(bt, nil, Options{Workers: 2}, util.DiscardLogger()).
		Run(context.Background(), configs, engine.Universe{}, sweepDates)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, bt.calls)
}

func TestRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bt := &fakeBacktester{onRun: cancel}

	rep, err := NewRunner(bt, nil, Options{Workers: 1}, util.DiscardLogger()).
		Run(ctx, named("1/0.1", "2/0.2", "3/0.3"), engine.Universe{}, sweepDates)

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.True(t, rep.Interrupted)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, "1/0.1", rep.Entries[0].Name)
}

func TestRunnerPersistsResults(t *testing.T) {
	rs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer rs.Close()

	rep, err := NewRunner(&fakeBacktester{}, rs, Options{Workers: 2}, util.DiscardLogger()).
		Run(context.Background(), named("1/0.1", "fail-x", "3/0.3"), engine.Universe{}, sweepDates)
	require.NoError(t, err)

	runs, err := rs.ListRuns(context.Background(), rep.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "3/0.3", runs[0].Name)
	assert.Equal(t, "1/0.1", runs[1].Name)
	assert.Equal(t, "failed", runs[2].Status)

	best, ok := rep.Best()
	require.True(t, ok)
	assert.Equal(t, "3/0.3", best.Name)
}

func TestDigest(t *testing.T) {
	rep, err := NewRunner(&fakeBacktester{}, nil, Options{Workers: 2}, util.DiscardLogger()).
		Run(context.Background(), named("1/0.1", "fail-x", "3/0.3"), engine.Universe{}, sweepDates)
	require.NoError(t, err)

	out := Digest(rep, 1)
	assert.Contains(t, out, "3/0.3")
	assert.NotContains(t, out, "1/0.1")
	assert.Contains(t, out, "fail-x")
	assert.Contains(t, out, "accounting invariant violated")
}

func TestRecordsCarryLedger(t *testing.T) {
	res := &engine.Result{ID: "r1", Config: strategy.RunConfig{Name: "x"}, Status: engine.StatusDone}
	run, trades, equity, err := Records("s1", res)
	require.NoError(t, err)
	assert.Equal(t, "s1", run.SweepID)
	assert.Equal(t, "x", run.Name)
	assert.Contains(t, run.ConfigJSON, `"name":"x"`)
	assert.Empty(t, trades)
	assert.Empty(t, equity)
}

func TestRunnerResumesFromJournal(t *testing.T) {
	dir := t.TempDir()
	rs, err := store.NewSQLiteStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer rs.Close()
	j, err := store.OpenJournal(dir, "grid")
	require.NoError(t, err)
	defer j.Close()
	configs := named("1/0.1", "2/0.2", "3/0.3")

	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeBacktester{onRun: cancel}
	rep1, err := NewRunner(first, rs, Options{Workers: 1, Journal: j}, util.DiscardLogger()).
		Run(ctx, configs, engine.Universe{}, sweepDates)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, rep1.Interrupted)
	assert.Equal(t, []string{"1/0.1"}, first.calls)
	assert.Equal(t, 1, j.Len())
	assert.Equal(t, rep1.ID, j.Stamp())

	second := &fakeBacktester{}
	rep2, err := NewRunner(second, rs, Options{Workers: 2, Journal: j}, util.DiscardLogger()).
		Run(context.Background(), configs, engine.Universe{}, sweepDates)
	require.NoError(t, err)

	assert.Equal(t, rep1.ID, rep2.ID, "the resumed sweep keeps its ID")
	assert.Equal(t, 1, rep2.Resumed)
	assert.ElementsMatch(t, []string{"2/0.2", "3/0.3"}, second.calls)
	require.Len(t, rep2.Entries, 3)
	for _, e := range rep2.Entries {
		if e.Name == "1/0.1" {
			assert.Equal(t, engine.StatusDone, e.Status)
			assert.Equal(t, 1.0, e.Metrics.Sharpe)
			assert.InDelta(t, 0.1, e.Metrics.TotalReturn, 1e-12)
			assert.Equal(t, 3, e.Rank)
		}
	}
	best, ok := rep2.Best()
	require.True(t, ok)
	assert.Equal(t, "3/0.3", best.Name)

	runs, err := rs.ListRuns(context.Background(), rep2.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	assert.Equal(t, 3, j.Len())
}

func TestRunnerJournalNeedsStore(t *testing.T) {
	j, err := store.OpenJournal(t.TempDir(), "grid")
	require.NoError(t, err)
	defer j.Close()

	bt := &fakeBacktester{}
	_, err = NewRunner(bt, nil, Options{Journal: j}, util.DiscardLogger()).
		Run(context.Background(), named("1/0.1"), engine.Universe{}, sweepDates)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, bt.calls)
}

func TestConfigKey(t *testing.T) {
	a := named("x")[0]
	b := named("x")[0]
	ka, err := ConfigKey(a)
	require.NoError(t, err)
	kb, err := ConfigKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	b.StopLoss = strategy.Float(-0.1)
	kb, err = ConfigKey(b)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb)
}

func TestFromRecordsRestoresLedger(t *testing.T) {
	d := time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)
	res := &engine.Result{
		ID: "r1", Config: strategy.RunConfig{Name: "x"}, Status: engine.StatusDone,
		Start: sweepDates[0], End: sweepDates[1],
		Metrics: engine.Metrics{FinalEquity: 10_250, Sharpe: 1.2, Trades: 1},
		Trades: []portfolio.Trade{
			{Seq: 1, Symbol: "AAA", Action: portfolio.ActionClose, Date: d, Price: 125, Shares: 10,
				CashDelta: decimal.RequireFromString("1249.75"), RealizedPnL: 249.75, Reason: "take_profit"},
		},
		Equity: []portfolio.Snapshot{{Date: d, Cash: 10_250, TotalEquity: 10_250}},
	}
	run, trades, equity, err := Records("s1", res)
	require.NoError(t, err)

	back, err := FromRecords(run, trades, equity, res.Config)
	require.NoError(t, err)
	assert.Equal(t, res.Metrics, back.Metrics)
	assert.Equal(t, res.Equity, back.Equity)
	require.Len(t, back.Trades, 1)
	assert.True(t, back.Trades[0].CashDelta.Equal(res.Trades[0].CashDelta))
	assert.Equal(t, "take_profit", back.Trades[0].Reason)
	assert.Len(t, back.Closed(), 1)

	trades[0].CashDelta = "lots"
	_, err = FromRecords(run, trades, equity, res.Config)
	assert.Error(t, err)
}
