// Package engine runs one backtest: on each rebalance date it scores held
// positions, applies exits and pyramid adds, selects and opens new entries,
// and snapshots the ledger. Fills go through the simulated broker and caps
// through the RiskManager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"factorlab/internal/broker"
	"factorlab/internal/domain"
	"factorlab/internal/portfolio"
	"factorlab/internal/scoring"
	"factorlab/internal/strategy"
)

// Phase is a step of the per-date rebalance cycle.
type Phase int

const (
	PhaseScoreOpen Phase = iota
	PhaseExits
	PhasePyramid
	PhaseSelect
	PhaseEnter
	PhaseSnapshot
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseScoreOpen:
		return "score_open"
	case PhaseExits:
		return "exits"
	case PhasePyramid:
		return "pyramid"
	case PhaseSelect:
		return "select"
	case PhaseEnter:
		return "enter"
	case PhaseSnapshot:
		return "snapshot"
	case PhaseFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// PriceSource supplies as-of closes. history.Access implements it.
type PriceSource interface {
	PriceAt(ctx context.Context, symbol string, asOf time.Time) (float64, error)
}

// Pass scores instruments for one date. scoring.Pass implements it.
type Pass interface {
	Score(ctx context.Context, inst domain.Instrument) (scoring.Result, error)
	Rank(ctx context.Context, instruments []domain.Instrument) ([]scoring.Result, scoring.RankSummary, error)
}

// Scorer opens a scoring pass per rebalance date.
type Scorer interface {
	NewPass(asOf time.Time) Pass
}

// Screener narrows the candidate set before ranking. scoring.Prefilter
// implements it.
type Screener interface {
	Screen(ctx context.Context, symbols []string, asOf time.Time) ([]string, bool)
}

// FromScoring adapts a scoring engine to Scorer.
func FromScoring(e *scoring.Engine) Scorer { return scoringAdapter{e} }

type scoringAdapter struct{ e *scoring.Engine }

func (a scoringAdapter) NewPass(asOf time.Time) Pass { return a.e.NewPass(asOf) }

// Universe is the investable set of a run. Excluded symbols are never
// entered.
type Universe struct {
	Instruments []domain.Instrument
	Exclude     map[string]bool
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine runs backtests. It holds only read-only dependencies, so one
// Engine may run many configurations concurrently.
type Engine struct {
	prices      PriceSource
	scorer      Scorer
	screener    Screener
	slippageBps float64
	log         *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
// screener may be nil, in which case every candidate is ranked.
func NewEngine(prices PriceSource, scorer Scorer, screener Screener, log *slog.Logger) *Engine {
	return &Engine{
		prices:   prices,
		scorer:   scorer,
		screener: screener,
		log:      log.With("component", "engine"),
	}
}

// WithSlippage sets the simulated slippage in basis points.
func (e *Engine) WithSlippage(bps float64) *Engine {
	e.slippageBps = bps
	return e
}

// run is the mutable state of one backtest.
type run struct {
	cfg      strategy.RunConfig
	ledger   *portfolio.Ledger
	broker   *broker.SimulatorBroker
	risk     *RiskManager
	insts    map[string]domain.Instrument
	universe Universe
	res      *Result
	log      *slog.Logger
}

// Run simulates cfg over the rebalance dates. Configuration problems are
// reported before any simulation with domain.ErrConfiguration. When the
// run fails part way the returned Result has status failed and keeps the
// trades and equity recorded so far.
func (e *Engine) Run(ctx context.Context, cfg strategy.RunConfig, universe Universe, dates []time.Time) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(universe.Instruments) == 0 {
		return nil, fmt.Errorf("empty universe: %w", domain.ErrConfiguration)
	}
	dates = normalizeDates(dates)
	if len(dates) == 0 {
		return nil, fmt.Errorf("no rebalance dates: %w", domain.ErrConfiguration)
	}

	r := &run{
		cfg:      cfg,
		ledger:   portfolio.NewLedger(cfg.StartingCash),
		broker:   broker.NewSimulatorBroker(e.slippageBps),
		risk:     NewRiskManager(cfg),
		insts:    make(map[string]domain.Instrument, len(universe.Instruments)),
		universe: universe,
		res: &Result{
			ID:     uuid.NewString(),
			Config: cfg,
			Status: StatusDone,
			Start:  dates[0],
			End:    dates[len(dates)-1],
		},
		log: e.log.With("run", cfg.DisplayName()),
	}
	for _, inst := range universe.Instruments {
		r.insts[inst.Symbol] = inst
	}

	started := time.Now()
	err := func() error {
		for _, date := range dates {
			if err := e.step(ctx, r, date); err != nil {
				return fmt.Errorf("%s: %w", date.Format("2006-01-02"), err)
			}
		}
		return e.finalize(ctx, r, dates[len(dates)-1])
	}()

	r.res.Trades = r.ledger.Trades()
	r.res.Equity = r.ledger.Snapshots()
	r.res.Dates = len(dates)
	if err != nil {
		r.res.Status = StatusFailed
		r.res.Error = err.Error()
		r.log.Error("run failed", "error", err)
		return r.res, fmt.Errorf("run %s: %w", cfg.DisplayName(), err)
	}
	r.res.Metrics = ComputeMetrics(cfg.StartingCash, r.res.Equity, r.res.Trades)

	r.log.Info("run complete",
		"dates", len(dates),
		"trades", len(r.res.Trades),
		"final_equity", r.res.Metrics.FinalEquity,
		"sharpe", r.res.Metrics.Sharpe,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return r.res, nil
}

// held is one open position with its observations for the date.
type held struct {
	pos      portfolio.Position
	price    float64
	hasPrice bool
	score    strategy.ScoreReading
}

func (e *Engine) step(ctx context.Context, r *run, date time.Time) error {
	pass := e.scorer.NewPass(date)

	// Score and mark open positions.
	e.phase(r, PhaseScoreOpen, date)
	var book []held
	for _, pos := range r.ledger.Positions() {
		h := held{pos: pos}
		price, err := e.priceAt(ctx, pos.Symbol, date)
		switch {
		case err == nil:
			if err := r.ledger.Mark(pos.Symbol, price); err != nil {
				return err
			}
			h.price, h.hasPrice = price, true
		case errors.Is(err, domain.ErrDataUnavailable):
			r.log.Warn("no price for held position", "symbol", pos.Symbol, "date", date.Format("2006-01-02"))
		default:
			return err
		}
		res, err := pass.Score(ctx, r.instrument(pos.Symbol))
		switch {
		case err == nil:
			h.score = strategy.ScoreReading{Value: res.Total, OK: true}
		case errors.Is(err, domain.ErrDataUnavailable):
		default:
			return err
		}
		// Re-read so the evaluated position carries the raised peak.
		h.pos, _ = r.ledger.Position(pos.Symbol)
		book = append(book, h)
	}

	e.phase(r, PhaseExits, date)
	kept := book[:0]
	for _, h := range book {
		if !h.hasPrice {
			kept = append(kept, h)
			continue
		}
		d := strategy.EvaluateExit(h.pos, h.price, h.score, r.cfg, date)
		if !d.Exit {
			kept = append(kept, h)
			continue
		}
		if err := e.closePosition(ctx, r, h.pos, h.price, date, d.Reason); err != nil {
			return err
		}
	}

	e.phase(r, PhasePyramid, date)
	for _, h := range kept {
		if !h.hasPrice {
			continue
		}
		if err := e.pyramid(ctx, r, h.pos, h.price, date); err != nil {
			return err
		}
	}

	e.phase(r, PhaseSelect, date)
	candidates, err := e.selectCandidates(ctx, r, pass, date)
	if err != nil {
		return err
	}

	e.phase(r, PhaseEnter, date)
	if err := e.enter(ctx, r, candidates, date); err != nil {
		return err
	}

	e.phase(r, PhaseSnapshot, date)
	_, err = r.ledger.Snapshot(date)
	return err
}

func (e *Engine) phase(r *run, p Phase, date time.Time) {
	r.log.Debug("phase", "phase", p.String(), "date", date.Format("2006-01-02"),
		"positions", r.ledger.OpenCount(), "cash", r.ledger.Cash())
}

// priceAt returns the as-of close, reporting unusable prices as
// unavailable.
func (e *Engine) priceAt(ctx context.Context, symbol string, date time.Time) (float64, error) {
	p, err := e.prices.PriceAt(ctx, symbol, date)
	if err != nil {
		return 0, err
	}
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%s price %v on %s: %w", symbol, p, date.Format("2006-01-02"), domain.ErrDataUnavailable)
	}
	return p, nil
}

func (r *run) instrument(symbol string) domain.Instrument {
	if inst, ok := r.insts[symbol]; ok {
		return inst
	}
	return domain.Instrument{Symbol: symbol}
}

func (e *Engine) closePosition(ctx context.Context, r *run, pos portfolio.Position, price float64, date time.Time, reason strategy.ExitReason) error {
	fill, err := r.broker.Execute(ctx, domain.Order{
		Symbol:   pos.Symbol,
		Side:     domain.OrderSideSell,
		Qty:      pos.Shares(),
		RefPrice: price,
		Date:     date,
	})
	if err != nil {
		return err
	}
	t, err := r.ledger.Close(pos.Symbol, date, fill.Price, string(reason))
	if err != nil {
		return err
	}
	r.log.Debug("closed", "symbol", t.Symbol, "reason", t.Reason, "return", t.ReturnPct, "pnl", t.RealizedPnL)
	return nil
}

func (e *Engine) pyramid(ctx context.Context, r *run, pos portfolio.Position, price float64, date time.Time) error {
	fillPrice := r.broker.FillPrice(domain.OrderSideBuy, price)
	d := strategy.EvaluatePyramid(pos, price, fillPrice, r.cfg)
	if !d.Add {
		return nil
	}
	if err := r.risk.CheckAdd(r.ledger, d.Shares*fillPrice); err != nil {
		r.log.Debug("pyramid skipped", "symbol", pos.Symbol, "reason", err)
		return nil
	}
	fill, err := r.broker.Execute(ctx, domain.Order{
		Symbol:   pos.Symbol,
		Side:     domain.OrderSideBuy,
		Qty:      d.Shares,
		RefPrice: price,
		Date:     date,
	})
	if err != nil {
		return err
	}
	_, err = r.ledger.Pyramid(pos.Symbol, date, fill.Price, fill.Qty, r.cfg.MaxPyramids)
	switch {
	case errors.Is(err, portfolio.ErrInsufficientCash), errors.Is(err, portfolio.ErrPyramidLimit):
		r.log.Debug("pyramid skipped", "symbol", pos.Symbol, "reason", err)
		return nil
	case err != nil:
		return err
	}
	r.log.Debug("pyramid", "symbol", pos.Symbol, "level", d.Level, "shares", fill.Qty)
	return nil
}

// selectCandidates returns ranked, entry-eligible results for date.
func (e *Engine) selectCandidates(ctx context.Context, r *run, pass Pass, date time.Time) ([]scoring.Result, error) {
	var symbols []string
	for _, inst := range r.universe.Instruments {
		if r.universe.Exclude[inst.Symbol] || r.ledger.Holds(inst.Symbol) {
			continue
		}
		symbols = append(symbols, inst.Symbol)
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	if e.screener != nil {
		var fallback bool
		symbols, fallback = e.screener.Screen(ctx, symbols, date)
		if fallback {
			r.res.FallbackDates++
		}
	}
	insts := make([]domain.Instrument, len(symbols))
	for i, sym := range symbols {
		insts[i] = r.instrument(sym)
	}

	ranked, sum, err := pass.Rank(ctx, insts)
	if err != nil {
		return nil, err
	}
	r.res.Unscoreable += len(sum.Unscoreable)

	out := ranked[:0]
	for _, res := range ranked {
		if res.Total < r.cfg.MinEntryScore {
			break
		}
		out = append(out, res)
	}
	return out, nil
}

func (e *Engine) enter(ctx context.Context, r *run, candidates []scoring.Result, date time.Time) error {
	opened := 0
	for _, c := range candidates {
		sector := c.Sector
		if sector == "" {
			sector = r.instrument(c.Symbol).Sector
		}
		err := r.risk.CheckEntry(r.ledger, sector, opened)
		if errors.Is(err, ErrSectorCap) {
			continue
		}
		if err != nil {
			r.log.Debug("selection stopped", "date", date.Format("2006-01-02"), "reason", err)
			return nil
		}

		price, err := e.priceAt(ctx, c.Symbol, date)
		if errors.Is(err, domain.ErrDataUnavailable) {
			continue
		}
		if err != nil {
			return err
		}
		shares := strategy.WholeShares(r.cfg.PositionSize, r.broker.FillPrice(domain.OrderSideBuy, price))
		if shares <= 0 {
			continue
		}
		fill, err := r.broker.Execute(ctx, domain.Order{
			Symbol:   c.Symbol,
			Side:     domain.OrderSideBuy,
			Qty:      shares,
			RefPrice: price,
			Date:     date,
		})
		if err != nil {
			return err
		}
		_, err = r.ledger.Open(c.Symbol, sector, date, fill.Price, fill.Qty, c.Total)
		if errors.Is(err, portfolio.ErrInsufficientCash) {
			return nil
		}
		if err != nil {
			return err
		}
		opened++
		r.log.Debug("opened", "symbol", c.Symbol, "score", c.Total, "shares", fill.Qty, "price", fill.Price)
	}
	return nil
}

// finalize force-closes every open position at the final date and
// re-snapshots that date.
func (e *Engine) finalize(ctx context.Context, r *run, date time.Time) error {
	e.phase(r, PhaseFinalize, date)
	for _, pos := range r.ledger.Positions() {
		price, err := e.priceAt(ctx, pos.Symbol, date)
		if err != nil {
			if !errors.Is(err, domain.ErrDataUnavailable) {
				return err
			}
			price = pos.LastPrice
		}
		if err := e.closePosition(ctx, r, pos, price, date, strategy.ExitEndOfRun); err != nil {
			return err
		}
	}
	if err := r.ledger.Verify(); err != nil {
		return err
	}
	_, err := r.ledger.Snapshot(date)
	return err
}

func normalizeDates(dates []time.Time) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, domain.SessionDate(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	uniq := out[:0]
	for _, d := range out {
		if n := len(uniq); n > 0 && uniq[n-1].Equal(d) {
			continue
		}
		uniq = append(uniq, d)
	}
	return uniq
}
