package main

import (
	"fmt"
	"log/slog"
	"time"

	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/engine"
	"factorlab/internal/gather"
	"factorlab/internal/gather/us"
	"factorlab/internal/history"
	"factorlab/internal/scoring"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

// app bundles the dependencies every subcommand shares.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	access   *history.Access
	scorer   *scoring.Engine
	screen   *scoring.Prefilter
	universe engine.Universe
}

// newApp wires the data layer and scoring engine. historyEnd bounds the
// history fetched per instrument; zero means today.
func newApp(cfg *config.Config, log *slog.Logger, historyEnd time.Time) (*app, error) {
	start, err := cfg.HistoryStart()
	if err != nil {
		return nil, err
	}

	instruments, err := us.LoadUniverse(cfg.Universe.Path)
	if err != nil {
		return nil, fmt.Errorf("universe: %w", err)
	}
	exclude, err := us.LoadSymbolSet(cfg.Universe.ExcludePath)
	if err != nil {
		return nil, fmt.Errorf("exclusions: %w", err)
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	var remote gather.PriceProvider
	switch {
	case cfg.Data.Offline:
		log.Info("offline mode, reading the parquet store only")
	case cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "":
		log.Warn("alpaca credentials missing, reading the parquet store only")
	default:
		remote = us.NewAlpacaBarProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Data.RateLimiter(), log)
	}
	prices := us.NewStoreBackedProvider(pstore, remote, log)

	access := history.NewAccess(prices, us.NewFileFundamentals(cfg.Data.FundamentalsDir), history.Options{
		HistoryStart:   start,
		HistoryEnd:     historyEnd,
		TTL:            cfg.Data.CacheTTL,
		RetryAttempts:  cfg.Data.RetryAttempts,
		RetryBaseDelay: cfg.Data.RetryBaseDelay,
	}, log)

	theme := scoring.Theme{
		SectorWeights: cfg.Scoring.SectorWeights,
		TagWeights:    cfg.Scoring.TagWeights,
	}
	layers, err := scoring.LayersWithout(cfg.Scoring.DisableLayers)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		log:    log,
		access: access,
		scorer: scoring.NewEngine(access, theme, log).
			WithLayers(layers).
			WithLookback(cfg.Data.Lookback),
		screen: &scoring.Prefilter{
			Source:       access,
			MinReturn:    cfg.Prefilter.MinReturn6M,
			MAPeriod:     cfg.Prefilter.MAPeriod,
			FallbackSize: cfg.Universe.FallbackSize,
			Log:          log,
		},
		universe: engine.Universe{Instruments: instruments, Exclude: exclude},
	}, nil
}

// backtester returns a simulation engine over the shared data layer.
func (a *app) backtester() *engine.Engine {
	return engine.NewEngine(a.access, engine.FromScoring(a.scorer), a.screen, a.log).
		WithSlippage(a.cfg.Backtest.SlippageBps)
}

// instrument returns the universe entry for symbol, or a bare instrument
// when the symbol is not in the universe.
func (a *app) instrument(symbol string) domain.Instrument {
	for _, in := range a.universe.Instruments {
		if in.Symbol == symbol {
			return in
		}
	}
	return domain.Instrument{Symbol: symbol}
}

// backtestWindow resolves the configured window into rebalance dates. The
// Alpaca trading calendar is used when credentials are available, else a
// weekday calendar.
func backtestWindow(cfg *config.Config, log *slog.Logger) (start, end time.Time, dates []time.Time, err error) {
	if start, err = config.ParseDate(cfg.Backtest.Start); err != nil {
		return
	}
	if end, err = config.ParseDate(cfg.Backtest.End); err != nil {
		return
	}
	if !end.After(start) {
		err = fmt.Errorf("backtest end %s not after start %s: %w",
			cfg.Backtest.End, cfg.Backtest.Start, domain.ErrConfiguration)
		return
	}
	freq, err := util.ParseFrequency(cfg.Backtest.Frequency)
	if err != nil {
		return
	}

	cal := util.WeekdayCalendar(domain.MarketUS, start, end)
	if !cfg.Data.Offline && cfg.Alpaca.APIKey != "" {
		sessions, serr := us.TradingSessions(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, start, end)
		if serr != nil {
			log.Warn("trading calendar unavailable, using weekdays", "err", serr)
		} else {
			cal = util.NewTradingCalendar(domain.MarketUS, sessions)
		}
	}

	dates, err = cal.RebalanceDates(start, end, freq, cfg.Backtest.Interval)
	return
}
