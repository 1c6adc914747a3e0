package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/report"
	"factorlab/internal/store"
	"factorlab/internal/strategy"
	"factorlab/internal/strategy/builtins"
	"factorlab/internal/sweep"
	"factorlab/internal/util"
)

const version = "0.3.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: factorlab <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  score      Score symbols as of a date and show the breakdown\n")
		fmt.Fprintf(os.Stderr, "  top        Rank the universe as of a date\n")
		fmt.Fprintf(os.Stderr, "  backtest   Run one rule set over the configured window\n")
		fmt.Fprintf(os.Stderr, "  sweep      Run a parameter grid and rank the results\n")
		fmt.Fprintf(os.Stderr, "  warm       Fetch and cache history for the universe\n")
		fmt.Fprintf(os.Stderr, "  presets    List the built-in rule sets\n")
		fmt.Fprintf(os.Stderr, "  version    Print the version\n")
		fmt.Fprintf(os.Stderr, "\nThe config file is read from $FACTORLAB_CONFIG (default config/factorlab.yaml).\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "version" {
		fmt.Printf("factorlab %s\n", version)
		return
	}
	if cmd == "presets" {
		printPresets()
		return
	}

	cfgPath := "config/factorlab.yaml"
	if p := os.Getenv("FACTORLAB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitCode(err))
	}

	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "score":
		err = runScore(ctx, cfg, log, args)
	case "top":
		err = runTop(ctx, cfg, log, args)
	case "backtest":
		err = runBacktest(ctx, cfg, log, args)
	case "sweep":
		err = runSweep(ctx, cfg, log, args)
	case "warm":
		err = runWarm(ctx, cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "factorlab %s: %v\n", cmd, err)
		cancel()
		os.Exit(exitCode(err))
	}
}

// exitCode maps configuration mistakes to 2 and everything else to 1.
func exitCode(err error) int {
	if errors.Is(err, domain.ErrConfiguration) {
		return 2
	}
	return 1
}

// ---------------------------------------------------------------------------
// score / top
// ---------------------------------------------------------------------------

func runScore(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	dateStr := fs.String("date", "", "as-of date YYYY-MM-DD (default today)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("score needs at least one symbol: %w", domain.ErrConfiguration)
	}
	asOf, err := asOfDate(*dateStr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, asOf)
	if err != nil {
		return err
	}

	pass := a.scorer.NewPass(asOf)
	for _, sym := range fs.Args() {
		res, err := pass.Score(ctx, a.instrument(strings.ToUpper(sym)))
		if errors.Is(err, domain.ErrDataUnavailable) {
			fmt.Printf("%s  %s\n", report.Symbol(strings.ToUpper(sym), 8), report.Dim("unscoreable: "+err.Error()))
			continue
		}
		if err != nil {
			return err
		}
		fmt.Println(report.Breakdown(res))
	}
	return nil
}

func runTop(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	dateStr := fs.String("date", "", "as-of date YYYY-MM-DD (default today)")
	n := fs.Int("n", 25, "number of instruments to show")
	prefilter := fs.Bool("prefilter", true, "apply the momentum prefilter before ranking")
	fs.Parse(args)

	asOf, err := asOfDate(*dateStr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, asOf)
	if err != nil {
		return err
	}
	if len(a.universe.Instruments) == 0 {
		return fmt.Errorf("universe %s is empty: %w", cfg.Universe.Path, domain.ErrConfiguration)
	}
	if err := a.access.Warm(ctx, universeSymbols(a), cfg.Data.WarmWorkers); err != nil {
		return err
	}

	candidates := a.universe.Instruments
	if *prefilter {
		passed, fallback := a.screen.Screen(ctx, universeSymbols(a), asOf)
		keep := make(map[string]bool, len(passed))
		for _, s := range passed {
			keep[s] = true
		}
		candidates = candidates[:0:0]
		for _, in := range a.universe.Instruments {
			if keep[in.Symbol] {
				candidates = append(candidates, in)
			}
		}
		if fallback {
			log.Warn("prefilter passed nothing, ranking the fallback set", "size", len(candidates))
		}
	}

	results, summary, err := a.scorer.Rank(ctx, candidates, asOf)
	if err != nil {
		return err
	}
	if *n > 0 && len(results) > *n {
		results = results[:*n]
	}
	fmt.Print(report.Scores(fmt.Sprintf("Top %d as of %s", len(results), asOf.Format("2006-01-02")), results))
	if len(summary.Unscoreable) > 0 {
		fmt.Println(report.Dim(fmt.Sprintf("  %d unscoreable: %s", len(summary.Unscoreable),
			strings.Join(summary.Unscoreable, " "))))
	}
	return nil
}

// ---------------------------------------------------------------------------
// backtest / sweep
// ---------------------------------------------------------------------------

func runBacktest(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	preset := fs.String("preset", "", "built-in rule set (default: backtest.strategy from the config)")
	top := fs.Int("top", 5, "best and worst instruments to list")
	out := fs.String("out", "", "directory for the JSON result and trade/equity CSVs")
	fs.Parse(args)

	rc := cfg.Backtest.Strategy.Clone()
	if *preset != "" {
		reg := presetRegistry()
		p, ok := reg.Get(*preset)
		if !ok {
			return fmt.Errorf("unknown preset %q (have %s): %w", *preset,
				strings.Join(reg.List(), ", "), domain.ErrConfiguration)
		}
		rc = p
	}
	if rc.Name == "" {
		rc.Name = "config"
	}

	_, end, dates, err := backtestWindow(cfg, log)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, end)
	if err != nil {
		return err
	}
	if err := a.access.Warm(ctx, universeSymbols(a), cfg.Data.WarmWorkers); err != nil {
		return err
	}

	res, runErr := a.backtester().Run(ctx, rc, a.universe, dates)
	if res == nil {
		return runErr
	}
	fmt.Print(report.Run(res, *top))

	if *out != "" {
		if err := writeJSON(filepath.Join(*out, res.ID+".json"), res); err != nil {
			return err
		}
		paths, err := report.ExportRun(*out, res)
		if err != nil {
			return err
		}
		log.Info("run exported", "dir", *out, "files", len(paths)+1)
	}
	return runErr
}

func runSweep(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	gridPath := fs.String("grid", cfg.Sweep.GridPath, "grid YAML (default: every built-in preset)")
	workers := fs.Int("workers", cfg.Sweep.Workers, "concurrent runs")
	top := fs.Int("top", cfg.Sweep.TopN, "entries shown in the digest")
	out := fs.String("out", "", "directory for the JSON report and the best run's CSVs")
	noStore := fs.Bool("no-store", false, "do not persist runs to SQLite")
	fresh := fs.Bool("fresh", false, "discard the journal of an interrupted sweep instead of resuming it")
	fs.Parse(args)

	var configs []strategy.RunConfig
	if *gridPath != "" {
		g, err := sweep.LoadGrid(*gridPath)
		if err != nil {
			return err
		}
		if configs, err = g.Expand(); err != nil {
			return err
		}
	} else {
		reg := presetRegistry()
		for _, name := range reg.List() {
			p, _ := reg.Get(name)
			configs = append(configs, p)
		}
	}

	start, end, dates, err := backtestWindow(cfg, log)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log, end)
	if err != nil {
		return err
	}
	if len(a.universe.Instruments) == 0 {
		return fmt.Errorf("universe %s is empty: %w", cfg.Universe.Path, domain.ErrConfiguration)
	}
	if err := a.access.Warm(ctx, universeSymbols(a), cfg.Data.WarmWorkers); err != nil {
		return err
	}

	var rs store.ResultStore
	if !*noStore {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening result store: %w", err)
		}
		defer db.Close()
		rs = db
	}

	// One journal per grid and window; an interrupted sweep resumes from it.
	var journal *store.Journal
	if rs != nil {
		name := "presets"
		if *gridPath != "" {
			name = strings.TrimSuffix(filepath.Base(*gridPath), filepath.Ext(*gridPath))
		}
		name += "_" + start.Format("20060102") + "_" + end.Format("20060102")
		journal, err = store.OpenJournal(filepath.Join(cfg.Storage.DataDir, "sweeps"), name)
		if err != nil {
			return err
		}
		defer journal.Close()
		if *fresh {
			if err := journal.Reset(); err != nil {
				return err
			}
		} else if journal.Len() > 0 {
			log.Info("resuming sweep", "sweep_id", journal.Stamp(), "recorded", journal.Len())
		}
	}

	runner := sweep.NewRunner(a.backtester(), rs, sweep.Options{
		Workers:       *workers,
		MinReturn:     cfg.Sweep.MinReturn,
		ProgressEvery: cfg.Sweep.ProgressEvery,
		Journal:       journal,
	}, log)

	rep, runErr := runner.Run(ctx, configs, a.universe, dates)
	if rep == nil {
		return runErr
	}
	if journal != nil && !rep.Interrupted {
		if err := journal.Reset(); err != nil {
			log.Warn("clearing sweep journal", "error", err)
		}
	}
	fmt.Print(sweep.Digest(rep, *top))

	if *out != "" {
		if err := writeJSON(filepath.Join(*out, "sweep-"+rep.ID+".json"), rep); err != nil {
			return err
		}
		if best, ok := rep.Best(); ok && best.Result != nil {
			if _, err := report.ExportRun(*out, best.Result); err != nil {
				return err
			}
		}
		log.Info("sweep exported", "dir", *out, "sweep_id", rep.ID)
	}
	return runErr
}

// ---------------------------------------------------------------------------
// warm
// ---------------------------------------------------------------------------

func runWarm(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("warm", flag.ExitOnError)
	workers := fs.Int("workers", cfg.Data.WarmWorkers, "concurrent fetches")
	fs.Parse(args)

	a, err := newApp(cfg, log, time.Time{})
	if err != nil {
		return err
	}
	start := time.Now()
	if err := a.access.Warm(ctx, universeSymbols(a), *workers); err != nil {
		return err
	}

	st := a.access.Stats()
	fmt.Printf("Warmed %d symbols in %s\n", len(a.universe.Instruments), time.Since(start).Round(time.Millisecond))
	fmt.Printf("  price fetches        %d (unavailable %d)\n", st.PriceFetches, st.PriceUnavailable)
	fmt.Printf("  fundamental fetches  %d (missing %d)\n", st.FundamentalFetches, st.FundamentalMissing)
	fmt.Printf("  provider errors      %d\n", st.ProviderErrors)
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func presetRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	builtins.Register(reg)
	return reg
}

func printPresets() {
	reg := presetRegistry()
	for _, name := range reg.List() {
		p, _ := reg.Get(name)
		fmt.Printf("%-16s %s\n", name, p.Label())
	}
}

func asOfDate(s string) (time.Time, error) {
	if s == "" {
		return domain.SessionDate(time.Now()), nil
	}
	return config.ParseDate(s)
}

func universeSymbols(a *app) []string {
	out := make([]string, len(a.universe.Instruments))
	for i, in := range a.universe.Instruments {
		out[i] = in.Symbol
	}
	return out
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
