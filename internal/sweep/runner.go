package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"factorlab/internal/domain"
	"factorlab/internal/engine"
	"factorlab/internal/store"
	"factorlab/internal/strategy"
)

// Backtester runs one configuration. engine.Engine implements it.
type Backtester interface {
	Run(ctx context.Context, cfg strategy.RunConfig, universe engine.Universe, dates []time.Time) (*engine.Result, error)
}

// Options configures a Runner.
type Options struct {
	// Workers bounds concurrent runs.
	Workers int
	// MinReturn is the total return a run needs to qualify for ranking.
	MinReturn float64
	// ProgressEvery logs the best result so far every N completions.
	ProgressEvery int
	// Journal records every persisted run under its ConfigKey. A sweep run
	// again with the same journal keeps its ID and restores the recorded
	// runs from the result store instead of simulating them. It requires a
	// result store.
	Journal *store.Journal
}

// Runner executes a set of configurations concurrently. Runs share only
// the read-only data cache behind the Backtester; each owns its ledger.
type Runner struct {
	bt    Backtester
	store store.ResultStore
	opts  Options
	log   *slog.Logger
}

// NewRunner creates a Runner. rs may be nil to skip persistence.
func NewRunner(bt Backtester, rs store.ResultStore, opts Options, log *slog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{bt: bt, store: rs, opts: opts, log: log.With("component", "sweep")}
}

// Report is the outcome of a sweep.
type Report struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	// Configs is the number of configurations requested.
	Configs int `json:"configs"`
	// Fallback is set when no run met the qualification threshold and
	// every completed run was ranked instead.
	Fallback    bool `json:"fallback"`
	Interrupted bool `json:"interrupted"`
	// Resumed counts configurations restored from an earlier attempt.
	Resumed int     `json:"resumed,omitempty"`
	Entries []Entry `json:"entries"`
}

// Best returns the top ranked entry.
func (r *Report) Best() (Entry, bool) {
	for _, e := range r.Entries {
		if e.Rank == 1 {
			return e, true
		}
	}
	return Entry{}, false
}

// Run validates every configuration, then simulates them with up to
// Workers in parallel. Cancellation is checked before each configuration
// starts; on cancellation the completed results are ranked and returned
// together with the context error.
func (r *Runner) Run(ctx context.Context, configs []strategy.RunConfig, universe engine.Universe, dates []time.Time) (*Report, error) {
	var invalid []error
	for i, c := range configs {
		if err := c.Validate(); err != nil {
			invalid = append(invalid, fmt.Errorf("config %d: %w", i, err))
		}
	}
	if len(invalid) > 0 {
		return nil, errors.Join(invalid...)
	}
	if r.opts.Journal != nil && r.store == nil {
		return nil, fmt.Errorf("a sweep journal needs a result store: %w", domain.ErrConfiguration)
	}

	rep := &Report{ID: uuid.NewString(), Started: time.Now(), Configs: len(configs)}
	results := make([]*engine.Result, len(configs))
	keys := make([]string, len(configs))
	if j := r.opts.Journal; j != nil {
		if id := j.Stamp(); id != "" {
			rep.ID = id
		} else if err := j.SetStamp(rep.ID); err != nil {
			return nil, fmt.Errorf("stamping sweep journal: %w", err)
		}
		var err error
		if keys, err = r.resume(ctx, rep.ID, configs, results); err != nil {
			return nil, err
		}
	}

	var best *engine.Result
	for _, res := range results {
		if res != nil {
			rep.Resumed++
			if res.Status == engine.StatusDone && (best == nil || better(res, best)) {
				best = res
			}
		}
	}

	log := r.log.With("sweep", rep.ID)
	log.Info("sweep started", "configs", len(configs), "resumed", rep.Resumed,
		"workers", r.opts.Workers, "dates", len(dates))

	var (
		done    atomic.Int64
		mu      sync.Mutex
		g       errgroup.Group
		stopped bool
	)
	done.Store(int64(rep.Resumed))
	g.SetLimit(r.opts.Workers)

	for i, cfg := range configs {
		if results[i] != nil {
			continue
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			// A started run finishes; only runs not yet started are skipped.
			res, err := r.bt.Run(context.WithoutCancel(ctx), cfg, universe, dates)
			if res == nil {
				res = &engine.Result{ID: uuid.NewString(), Config: cfg, Status: engine.StatusFailed}
				if err != nil {
					res.Error = err.Error()
				}
			}
			if err != nil {
				log.Warn("run failed", "config", cfg.DisplayName(), "error", err)
			}
			results[i] = res
			if err := r.persist(ctx, rep.ID, res, log); err == nil && r.opts.Journal != nil {
				if err := r.opts.Journal.Put(keys[i], res.ID); err != nil {
					log.Warn("journaling run", "run", res.ID, "error", err)
				}
			}

			n := done.Add(1)
			mu.Lock()
			if res.Status == engine.StatusDone && (best == nil || better(res, best)) {
				best = res
			}
			if r.opts.ProgressEvery > 0 && n%int64(r.opts.ProgressEvery) == 0 && best != nil {
				log.Info("sweep progress",
					"completed", n,
					"total", len(configs),
					"best", best.Config.DisplayName(),
					"best_sharpe", best.Metrics.Sharpe,
					"best_return", best.Metrics.TotalReturn,
				)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var finished []*engine.Result
	for _, res := range results {
		if res != nil {
			finished = append(finished, res)
		}
	}
	rep.Entries, rep.Fallback = Rank(finished, r.opts.MinReturn)
	rep.Finished = time.Now()

	if err := ctx.Err(); err != nil || stopped {
		rep.Interrupted = true
		log.Warn("sweep interrupted", "completed", len(finished), "total", len(configs))
		return rep, fmt.Errorf("sweep interrupted after %d of %d configs: %w", len(finished), len(configs), ctx.Err())
	}
	log.Info("sweep complete", "configs", len(configs), "fallback", rep.Fallback,
		"elapsed", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	return rep, nil
}

func (r *Runner) persist(ctx context.Context, sweepID string, res *engine.Result, log *slog.Logger) error {
	if r.store == nil {
		return nil
	}
	run, trades, equity, err := Records(sweepID, res)
	if err == nil {
		// Completed runs are saved even when the sweep is being cancelled.
		err = r.store.SaveRun(context.WithoutCancel(ctx), run, trades, equity)
	}
	if err != nil {
		log.Error("saving run", "run", res.ID, "error", err)
	}
	return err
}

// resume fills results with the journaled runs of sweepID and returns the
// key of every configuration. A journaled run missing from the store is
// run again.
func (r *Runner) resume(ctx context.Context, sweepID string, configs []strategy.RunConfig, results []*engine.Result) ([]string, error) {
	keys := make([]string, len(configs))
	var stored map[string]store.RunRecord
	for i, cfg := range configs {
		key, err := ConfigKey(cfg)
		if err != nil {
			return nil, err
		}
		keys[i] = key
		runID, ok := r.opts.Journal.Get(key)
		if !ok {
			continue
		}

		if stored == nil {
			runs, err := r.store.ListRuns(ctx, sweepID)
			if err != nil {
				return nil, fmt.Errorf("listing runs of sweep %s: %w", sweepID, err)
			}
			stored = make(map[string]store.RunRecord, len(runs))
			for _, run := range runs {
				stored[run.ID] = run
			}
		}
		run, ok := stored[runID]
		if !ok {
			r.log.Warn("journaled run not in store", "run", runID, "config", cfg.DisplayName())
			continue
		}
		trades, err := r.store.ListTrades(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("loading trades of run %s: %w", runID, err)
		}
		equity, err := r.store.ListEquity(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("loading equity of run %s: %w", runID, err)
		}
		if results[i], err = FromRecords(run, trades, equity, cfg); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
