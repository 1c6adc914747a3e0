package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/util"
)

// series is a cached full history, or a cached miss when err is set.
type series struct {
	bars []domain.Bar
	err  error
}

type snapshot struct {
	f   domain.Fundamentals
	err error
}

// Options configures an Access.
type Options struct {
	// HistoryStart and HistoryEnd bound the full history fetched per
	// instrument. HistoryEnd defaults to today.
	HistoryStart   time.Time
	HistoryEnd     time.Time
	TTL            time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Stats counts provider outcomes since the Access was created.
type Stats struct {
	PriceFetches       int64
	PriceUnavailable   int64
	FundamentalFetches int64
	FundamentalMissing int64
	ProviderErrors     int64
	// Purged counts expired cache entries dropped by Warm.
	Purged int64
}

// Access is the single gateway to market data for scoring and simulation.
// It is safe for concurrent use.
type Access struct {
	prices       gather.PriceProvider
	fundamentals gather.FundamentalProvider
	opts         Options

	bars  *Cache[series]
	funds *Cache[snapshot]

	priceFetches, priceUnavailable atomic.Int64
	fundFetches, fundMissing       atomic.Int64
	providerErrors                 atomic.Int64
	purged                         atomic.Int64

	log *slog.Logger
}

// NewAccess creates an Access over the given providers. fundamentals may be
// nil, in which case every instrument lacks fundamentals.
func NewAccess(prices gather.PriceProvider, fundamentals gather.FundamentalProvider, opts Options, log *slog.Logger) *Access {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.HistoryEnd.IsZero() {
		opts.HistoryEnd = domain.SessionDate(time.Now())
	}
	return &Access{
		prices:       prices,
		fundamentals: fundamentals,
		opts:         opts,
		bars:         NewCache[series](opts.TTL),
		funds:        NewCache[snapshot](opts.TTL),
		log:          log.With("component", "history"),
	}
}

// ---------------------------------------------------------------------------
// Price history
// ---------------------------------------------------------------------------

// PriceHistory returns the most recent lookback bars of symbol whose session
// date is on or before asOf, oldest first. lookback <= 0 returns every such
// bar. When the instrument has no data through asOf the error wraps
// domain.ErrDataUnavailable.
func (a *Access) PriceHistory(ctx context.Context, symbol string, asOf time.Time, lookback int) ([]domain.Bar, error) {
	s := a.series(ctx, symbol)
	if s.err != nil {
		return nil, s.err
	}

	cut := domain.SessionDate(asOf)
	// First bar strictly after the as-of date.
	n := sort.Search(len(s.bars), func(i int) bool {
		return s.bars[i].SessionDate().After(cut)
	})
	if n == 0 {
		return nil, fmt.Errorf("%s has no bars on or before %s: %w",
			symbol, cut.Format("2006-01-02"), domain.ErrDataUnavailable)
	}
	from := 0
	if lookback > 0 && n > lookback {
		from = n - lookback
	}
	// Cap the slice so callers cannot append into bars past the as-of date.
	return s.bars[from:n:n], nil
}

// PriceAt returns the close of the last bar on or before asOf.
func (a *Access) PriceAt(ctx context.Context, symbol string, asOf time.Time) (float64, error) {
	bars, err := a.PriceHistory(ctx, symbol, asOf, 1)
	if err != nil {
		return 0, err
	}
	return bars[len(bars)-1].Close, nil
}

func (a *Access) series(ctx context.Context, symbol string) series {
	key := strings.ToUpper(symbol)
	if s, ok := a.bars.Get(key); ok {
		return s
	}

	// Concurrent misses for one key may fetch twice; the later Set wins
	// with an identical value.
	a.priceFetches.Add(1)
	var bars []domain.Bar
	err := util.Retry(ctx, a.opts.RetryAttempts, a.opts.RetryBaseDelay, func() error {
		var ferr error
		bars, ferr = a.prices.FetchPriceHistory(ctx, key, a.opts.HistoryStart, a.opts.HistoryEnd)
		if errors.Is(ferr, gather.ErrNotFound) {
			return util.Permanent(ferr)
		}
		return ferr
	})

	var s series
	switch {
	case err == nil && len(bars) > 0:
		s.bars = domain.SortBars(append([]domain.Bar(nil), bars...))
	case err == nil, errors.Is(err, gather.ErrNotFound):
		a.priceUnavailable.Add(1)
		s.err = fmt.Errorf("%s price history: %w", key, domain.ErrDataUnavailable)
		a.log.Debug("no price history", "symbol", key)
	default:
		if ctx.Err() != nil {
			// Do not cache a cancellation as a miss.
			return series{err: ctx.Err()}
		}
		a.priceUnavailable.Add(1)
		a.providerErrors.Add(1)
		s.err = fmt.Errorf("%s price history: %w: %w", key, domain.ErrDataUnavailable,
			fmt.Errorf("%w: %v", domain.ErrProvider, err))
		a.log.Warn("price provider failed", "symbol", key, "provider", a.prices.Name(), "err", err)
	}
	a.bars.Set(key, s)
	return s
}

// ---------------------------------------------------------------------------
// Fundamentals
// ---------------------------------------------------------------------------

// Fundamentals returns the latest snapshot for symbol. The snapshot is the
// same for every as-of date. Missing snapshots wrap
// domain.ErrDataUnavailable.
func (a *Access) Fundamentals(ctx context.Context, symbol string) (domain.Fundamentals, error) {
	key := strings.ToUpper(symbol)
	if s, ok := a.funds.Get(key); ok {
		return s.f, s.err
	}
	if a.fundamentals == nil {
		return domain.Fundamentals{}, fmt.Errorf("%s fundamentals: %w", key, domain.ErrDataUnavailable)
	}

	a.fundFetches.Add(1)
	var f domain.Fundamentals
	err := util.Retry(ctx, a.opts.RetryAttempts, a.opts.RetryBaseDelay, func() error {
		var ferr error
		f, ferr = a.fundamentals.FetchFundamentals(ctx, key)
		if errors.Is(ferr, gather.ErrNotFound) {
			return util.Permanent(ferr)
		}
		return ferr
	})

	var s snapshot
	switch {
	case err == nil && !f.Empty():
		s.f = f
	case err == nil, errors.Is(err, gather.ErrNotFound):
		a.fundMissing.Add(1)
		s.err = fmt.Errorf("%s fundamentals: %w", key, domain.ErrDataUnavailable)
	default:
		if ctx.Err() != nil {
			return domain.Fundamentals{}, ctx.Err()
		}
		a.fundMissing.Add(1)
		a.providerErrors.Add(1)
		s.err = fmt.Errorf("%s fundamentals: %w: %w", key, domain.ErrDataUnavailable,
			fmt.Errorf("%w: %v", domain.ErrProvider, err))
		a.log.Warn("fundamentals provider failed", "symbol", key, "err", err)
	}
	a.funds.Set(key, s)
	return s.f, s.err
}

// ---------------------------------------------------------------------------
// Warm-up and stats
// ---------------------------------------------------------------------------

// Warm drops expired cache entries, then loads price history and
// fundamentals for every symbol using up to workers concurrent fetches.
// Per-symbol failures are cached as misses and do not fail the warm-up;
// only cancellation does.
func (a *Access) Warm(ctx context.Context, symbols []string, workers int) error {
	if n := a.bars.Purge() + a.funds.Purge(); n > 0 {
		a.purged.Add(int64(n))
		a.log.Debug("expired entries purged", "entries", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	start := time.Now()
	for _, sym := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a.series(gctx, sym)
			_, _ = a.Fundamentals(gctx, sym)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := a.Stats()
	a.log.Info("cache warmed",
		"symbols", len(symbols),
		"price_unavailable", st.PriceUnavailable,
		"fundamentals_missing", st.FundamentalMissing,
		"provider_errors", st.ProviderErrors,
		"purged", st.Purged,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return ctx.Err()
}

// Stats returns provider outcome counters.
func (a *Access) Stats() Stats {
	return Stats{
		PriceFetches:       a.priceFetches.Load(),
		PriceUnavailable:   a.priceUnavailable.Load(),
		FundamentalFetches: a.fundFetches.Load(),
		FundamentalMissing: a.fundMissing.Load(),
		ProviderErrors:     a.providerErrors.Load(),
		Purged:             a.purged.Load(),
	}
}
