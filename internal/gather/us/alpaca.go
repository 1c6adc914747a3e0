// Package us implements the US equity data sources: Alpaca daily bars and
// trading calendar, the Parquet-backed bar cache, file-based fundamental
// snapshots and universe lists.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.PriceProvider = (*AlpacaBarProvider)(nil)
var _ gather.Gatherer = (*Backfiller)(nil)

// ---------------------------------------------------------------------------
// AlpacaBarProvider: split- and dividend-adjusted daily bars.
// ---------------------------------------------------------------------------

// AlpacaBarProvider fetches daily bars from the Alpaca market-data API. It
// is safe for concurrent use; requests share one rate limiter.
type AlpacaBarProvider struct {
	client  *marketdata.Client
	limiter *util.RateLimiter
	feed    string
	log     *slog.Logger
}

// NewAlpacaBarProvider creates a provider with the given credentials that
// paces requests through limiter. An empty dataURL selects the SDK default
// endpoint; a nil limiter leaves requests unpaced.
func NewAlpacaBarProvider(apiKey, apiSecret, dataURL, feed string, limiter *util.RateLimiter, log *slog.Logger) *AlpacaBarProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "sip"
	}
	if limiter == nil {
		limiter = util.NewRateLimiter(0, 0)
	}

	return &AlpacaBarProvider{
		client:  marketdata.NewClient(opts),
		limiter: limiter,
		feed:    feed,
		log:     log.With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaBarProvider) Name() string { return "alpaca" }

// FetchPriceHistory fetches daily bars for one symbol. A symbol without any
// bars in range yields gather.ErrNotFound.
func (p *AlpacaBarProvider) FetchPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	alpacaBars, err := p.client.GetBars(symbol, p.request(start, end))
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	if len(alpacaBars) == 0 {
		return nil, fmt.Errorf("alpaca %s: %w", symbol, gather.ErrNotFound)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, convertBar(symbol, ab))
	}
	return domain.SortBars(bars), nil
}

// FetchMultiBars fetches daily bars for multiple symbols in a single API
// call. Symbols without data are absent from the result.
func (p *AlpacaBarProvider) FetchMultiBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	multiBars, err := p.client.GetMultiBars(symbols, p.request(start, end))
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, convertBar(symbol, ab))
		}
	}
	return bars, nil
}

func (p *AlpacaBarProvider) request(start, end time.Time) marketdata.GetBarsRequest {
	return marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.Adjustment("all"),
		Start:      domain.SessionDate(start),
		// End is exclusive at the API; extend to the end of the session day.
		End:  domain.SessionDate(end).Add(24*time.Hour - time.Second),
		Feed: marketdata.Feed(p.feed),
	}
}

func convertBar(symbol string, ab marketdata.Bar) domain.Bar {
	return domain.Bar{
		Symbol:     strings.ToUpper(symbol),
		Timestamp:  ab.Timestamp,
		Open:       ab.Open,
		High:       ab.High,
		Low:        ab.Low,
		Close:      ab.Close,
		Volume:     int64(ab.Volume),
		TradeCount: int64(ab.TradeCount),
		VWAP:       ab.VWAP,
	}
}

// ---------------------------------------------------------------------------
// Backfiller: bulk-load daily bars for a universe into the Parquet store.
// ---------------------------------------------------------------------------

// MultiBarFetcher is the subset of AlpacaBarProvider the Backfiller needs.
type MultiBarFetcher interface {
	FetchMultiBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error)
}

// backfillComplete is the journal key marking a finished backfill. Tickers
// never contain '*'.
const backfillComplete = "*complete"

// Backfiller loads daily bars for a fixed symbol list into a ParquetStore
// ahead of backtests so simulations can run offline. It is resumable and
// idempotent per end date: a journal under the daily directory records the
// symbols the API returned nothing for and whether the end date finished,
// and symbols already stored through the end date are skipped.
type Backfiller struct {
	fetcher    MultiBarFetcher
	store      *store.ParquetStore
	symbols    []string
	start, end time.Time
	batchSize  int
	maxWorkers int
	log        *slog.Logger
}

// NewBackfiller creates a Backfiller for symbols over [start, end].
func NewBackfiller(fetcher MultiBarFetcher, s *store.ParquetStore, symbols []string, start, end time.Time, batchSize, maxWorkers int, log *slog.Logger) *Backfiller {
	return &Backfiller{
		fetcher:    fetcher,
		store:      s,
		symbols:    symbols,
		start:      start,
		end:        end,
		batchSize:  max(batchSize, 1),
		maxWorkers: max(maxWorkers, 1),
		log:        log.With("gatherer", "backfill"),
	}
}

// Name returns the gatherer identifier.
func (g *Backfiller) Name() string { return "backfill" }

// Run fetches the remaining symbols in batches across a worker pool and
// writes the bars to the store.
func (g *Backfiller) Run(ctx context.Context) error {
	endDateStr := g.end.Format("2006-01-02")

	journal, err := store.OpenJournal(filepath.Join(g.store.DataDir, g.store.Market, "daily"), "backfill")
	if err != nil {
		return fmt.Errorf("opening backfill journal: %w", err)
	}
	defer journal.Close()

	// Entries recorded for another end date are stale: a symbol empty then
	// may have listed since.
	if stamp := journal.Stamp(); stamp != endDateStr {
		if err := journal.Reset(); err != nil {
			return fmt.Errorf("resetting backfill journal: %w", err)
		}
		if err := journal.SetStamp(endDateStr); err != nil {
			return fmt.Errorf("stamping backfill journal: %w", err)
		}
	}
	if journal.Has(backfillComplete) {
		g.log.Info("already completed", "endDate", endDateStr)
		return nil
	}

	existing, err := g.store.ListSymbols(ctx, g.store.Market)
	if err != nil {
		return fmt.Errorf("listing existing symbols: %w", err)
	}
	skipSet := make(map[string]struct{}, len(existing))
	for _, sym := range existing {
		if last, ok, err := g.store.LastBarDate(sym, g.store.Market); err == nil && ok && !last.Before(domain.SessionDate(g.end).AddDate(0, 0, -4)) {
			skipSet[sym] = struct{}{}
		}
	}

	var remaining []string
	for _, sym := range g.symbols {
		sym = strings.ToUpper(sym)
		if _, skip := skipSet[sym]; skip || journal.Has(sym) {
			continue
		}
		remaining = append(remaining, sym)
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.batchSize {
		batches = append(batches, remaining[i:min(i+g.batchSize, len(remaining))])
	}

	g.log.Info("starting backfill",
		"endDate", endDateStr,
		"total", len(g.symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg        sync.WaitGroup
		totalHits atomic.Int64
		totalMiss atomic.Int64
		failed    atomic.Int64
		runStart  = time.Now()
	)

	workers := min(g.maxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIdx := range batchCh {
				if ctx.Err() != nil {
					return
				}

				batch := batches[batchIdx]
				bars, err := g.fetcher.FetchMultiBars(ctx, batch, g.start, g.end)
				if err != nil {
					failed.Add(1)
					g.log.Error("batch fetch failed",
						"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
						"err", err,
					)
					continue
				}

				hitSymbols := make(map[string]struct{})
				for _, b := range bars {
					hitSymbols[b.Symbol] = struct{}{}
				}
				var emptySymbols []string
				for _, sym := range batch {
					if _, hit := hitSymbols[sym]; !hit {
						emptySymbols = append(emptySymbols, sym)
					}
				}

				if len(bars) > 0 {
					if err := g.store.WriteBars(ctx, bars); err != nil {
						failed.Add(1)
						g.log.Error("writing bars failed", "err", err)
						continue
					}
				}
				if len(emptySymbols) > 0 {
					if err := journal.Mark(emptySymbols...); err != nil {
						g.log.Error("marking empty failed", "err", err)
					}
				}

				totalHits.Add(int64(len(hitSymbols)))
				totalMiss.Add(int64(len(emptySymbols)))

				g.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
					"hits", len(hitSymbols),
					"empty", len(emptySymbols),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d batches failed: %w", n, domain.ErrProvider)
	}

	if err := journal.Mark(backfillComplete); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}

	g.log.Info("complete",
		"hits", totalHits.Load(),
		"empty", totalMiss.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}
