package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/store"
)

var _ gather.PriceProvider = (*StoreBackedProvider)(nil)

// StoreBackedProvider serves price history from the Parquet store and tops
// it up from a remote provider when the stored history ends before the
// requested range. Fetched bars are written back to the store. A nil remote
// makes the provider read-only.
type StoreBackedProvider struct {
	store  *store.ParquetStore
	remote gather.PriceProvider
	// Staleness is how far the newest stored bar may trail the requested end
	// before the remote is consulted; it absorbs weekends and holidays.
	Staleness time.Duration
	log       *slog.Logger
}

// NewStoreBackedProvider wraps remote with the Parquet store s.
func NewStoreBackedProvider(s *store.ParquetStore, remote gather.PriceProvider, log *slog.Logger) *StoreBackedProvider {
	return &StoreBackedProvider{
		store:     s,
		remote:    remote,
		Staleness: 4 * 24 * time.Hour,
		log:       log.With("provider", "parquet"),
	}
}

// Name returns the provider identifier.
func (p *StoreBackedProvider) Name() string {
	if p.remote == nil {
		return "parquet"
	}
	return "parquet+" + p.remote.Name()
}

// FetchPriceHistory returns stored bars, refreshing from the remote first
// when the store is missing the tail of the range.
func (p *StoreBackedProvider) FetchPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	last, ok, err := p.store.LastBarDate(symbol, p.store.Market)
	if err != nil {
		return nil, fmt.Errorf("parquet %s: %w", symbol, err)
	}

	needFrom := time.Time{}
	switch {
	case !ok:
		needFrom = start
	case domain.SessionDate(end).Sub(last) > p.Staleness:
		needFrom = last.AddDate(0, 0, 1)
	}

	if !needFrom.IsZero() && p.remote != nil {
		fresh, err := p.remote.FetchPriceHistory(ctx, symbol, needFrom, end)
		switch {
		case err == nil:
			// Bars past end would make the store look current for dates the
			// remote never confirmed.
			want := gather.DateRange{Start: needFrom, End: end}
			n := len(fresh)
			fresh = slices.DeleteFunc(fresh, func(b domain.Bar) bool { return !want.Contains(b.Timestamp) })
			if dropped := n - len(fresh); dropped > 0 {
				p.log.Debug("dropped bars outside the requested range", "symbol", symbol, "bars", dropped)
			}
			if err := p.store.WriteBars(ctx, fresh); err != nil {
				p.log.Warn("write-through failed", "symbol", symbol, "err", err)
			}
		case errors.Is(err, gather.ErrNotFound) && ok:
			// Nothing new upstream; the stored history stands.
		default:
			if !ok {
				return nil, err
			}
			p.log.Warn("remote refresh failed, serving stored bars", "symbol", symbol, "err", err)
		}
	}

	bars, err := p.store.ReadBars(ctx, symbol, p.store.Market, start, end)
	if err != nil {
		return nil, fmt.Errorf("parquet %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("parquet %s: %w", symbol, gather.ErrNotFound)
	}
	return domain.SortBars(bars), nil
}
