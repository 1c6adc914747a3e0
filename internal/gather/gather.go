// Package gather defines the provider interfaces the data access layer
// fetches from, and the Gatherer interface for offline collection jobs.
package gather

import (
	"context"
	"errors"
	"time"

	"factorlab/internal/domain"
)

// ErrNotFound reports that a provider has no data for the requested
// instrument. It is permanent and never retried.
var ErrNotFound = errors.New("not found")

// PriceProvider fetches daily price history.
type PriceProvider interface {
	// Name returns the provider identifier.
	Name() string
	// FetchPriceHistory returns the daily bars of symbol whose session
	// dates fall within [start, end], oldest first.
	FetchPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// FundamentalProvider fetches the latest fundamental snapshot.
type FundamentalProvider interface {
	// FetchFundamentals returns the current snapshot for symbol.
	FetchFundamentals(ctx context.Context, symbol string) (domain.Fundamentals, error)
}

// Gatherer is the interface for offline data collection jobs.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the collection. It returns when done or when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t's session date lies within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := domain.SessionDate(t)
	return !d.Before(domain.SessionDate(r.Start)) && !d.After(domain.SessionDate(r.End))
}
