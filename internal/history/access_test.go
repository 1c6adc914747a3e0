package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/util"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fakePrices struct {
	mu     sync.Mutex
	series map[string][]domain.Bar
	fail   map[string]int // symbol -> remaining transient failures
	calls  map[string]int
}

func newFakePrices() *fakePrices {
	return &fakePrices{series: map[string][]domain.Bar{}, fail: map[string]int{}, calls: map[string]int{}}
}

func (f *fakePrices) Name() string { return "fake" }

func (f *fakePrices) FetchPriceHistory(_ context.Context, symbol string, _, _ time.Time) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if f.fail[symbol] > 0 {
		f.fail[symbol]--
		return nil, errors.New("503 service unavailable")
	}
	bars, ok := f.series[symbol]
	if !ok {
		return nil, gather.ErrNotFound
	}
	return bars, nil
}

type fakeFundamentals map[string]domain.Fundamentals

func (f fakeFundamentals) FetchFundamentals(_ context.Context, symbol string) (domain.Fundamentals, error) {
	s, ok := f[symbol]
	if !ok {
		return domain.Fundamentals{}, gather.ErrNotFound
	}
	return s, nil
}

func dailyBars(symbol string, from time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: from.AddDate(0, 0, i).Add(5 * time.Hour), Close: c}
	}
	return bars
}

func newTestAccess(p *fakePrices, f fakeFundamentals) *Access {
	return NewAccess(p, f, Options{
		HistoryStart:  day(2020, 1, 1),
		HistoryEnd:    day(2030, 1, 1),
		TTL:           time.Hour,
		RetryAttempts: 3,
	}, util.DiscardLogger())
}

func TestPriceHistoryNeverReturnsFutureBars(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10, 11, 12, 13, 14, 15)
	a := newTestAccess(p, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		asOf := day(2024, 1, 1+i)
		bars, err := a.PriceHistory(ctx, "AAA", asOf, 0)
		require.NoError(t, err)
		require.Len(t, bars, i+1)
		for _, b := range bars {
			assert.False(t, b.SessionDate().After(asOf), "bar %v after as-of %v", b.Timestamp, asOf)
		}
	}

	bars, err := a.PriceHistory(ctx, "AAA", day(2024, 1, 5), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{13, 14}, []float64{bars[0].Close, bars[1].Close})

	// Appending to a returned window must not expose or clobber later bars.
	bars = append(bars, domain.Bar{Close: -1})
	full, _ := a.PriceHistory(ctx, "AAA", day(2024, 1, 6), 0)
	assert.Equal(t, 15.0, full[5].Close)

	price, err := a.PriceAt(ctx, "AAA", day(2024, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, 12.0, price)

	_, err = a.PriceHistory(ctx, "AAA", day(2023, 12, 31), 0)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	assert.Equal(t, 1, p.calls["AAA"], "history is fetched once per symbol")
}

func TestPriceHistoryAsOfUsesSessionDate(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10, 11)
	a := newTestAccess(p, nil)

	// An as-of timestamp late in the day still covers that day's bar only.
	bars, err := a.PriceHistory(context.Background(), "AAA", day(2024, 1, 1).Add(23*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestPriceHistoryRetriesTransientErrors(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10)
	p.fail["AAA"] = 2
	a := newTestAccess(p, nil)

	_, err := a.PriceHistory(context.Background(), "AAA", day(2024, 1, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls["AAA"])
}

func TestPriceHistoryFailsSoft(t *testing.T) {
	p := newFakePrices()
	p.fail["BAD"] = 100
	p.series["BAD"] = dailyBars("BAD", day(2024, 1, 1), 10)
	a := newTestAccess(p, nil)
	ctx := context.Background()

	_, err := a.PriceHistory(ctx, "BAD", day(2024, 1, 1), 0)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 3, p.calls["BAD"])

	// The miss is cached: later dates do not hammer the provider.
	_, err = a.PriceHistory(ctx, "BAD", day(2024, 1, 2), 0)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.Equal(t, 3, p.calls["BAD"])

	// Not-found is permanent and not retried.
	_, err = a.PriceHistory(ctx, "NONE", day(2024, 1, 1), 0)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.NotErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 1, p.calls["NONE"])

	st := a.Stats()
	assert.Equal(t, int64(2), st.PriceUnavailable)
	assert.Equal(t, int64(1), st.ProviderErrors)
}

func TestCacheExpiry(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10)
	a := newTestAccess(p, nil)

	now := day(2024, 6, 1)
	a.bars.WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := a.PriceHistory(ctx, "AAA", day(2024, 1, 1), 0)
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)
	_, _ = a.PriceHistory(ctx, "AAA", day(2024, 1, 1), 0)
	assert.Equal(t, 1, p.calls["AAA"])

	now = now.Add(time.Hour)
	_, _ = a.PriceHistory(ctx, "AAA", day(2024, 1, 1), 0)
	assert.Equal(t, 2, p.calls["AAA"])
}

func TestCachePurge(t *testing.T) {
	now := day(2024, 1, 1)
	c := NewCache[int](time.Minute).WithClock(func() time.Time { return now })
	c.Set("a", 1)
	now = now.Add(30 * time.Second)
	c.Set("b", 2)
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, c.Purge())
	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestFundamentalsLatestSnapshot(t *testing.T) {
	p := newFakePrices()
	snap := domain.Fundamentals{Symbol: "AAA", Metrics: map[string]float64{domain.MetricForwardPE: 20}}
	a := newTestAccess(p, fakeFundamentals{"AAA": snap})
	ctx := context.Background()

	got, err := a.Fundamentals(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Metrics[domain.MetricForwardPE])

	_, err = a.Fundamentals(ctx, "BBB")
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	noFund := newTestAccess(p, nil)
	noFund.fundamentals = nil
	_, err = noFund.Fundamentals(ctx, "AAA")
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestWarm(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10)
	p.series["BBB"] = dailyBars("BBB", day(2024, 1, 1), 20)
	a := newTestAccess(p, fakeFundamentals{})

	require.NoError(t, a.Warm(context.Background(), []string{"AAA", "BBB", "CCC"}, 2))
	assert.Equal(t, 3, a.bars.Len())

	_, err := a.PriceHistory(context.Background(), "BBB", day(2024, 1, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls["BBB"])
}

func TestWarmPurgesExpiredEntries(t *testing.T) {
	p := newFakePrices()
	p.series["AAA"] = dailyBars("AAA", day(2024, 1, 1), 10)
	p.series["BBB"] = dailyBars("BBB", day(2024, 1, 1), 20)
	a := newTestAccess(p, fakeFundamentals{})

	now := day(2024, 6, 1)
	clock := func() time.Time { return now }
	a.bars.WithClock(clock)
	a.funds.WithClock(clock)
	ctx := context.Background()

	require.NoError(t, a.Warm(ctx, []string{"AAA", "BBB"}, 2))
	assert.Equal(t, int64(0), a.Stats().Purged)

	// Both price series and both fundamentals misses have expired.
	now = now.Add(2 * time.Hour)
	require.NoError(t, a.Warm(ctx, []string{"AAA"}, 1))

	assert.Equal(t, int64(4), a.Stats().Purged)
	assert.Equal(t, 1, a.bars.Len())
	assert.Equal(t, 1, a.funds.Len())
	assert.Equal(t, 2, p.calls["AAA"])
	assert.Equal(t, 1, p.calls["BBB"])
}
