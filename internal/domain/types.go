// Package domain defines the core value types shared across factorlab:
// daily bars, instruments, fundamental snapshots and simulated orders.
package domain

import (
	"fmt"
	"sort"
	"time"
)

// Market identifies the exchange group an instrument trades on.
type Market string

const (
	MarketUS Market = "us"
)

// ---------------------------------------------------------------------------
// Price data
// ---------------------------------------------------------------------------

// Bar is one daily OHLCV bar for a single instrument.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// SessionDate returns the session date of the bar.
func (b Bar) SessionDate() time.Time { return SessionDate(b.Timestamp) }

// SessionDate normalises t to midnight UTC of its UTC calendar date. All
// as-of comparisons in factorlab are made on session dates.
func SessionDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SortBars orders bars by timestamp and drops duplicate session dates,
// keeping the last occurrence.
func SortBars(bars []Bar) []Bar {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].SessionDate().Equal(b.SessionDate()) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// ---------------------------------------------------------------------------
// Reference data
// ---------------------------------------------------------------------------

// Instrument is a member of the investable universe.
type Instrument struct {
	Symbol   string
	Sector   string
	Industry string
	Tags     []string
}

// Fundamental metric keys understood by the scoring engine.
const (
	MetricRevenueGrowth    = "revenue_growth"
	MetricEarningsGrowth   = "earnings_growth"
	MetricReturnOnEquity   = "return_on_equity"
	MetricProfitMargin     = "profit_margin"
	MetricDebtToEquity     = "debt_to_equity"
	MetricForwardPE        = "forward_pe"
	MetricEarningsSurprise = "earnings_surprise"
)

// Fundamentals is the latest fundamental snapshot for an instrument. The
// snapshot is not point-in-time: it is used as-is for every as-of date.
type Fundamentals struct {
	Symbol       string             `yaml:"symbol"`
	Sector       string             `yaml:"sector"`
	Industry     string             `yaml:"industry"`
	RetrievedAt  time.Time          `yaml:"retrieved_at"`
	NextEarnings time.Time          `yaml:"next_earnings"`
	Metrics      map[string]float64 `yaml:"metrics"`
}

// Metric returns the named metric or ErrDataUnavailable when the snapshot
// does not carry it.
func (f Fundamentals) Metric(key string) (float64, error) {
	v, ok := f.Metrics[key]
	if !ok {
		return 0, fmt.Errorf("%s metric %q: %w", f.Symbol, key, ErrDataUnavailable)
	}
	return v, nil
}

// Empty reports whether the snapshot carries no usable information.
func (f Fundamentals) Empty() bool {
	return len(f.Metrics) == 0 && f.NextEarnings.IsZero()
}

// ---------------------------------------------------------------------------
// Simulated execution
// ---------------------------------------------------------------------------

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order is a market order submitted to the simulated broker at a reference
// price (the close of the rebalance date).
type Order struct {
	Symbol   string
	Side     OrderSide
	Qty      float64
	RefPrice float64
	Date     time.Time
}

// Fill is the execution of an Order.
type Fill struct {
	Symbol string
	Side   OrderSide
	Qty    float64
	Price  float64
	Date   time.Time
}
