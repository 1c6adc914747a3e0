// Package store defines storage interfaces for persisting daily bars and
// backtest results, with Parquet and SQLite implementations.
package store

import (
	"context"
	"time"

	"factorlab/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market whose session
	// dates fall within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// ResultStore persists backtest runs so sweeps can be compared after the
// process exits.
type ResultStore interface {
	// SaveRun stores a run with its trade log and equity curve atomically.
	SaveRun(ctx context.Context, run RunRecord, trades []TradeRow, equity []EquityRow) error

	// ListRuns returns the runs of a sweep ordered by Sharpe ratio, best
	// first. An empty sweepID lists every run.
	ListRuns(ctx context.Context, sweepID string) ([]RunRecord, error)

	// ListTrades returns the trade log of a run in execution order.
	ListTrades(ctx context.Context, runID string) ([]TradeRow, error)

	// ListEquity returns the equity curve of a run.
	ListEquity(ctx context.Context, runID string) ([]EquityRow, error)
}

// RunRecord is the stored summary of one simulation.
type RunRecord struct {
	ID               string
	SweepID          string
	Name             string
	Status           string
	Error            string
	ConfigJSON       string
	StartDate        time.Time
	EndDate          time.Time
	FinishedAt       time.Time
	FinalEquity      float64
	TotalReturn      float64
	AnnualizedReturn float64
	Sharpe           float64
	MaxDrawdown      float64
	WinRate          float64
	ProfitFactor     float64
	Trades           int
}

// TradeRow is one stored trade log entry.
type TradeRow struct {
	Seq         int
	Symbol      string
	Action      string
	Date        time.Time
	Price       float64
	Shares      float64
	CashDelta   string
	RealizedPnL float64
	ReturnPct   float64
	HoldingDays int
	Reason      string
}

// EquityRow is one stored equity curve point.
type EquityRow struct {
	Date        time.Time
	Cash        float64
	Positions   float64
	TotalEquity float64
}
