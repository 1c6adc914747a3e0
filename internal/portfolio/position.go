// Package portfolio implements the simulated position ledger: cash, open
// positions with pyramid lots, the trade log and equity snapshots.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is one purchase within a position. The first lot is the initial entry;
// later lots are pyramid adds.
type Lot struct {
	Date   time.Time
	Price  float64
	Shares float64
	Cost   decimal.Decimal
}

// Position is an open holding in one instrument.
type Position struct {
	Symbol     string
	Sector     string
	EntryDate  time.Time
	EntryPrice float64
	EntryScore float64
	Lots       []Lot
	PeakPrice  float64
	LastPrice  float64
}

// Shares returns the total share count across all lots.
func (p *Position) Shares() float64 {
	var n float64
	for _, l := range p.Lots {
		n += l.Shares
	}
	return n
}

// Cost returns the total cost basis across all lots.
func (p *Position) Cost() decimal.Decimal {
	c := decimal.Zero
	for _, l := range p.Lots {
		c = c.Add(l.Cost)
	}
	return c
}

// AvgEntryPrice returns the share-weighted average entry price.
func (p *Position) AvgEntryPrice() float64 {
	shares := p.Shares()
	if shares == 0 {
		return 0
	}
	return p.Cost().InexactFloat64() / shares
}

// Adds returns the number of pyramid lots on top of the initial entry.
func (p *Position) Adds() int {
	if len(p.Lots) == 0 {
		return 0
	}
	return len(p.Lots) - 1
}

// MarketValue values the position at its last marked price.
func (p *Position) MarketValue() float64 {
	return p.Shares() * p.LastPrice
}

// ReturnAt returns the unrealised return at price relative to the average
// entry price.
func (p *Position) ReturnAt(price float64) float64 {
	avg := p.AvgEntryPrice()
	if avg == 0 {
		return 0
	}
	return price/avg - 1
}

// DrawdownFromPeak returns price/peak - 1, which is zero or negative.
func (p *Position) DrawdownFromPeak(price float64) float64 {
	if p.PeakPrice <= 0 {
		return 0
	}
	return price/p.PeakPrice - 1
}

// HoldingDays returns the calendar days between entry and asOf.
func (p *Position) HoldingDays(asOf time.Time) int {
	return calendarDays(p.EntryDate, asOf)
}

func (p *Position) clone() Position {
	c := *p
	c.Lots = append([]Lot(nil), p.Lots...)
	return c
}

func calendarDays(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
