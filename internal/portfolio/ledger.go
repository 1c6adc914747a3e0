package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
)

var (
	ErrPositionExists   = errors.New("position already open")
	ErrNoPosition       = errors.New("no open position")
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrPyramidLimit     = errors.New("pyramid limit reached")
	ErrInvalidOrder     = errors.New("invalid order")
)

// Action classifies a trade log entry.
type Action string

const (
	ActionOpen  Action = "open"
	ActionAdd   Action = "add"
	ActionClose Action = "close"
)

// Trade is an immutable trade log entry. CashDelta is negative for buys.
// RealizedPnL, ReturnPct and HoldingDays are populated for closes only.
type Trade struct {
	Seq         int
	Symbol      string
	Sector      string
	Action      Action
	Date        time.Time
	Price       float64
	Shares      float64
	CashDelta   decimal.Decimal
	EntryDate   time.Time
	AvgEntry    float64
	RealizedPnL float64
	ReturnPct   float64
	HoldingDays int
	Reason      string
}

// Snapshot is the portfolio state at the end of one rebalance date.
type Snapshot struct {
	Date           time.Time
	Cash           float64
	PositionsValue float64
	TotalEquity    float64
	Positions      int
}

// Ledger tracks cash, open positions, the trade log and the equity curve
// of one simulation. It is not safe for concurrent use; every run owns its
// own ledger.
type Ledger struct {
	initial   decimal.Decimal
	cash      decimal.Decimal
	positions map[string]*Position
	trades    []Trade
	snapshots []Snapshot
	epsilon   float64
}

// NewLedger creates a ledger funded with startingCash.
func NewLedger(startingCash float64) *Ledger {
	c := decimal.NewFromFloat(startingCash)
	return &Ledger{
		initial:   c,
		cash:      c,
		positions: make(map[string]*Position),
		epsilon:   1e-6,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Open creates a new position. It fails when the instrument is already held
// or when the purchase would drive cash negative; a rejected buy leaves the
// ledger untouched.
func (l *Ledger) Open(symbol, sector string, date time.Time, price, shares, score float64) (Trade, error) {
	if _, ok := l.positions[symbol]; ok {
		return Trade{}, fmt.Errorf("open %s: %w", symbol, ErrPositionExists)
	}
	cost, err := l.checkBuy(symbol, price, shares)
	if err != nil {
		return Trade{}, err
	}

	l.cash = l.cash.Sub(cost)
	l.positions[symbol] = &Position{
		Symbol:     symbol,
		Sector:     sector,
		EntryDate:  date,
		EntryPrice: price,
		EntryScore: score,
		Lots:       []Lot{{Date: date, Price: price, Shares: shares, Cost: cost}},
		PeakPrice:  price,
		LastPrice:  price,
	}
	return l.record(Trade{
		Symbol:    symbol,
		Sector:    sector,
		Action:    ActionOpen,
		Date:      date,
		Price:     price,
		Shares:    shares,
		CashDelta: cost.Neg(),
		EntryDate: date,
		AvgEntry:  price,
	}), nil
}

// Pyramid adds a lot to an open position. maxAdds caps the number of adds
// over the life of the position.
func (l *Ledger) Pyramid(symbol string, date time.Time, price, shares float64, maxAdds int) (Trade, error) {
	pos, ok := l.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("pyramid %s: %w", symbol, ErrNoPosition)
	}
	if pos.Adds() >= maxAdds {
		return Trade{}, fmt.Errorf("pyramid %s: %w", symbol, ErrPyramidLimit)
	}
	cost, err := l.checkBuy(symbol, price, shares)
	if err != nil {
		return Trade{}, err
	}

	l.cash = l.cash.Sub(cost)
	pos.Lots = append(pos.Lots, Lot{Date: date, Price: price, Shares: shares, Cost: cost})
	pos.LastPrice = price
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}
	return l.record(Trade{
		Symbol:    symbol,
		Sector:    pos.Sector,
		Action:    ActionAdd,
		Date:      date,
		Price:     price,
		Shares:    shares,
		CashDelta: cost.Neg(),
		EntryDate: pos.EntryDate,
		AvgEntry:  pos.AvgEntryPrice(),
	}), nil
}

// Close sells the whole position at price and records the realised result.
func (l *Ledger) Close(symbol string, date time.Time, price float64, reason string) (Trade, error) {
	pos, ok := l.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("close %s: %w", symbol, ErrNoPosition)
	}
	if price <= 0 || math.IsNaN(price) {
		return Trade{}, fmt.Errorf("close %s at %v: %w", symbol, price, ErrInvalidOrder)
	}

	shares := pos.Shares()
	cost := pos.Cost()
	proceeds := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(shares))
	var ret float64
	if cost.IsPositive() {
		ret = proceeds.Div(cost).Sub(decimal.NewFromInt(1)).InexactFloat64()
	}

	l.cash = l.cash.Add(proceeds)
	delete(l.positions, symbol)

	return l.record(Trade{
		Symbol:      symbol,
		Sector:      pos.Sector,
		Action:      ActionClose,
		Date:        date,
		Price:       price,
		Shares:      shares,
		CashDelta:   proceeds,
		EntryDate:   pos.EntryDate,
		AvgEntry:    pos.AvgEntryPrice(),
		RealizedPnL: proceeds.Sub(cost).InexactFloat64(),
		ReturnPct:   ret,
		HoldingDays: calendarDays(pos.EntryDate, date),
		Reason:      reason,
	}), nil
}

// Mark records the latest observed price of a held instrument and raises
// its peak when exceeded.
func (l *Ledger) Mark(symbol string, price float64) error {
	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("mark %s: %w", symbol, ErrNoPosition)
	}
	if price <= 0 {
		return fmt.Errorf("mark %s at %v: %w", symbol, price, ErrInvalidOrder)
	}
	pos.LastPrice = price
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}
	return nil
}

func (l *Ledger) checkBuy(symbol string, price, shares float64) (decimal.Decimal, error) {
	if price <= 0 || shares <= 0 || math.IsNaN(price) || math.IsNaN(shares) {
		return decimal.Zero, fmt.Errorf("buy %s %v@%v: %w", symbol, shares, price, ErrInvalidOrder)
	}
	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(shares))
	if cost.GreaterThan(l.cash) {
		return decimal.Zero, fmt.Errorf("buy %s cost %s, cash %s: %w",
			symbol, cost.StringFixed(2), l.cash.StringFixed(2), ErrInsufficientCash)
	}
	return cost, nil
}

func (l *Ledger) record(t Trade) Trade {
	t.Seq = len(l.trades) + 1
	l.trades = append(l.trades, t)
	return t
}

// ---------------------------------------------------------------------------
// Accounting
// ---------------------------------------------------------------------------

// Snapshot values the portfolio at the last marked prices and appends an
// equity point for date, replacing any earlier point for the same date. It
// returns ErrAccountingInvariant when the books do not reconcile.
func (l *Ledger) Snapshot(date time.Time) (Snapshot, error) {
	if err := l.Verify(); err != nil {
		return Snapshot{}, err
	}

	value := decimal.Zero
	var floatValue float64
	for _, pos := range l.positions {
		value = value.Add(decimal.NewFromFloat(pos.LastPrice).Mul(decimal.NewFromFloat(pos.Shares())))
		floatValue += pos.MarketValue()
	}
	total := l.cash.Add(value).InexactFloat64()
	cash := l.cash.InexactFloat64()
	if diff := math.Abs(total - (cash + floatValue)); diff > l.epsilon*math.Max(1, math.Abs(total)) {
		return Snapshot{}, fmt.Errorf("equity %.6f != cash %.6f + positions %.6f on %s: %w",
			total, cash, floatValue, date.Format("2006-01-02"), domain.ErrAccountingInvariant)
	}

	snap := Snapshot{
		Date:           date,
		Cash:           cash,
		PositionsValue: value.InexactFloat64(),
		TotalEquity:    total,
		Positions:      len(l.positions),
	}
	if n := len(l.snapshots); n > 0 && l.snapshots[n-1].Date.Equal(date) {
		l.snapshots[n-1] = snap
	} else {
		l.snapshots = append(l.snapshots, snap)
	}
	return snap, nil
}

// Verify replays the trade log against the starting cash and checks every
// open position is well formed.
func (l *Ledger) Verify() error {
	replay := l.initial
	for _, t := range l.trades {
		replay = replay.Add(t.CashDelta)
	}
	if !replay.Equal(l.cash) {
		return fmt.Errorf("cash %s does not match trade log %s: %w",
			l.cash.String(), replay.String(), domain.ErrAccountingInvariant)
	}
	if l.cash.IsNegative() {
		return fmt.Errorf("negative cash %s: %w", l.cash.String(), domain.ErrAccountingInvariant)
	}
	for sym, pos := range l.positions {
		if pos.Shares() <= 0 || pos.LastPrice <= 0 {
			return fmt.Errorf("position %s has %v shares at %v: %w",
				sym, pos.Shares(), pos.LastPrice, domain.ErrAccountingInvariant)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Cash returns available cash.
func (l *Ledger) Cash() float64 { return l.cash.InexactFloat64() }

// StartingCash returns the initial funding.
func (l *Ledger) StartingCash() float64 { return l.initial.InexactFloat64() }

// Equity returns cash plus every position at its last marked price.
func (l *Ledger) Equity() float64 {
	total := l.cash
	for _, pos := range l.positions {
		total = total.Add(decimal.NewFromFloat(pos.LastPrice).Mul(decimal.NewFromFloat(pos.Shares())))
	}
	return total.InexactFloat64()
}

// Position returns a copy of the open position for symbol.
func (l *Ledger) Position(symbol string) (Position, bool) {
	pos, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return pos.clone(), true
}

// Holds reports whether symbol has an open position.
func (l *Ledger) Holds(symbol string) bool {
	_, ok := l.positions[symbol]
	return ok
}

// Positions returns copies of all open positions ordered by symbol.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int { return len(l.positions) }

// SectorCount returns the number of open positions in sector.
func (l *Ledger) SectorCount(sector string) int {
	n := 0
	for _, pos := range l.positions {
		if pos.Sector == sector {
			n++
		}
	}
	return n
}

// Trades returns the trade log in execution order.
func (l *Ledger) Trades() []Trade {
	return append([]Trade(nil), l.trades...)
}

// Snapshots returns the equity curve.
func (l *Ledger) Snapshots() []Snapshot {
	return append([]Snapshot(nil), l.snapshots...)
}
