package engine

import (
	"errors"
	"fmt"

	"factorlab/internal/portfolio"
	"factorlab/internal/strategy"
)

// Entry rejections. A sector cap skips the candidate; the others end
// selection for the date.
var (
	ErrPositionCap = errors.New("max positions reached")
	ErrSectorCap   = errors.New("sector cap reached")
	ErrCycleCap    = errors.New("max new positions per cycle reached")
	ErrCashReserve = errors.New("cash reserve would be breached")
)

// RiskManager enforces pre-trade portfolio rules: position and sector caps,
// the per-cycle entry limit and the cash reserve. Zero caps are unlimited.
type RiskManager struct {
	maxPositions   int
	maxPerSector   int
	maxNewPerCycle int
	cashReserve    float64
	positionSize   float64
}

// NewRiskManager creates a RiskManager from the caps of cfg.
func NewRiskManager(cfg strategy.RunConfig) *RiskManager {
	return &RiskManager{
		maxPositions:   cfg.MaxPositions,
		maxPerSector:   cfg.MaxPerSector,
		maxNewPerCycle: cfg.MaxNewPerCycle,
		cashReserve:    cfg.CashReserve,
		positionSize:   cfg.PositionSize,
	}
}

// Available returns the cash that may be spent without breaching the
// reserve, a fraction of current equity.
func (rm *RiskManager) Available(l *portfolio.Ledger) float64 {
	return l.Cash() - rm.cashReserve*l.Equity()
}

// CheckEntry evaluates whether a new position in sector may be opened after
// opened entries this cycle, given the post-closure ledger state.
func (rm *RiskManager) CheckEntry(l *portfolio.Ledger, sector string, opened int) error {
	if rm.maxNewPerCycle > 0 && opened >= rm.maxNewPerCycle {
		return fmt.Errorf("%d opened: %w", opened, ErrCycleCap)
	}
	if rm.maxPositions > 0 && l.OpenCount() >= rm.maxPositions {
		return fmt.Errorf("%d open: %w", l.OpenCount(), ErrPositionCap)
	}
	if avail := rm.Available(l); avail < rm.positionSize {
		return fmt.Errorf("available %.2f below position size %.2f: %w", avail, rm.positionSize, ErrCashReserve)
	}
	if rm.maxPerSector > 0 && sector != "" && l.SectorCount(sector) >= rm.maxPerSector {
		return fmt.Errorf("sector %s holds %d: %w", sector, l.SectorCount(sector), ErrSectorCap)
	}
	return nil
}

// CheckAdd evaluates whether a pyramid add costing cost keeps the reserve.
func (rm *RiskManager) CheckAdd(l *portfolio.Ledger, cost float64) error {
	if avail := rm.Available(l); avail < cost {
		return fmt.Errorf("available %.2f below add cost %.2f: %w", avail, cost, ErrCashReserve)
	}
	return nil
}
