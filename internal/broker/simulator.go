package broker

import (
	"context"
	"fmt"

	"factorlab/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker fills every valid market order immediately at the
// order's reference price, moved against the trader by SlippageBps basis
// points. Fills are recorded in memory. Not safe for concurrent use; each
// backtest run owns its own simulator.
type SimulatorBroker struct {
	slippageBps float64
	fills       []domain.Fill
}

// NewSimulatorBroker creates a SimulatorBroker. slippageBps may be zero.
func NewSimulatorBroker(slippageBps float64) *SimulatorBroker {
	return &SimulatorBroker{slippageBps: slippageBps}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// FillPrice returns the price an order on side would fill at for ref.
func (b *SimulatorBroker) FillPrice(side domain.OrderSide, ref float64) float64 {
	adj := b.slippageBps / 10_000
	if side == domain.OrderSideSell {
		return ref * (1 - adj)
	}
	return ref * (1 + adj)
}

// Execute fills order at FillPrice.
func (b *SimulatorBroker) Execute(ctx context.Context, order domain.Order) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	switch {
	case order.Side != domain.OrderSideBuy && order.Side != domain.OrderSideSell:
		return domain.Fill{}, fmt.Errorf("%s: side %q: %w", order.Symbol, order.Side, ErrRejected)
	case order.Qty <= 0:
		return domain.Fill{}, fmt.Errorf("%s: qty %v: %w", order.Symbol, order.Qty, ErrRejected)
	case order.RefPrice <= 0:
		return domain.Fill{}, fmt.Errorf("%s: reference price %v: %w", order.Symbol, order.RefPrice, ErrRejected)
	}

	fill := domain.Fill{
		Symbol: order.Symbol,
		Side:   order.Side,
		Qty:    order.Qty,
		Price:  b.FillPrice(order.Side, order.RefPrice),
		Date:   order.Date,
	}
	b.fills = append(b.fills, fill)
	return fill, nil
}

// Fills returns a copy of every fill so far, in execution order.
func (b *SimulatorBroker) Fills() []domain.Fill {
	return append([]domain.Fill(nil), b.fills...)
}
