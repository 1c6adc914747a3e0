// Package broker defines the Broker interface the rebalance scheduler
// executes orders through, and the simulated fill model used by backtests.
package broker

import (
	"context"
	"errors"

	"factorlab/internal/domain"
)

// ErrRejected is returned for orders a broker refuses to fill.
var ErrRejected = errors.New("order rejected")

// Broker executes orders.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Execute fills order in full or rejects it.
	Execute(ctx context.Context, order domain.Order) (domain.Fill, error)
}
