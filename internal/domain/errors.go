package domain

import "errors"

var (
	// ErrDataUnavailable marks a missing or unusable data item. Callers
	// degrade for the affected instrument only.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrProvider marks a data provider failure that survived retries.
	ErrProvider = errors.New("provider error")

	// ErrAccountingInvariant marks a ledger whose equity no longer
	// reconciles. It is fatal for the affected run.
	ErrAccountingInvariant = errors.New("accounting invariant violation")

	// ErrConfiguration marks an invalid configuration or input, rejected
	// before any simulation starts.
	ErrConfiguration = errors.New("configuration error")
)
