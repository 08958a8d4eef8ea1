package alloc

import "errors"

var (
	// ErrInsufficientInventory is returned when no compatible supply
	// exists anywhere in range for a demand.
	ErrInsufficientInventory = errors.New("alloc: insufficient inventory")

	// ErrPersistenceFailure wraps a durable ledger write that failed.
	// The transition it was meant to record is rolled back.
	ErrPersistenceFailure = errors.New("alloc: ledger persistence failure")

	// ErrUnknownDemand is returned by Cancel for a demand the scheduler
	// is not tracking.
	ErrUnknownDemand = errors.New("alloc: unknown demand")
)
