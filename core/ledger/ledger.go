// Package ledger defines the durable reservation journal. Every state
// transition of a reservation is recorded here before it is acted upon
// externally, so a restart can reconcile in-flight holds.
package ledger

import (
	"context"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// Op names a reservation state transition.
type Op string

const (
	OpReserve Op = "reserve"
	OpConfirm Op = "confirm"
	OpRelease Op = "release"
)

// Entry is one journal record.
type Entry struct {
	Op          Op                `json:"op"`
	Reservation model.Reservation `json:"reservation"`
	Time        time.Time         `json:"time"`
}

// Store persists the reservation journal.
type Store interface {
	// Append writes the entry durably. Callers must treat a failed
	// append as fatal for the transition being recorded.
	Append(ctx context.Context, e Entry) error

	// PendingReservations folds the journal and returns every
	// reservation whose latest recorded state is Pending.
	PendingReservations(ctx context.Context) ([]model.Reservation, error)

	Close() error
}
