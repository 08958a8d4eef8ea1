package ledger

import (
	"context"
	"sync"

	coreledger "github.com/kmarchand/hemonet/core/ledger"
	"github.com/kmarchand/hemonet/core/model"
)

// MemoryStore keeps the journal in memory. It backs tests and
// deployments that accept losing the journal on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries []coreledger.Entry
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(_ context.Context, e coreledger.Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PendingReservations(context.Context) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]coreledger.Entry)
	var order []string
	for _, e := range s.entries {
		if _, seen := latest[e.Reservation.ID]; !seen {
			order = append(order, e.Reservation.ID)
		}
		latest[e.Reservation.ID] = e
	}
	var res []model.Reservation
	for _, id := range order {
		e := latest[id]
		if e.Op == coreledger.OpReserve && e.Reservation.State == model.ReservationPending {
			res = append(res, e.Reservation)
		}
	}
	return res, nil
}

// Entries returns a copy of the journal, for tests.
func (s *MemoryStore) Entries() []coreledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]coreledger.Entry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

func (s *MemoryStore) Close() error { return nil }
