package model

import (
	"fmt"
	"time"
)

// ReservationState tracks the hold placed on a unit for one demand.
type ReservationState int

const (
	ReservationPending ReservationState = iota
	ReservationConfirmed
	ReservationReleased
)

var reservationStateNames = map[ReservationState]string{
	ReservationPending:   "pending",
	ReservationConfirmed: "confirmed",
	ReservationReleased:  "released",
}

func (s ReservationState) String() string {
	if n, ok := reservationStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ReservationState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ReservationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ReservationState) UnmarshalText(b []byte) error {
	for st, n := range reservationStateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown reservation state %q", string(b))
}

// Reservation is an exclusive hold of one blood unit for one demand. A
// Pending reservation expires after its TTL unless confirmed by a courier
// acknowledgment; the periodic sweep then releases the unit.
type Reservation struct {
	ID         string           `json:"id"`
	DemandID   string           `json:"demand_id"`
	UnitID     string           `json:"unit_id"`
	ReservedAt time.Time        `json:"reserved_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	State      ReservationState `json:"state"`
}

// ExpiredTTL reports whether the reservation's TTL has elapsed.
func (r Reservation) ExpiredTTL(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Active reports whether the reservation still holds its unit.
func (r Reservation) Active() bool {
	return r.State == ReservationPending || r.State == ReservationConfirmed
}
