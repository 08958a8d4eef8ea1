package model

import (
	"fmt"
	"time"
)

// UnitStatus tracks a blood unit through its lifecycle. Transitions are
// strictly forward; the only compensating transition back to Available is
// the release of an unconfirmed reservation.
type UnitStatus int

const (
	UnitAvailable UnitStatus = iota
	UnitReserved
	UnitInTransit
	UnitTransfused
	UnitDiscarded
)

var unitStatusNames = map[UnitStatus]string{
	UnitAvailable:  "available",
	UnitReserved:   "reserved",
	UnitInTransit:  "in_transit",
	UnitTransfused: "transfused",
	UnitDiscarded:  "discarded",
}

func (s UnitStatus) String() string {
	if n, ok := unitStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("UnitStatus(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s UnitStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *UnitStatus) UnmarshalText(b []byte) error {
	for st, n := range unitStatusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown unit status %q", string(b))
}

// BloodUnit is a single collected unit of blood held at a location.
type BloodUnit struct {
	ID          string     `json:"id"`
	Type        BloodType  `json:"blood_type"`
	VolumeML    float64    `json:"volume_ml"`
	CollectedAt time.Time  `json:"collected_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Status      UnitStatus `json:"status"`
	LocationID  string     `json:"location_id"`
}

// Expired reports whether the unit is past its expiry time.
func (u BloodUnit) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// RemainingShelfLife returns the time left before the unit must be
// discarded. It is zero or negative for expired units.
func (u BloodUnit) RemainingShelfLife(now time.Time) time.Duration {
	return u.ExpiresAt.Sub(now)
}

// Validate checks that the unit record is sound.
func (u BloodUnit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if u.LocationID == "" {
		return fmt.Errorf("unit %s has no owning location", u.ID)
	}
	if !u.ExpiresAt.IsZero() && !u.CollectedAt.IsZero() && u.ExpiresAt.Before(u.CollectedAt) {
		return fmt.Errorf("unit %s expires before collection", u.ID)
	}
	return nil
}
