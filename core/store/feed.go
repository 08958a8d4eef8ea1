package store

import (
	"fmt"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// UpsertEvent is an inbound entity-change event from the source-of-record
// feed. Exactly one of the payload fields matching EntityType is set.
// Events are idempotent by (EntityID, Version): stale or duplicate
// versions are no-ops.
type UpsertEvent struct {
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`

	Unit     *model.BloodUnit `json:"unit,omitempty"`
	Location *model.Location  `json:"location,omitempty"`
	Donor    *model.Donor     `json:"donor,omitempty"`
}

// ApplyUpsert applies a feed event. It returns false without error when
// the event's version has already been seen.
func (s *Store) ApplyUpsert(ev UpsertEvent) (bool, error) {
	if ev.EntityID == "" {
		return false, fmt.Errorf("upsert without entity id")
	}
	switch ev.EntityType {
	case "blood_unit":
		if ev.Unit == nil {
			return false, fmt.Errorf("blood_unit upsert %s without payload", ev.EntityID)
		}
		return s.applyUnitUpsert(ev)
	case "location":
		if ev.Location == nil {
			return false, fmt.Errorf("location upsert %s without payload", ev.EntityID)
		}
		return s.applyLocationUpsert(ev)
	case "donor":
		if ev.Donor == nil {
			return false, fmt.Errorf("donor upsert %s without payload", ev.EntityID)
		}
		return s.applyDonorUpsert(ev)
	}
	return false, fmt.Errorf("unknown entity type %q", ev.EntityType)
}

func (s *Store) applyUnitUpsert(ev UpsertEvent) (bool, error) {
	u := *ev.Unit
	u.ID = ev.EntityID
	if err := u.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	v := s.units[u.ID]
	if v != nil {
		if ev.Version <= v.version {
			s.mu.Unlock()
			return false, nil
		}
		// Expiry is immutable once set.
		if !v.val.ExpiresAt.IsZero() && !u.ExpiresAt.Equal(v.val.ExpiresAt) {
			s.mu.Unlock()
			return false, fmt.Errorf("unit %s: expiry time is immutable", u.ID)
		}
	} else {
		v = &versioned[model.BloodUnit]{}
		s.units[u.ID] = v
	}
	v.val = u
	v.version = ev.Version
	ver := v.version
	s.mu.Unlock()
	s.publish(KindUnit, u.ID, ver)
	return true, nil
}

func (s *Store) applyLocationUpsert(ev UpsertEvent) (bool, error) {
	l := *ev.Location
	l.ID = ev.EntityID
	s.mu.Lock()
	v := s.locations[l.ID]
	if v != nil && ev.Version <= v.version {
		s.mu.Unlock()
		return false, nil
	}
	if v == nil {
		v = &versioned[model.Location]{}
		s.locations[l.ID] = v
	}
	v.val = l
	v.version = ev.Version
	ver := v.version
	s.mu.Unlock()
	s.publish(KindLocation, l.ID, ver)
	return true, nil
}

func (s *Store) applyDonorUpsert(ev UpsertEvent) (bool, error) {
	d := *ev.Donor
	d.ID = ev.EntityID
	s.mu.Lock()
	v := s.donors[d.ID]
	if v != nil && ev.Version <= v.version {
		s.mu.Unlock()
		return false, nil
	}
	if v == nil {
		v = &versioned[model.Donor]{}
		s.donors[d.ID] = v
	}
	v.val = d
	v.version = ev.Version
	ver := v.version
	s.mu.Unlock()
	s.publish(KindDonor, d.ID, ver)
	return true, nil
}
