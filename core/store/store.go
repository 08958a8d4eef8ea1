// Package store holds the authoritative cached state of units, locations,
// donors and emergencies. All mutations are optimistic compare-and-set
// against a per-entity version; there is no cross-entity locking, so
// contention is scoped to individual entities.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kmarchand/hemonet/core/geo"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/internal/eventbus"
)

// EntityKind identifies the entity class of a change event.
type EntityKind int

const (
	KindUnit EntityKind = iota
	KindLocation
	KindDonor
	KindEmergency
)

func (k EntityKind) String() string {
	switch k {
	case KindUnit:
		return "blood_unit"
	case KindLocation:
		return "location"
	case KindDonor:
		return "donor"
	case KindEmergency:
		return "emergency"
	}
	return fmt.Sprintf("EntityKind(%d)", int(k))
}

// ChangeEvent is published on the bus after every successful mutation.
type ChangeEvent struct {
	Kind    EntityKind
	ID      string
	Version uint64
	Time    time.Time
}

// VersionedUnit pairs a unit snapshot with the version it was read at,
// for use as the expected version of a later conditional mutation.
type VersionedUnit struct {
	Unit    model.BloodUnit
	Version uint64
}

type versioned[T any] struct {
	val     T
	version uint64
}

// Store is the in-memory entity store.
type Store struct {
	mu          sync.RWMutex
	units       map[string]*versioned[model.BloodUnit]
	locations   map[string]*versioned[model.Location]
	donors      map[string]*versioned[model.Donor]
	emergencies map[string]*versioned[model.Emergency]

	bus eventbus.EventBus
	now func() time.Time

	// staleTolerance is the version drift beyond which a conditional
	// mutation reports ErrStaleData instead of ErrConflict.
	staleTolerance uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStaleTolerance sets the version drift tolerance (default 1).
func WithStaleTolerance(n uint64) Option {
	return func(s *Store) { s.staleTolerance = n }
}

// New creates an empty store. Change events are published on bus; a nil
// bus disables publication.
func New(bus eventbus.EventBus, opts ...Option) *Store {
	s := &Store{
		units:          make(map[string]*versioned[model.BloodUnit]),
		locations:      make(map[string]*versioned[model.Location]),
		donors:         make(map[string]*versioned[model.Donor]),
		emergencies:    make(map[string]*versioned[model.Emergency]),
		bus:            bus,
		now:            time.Now,
		staleTolerance: 1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) publish(kind EntityKind, id string, version uint64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ChangeEvent{Kind: kind, ID: id, Version: version, Time: s.now()})
}

// PutLocation inserts or replaces a location, bumping its version.
func (s *Store) PutLocation(l model.Location) {
	s.mu.Lock()
	v := s.locations[l.ID]
	if v == nil {
		v = &versioned[model.Location]{}
		s.locations[l.ID] = v
	}
	v.val = l
	v.version++
	ver := v.version
	s.mu.Unlock()
	s.publish(KindLocation, l.ID, ver)
}

// PutDonor inserts or replaces a donor, bumping its version.
func (s *Store) PutDonor(d model.Donor) {
	s.mu.Lock()
	v := s.donors[d.ID]
	if v == nil {
		v = &versioned[model.Donor]{}
		s.donors[d.ID] = v
	}
	v.val = d
	v.version++
	ver := v.version
	s.mu.Unlock()
	s.publish(KindDonor, d.ID, ver)
}

// PutUnit inserts or replaces a blood unit, bumping its version.
func (s *Store) PutUnit(u model.BloodUnit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	v := s.units[u.ID]
	if v == nil {
		v = &versioned[model.BloodUnit]{}
		s.units[u.ID] = v
	}
	v.val = u
	v.version++
	ver := v.version
	s.mu.Unlock()
	s.publish(KindUnit, u.ID, ver)
	return nil
}

// Unit returns a snapshot of the unit and its current version.
func (s *Store) Unit(id string) (model.BloodUnit, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.units[id]
	if !ok {
		return model.BloodUnit{}, 0, ErrNotFound
	}
	return v.val, v.version, nil
}

// Location returns a snapshot of the location.
func (s *Store) Location(id string) (model.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.locations[id]
	if !ok {
		return model.Location{}, ErrNotFound
	}
	return v.val, nil
}

// Locations returns all known locations sorted by id.
func (s *Store) Locations() []model.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Location, 0, len(s.locations))
	for _, v := range s.locations {
		res = append(res, v.val)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Inventory returns a snapshot of all units owned by the location,
// sorted by id. Inventory is always derived from unit ownership.
func (s *Store) Inventory(locationID string) []VersionedUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []VersionedUnit
	for _, v := range s.units {
		if v.val.LocationID == locationID {
			res = append(res, VersionedUnit{Unit: v.val, Version: v.version})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Unit.ID < res[j].Unit.ID })
	return res
}

// AvailableUnits returns a snapshot of every unit in Available status.
func (s *Store) AvailableUnits() []VersionedUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []VersionedUnit
	for _, v := range s.units {
		if v.val.Status == model.UnitAvailable {
			res = append(res, VersionedUnit{Unit: v.val, Version: v.version})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Unit.ID < res[j].Unit.ID })
	return res
}

// CountAvailable returns the number of Available units at the location,
// optionally restricted to one blood type (pass nil for all types).
func (s *Store) CountAvailable(locationID string, bt *model.BloodType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.units {
		if v.val.LocationID != locationID || v.val.Status != model.UnitAvailable {
			continue
		}
		if bt != nil && v.val.Type != *bt {
			continue
		}
		n++
	}
	return n
}

// DonorsWithin lists donors within radiusKm of the coordinates.
func (s *Store) DonorsWithin(lat, lon, radiusKm float64) []model.Donor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Donor
	for _, v := range s.donors {
		if geo.HaversineKm(lat, lon, v.val.Lat, v.val.Lon) <= radiusKm {
			res = append(res, v.val)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// checkVersion maps a version mismatch to ErrConflict or, past the drift
// tolerance, ErrStaleData.
func (s *Store) checkVersion(current, expected uint64) error {
	if current == expected {
		return nil
	}
	if current > expected && current-expected > s.staleTolerance {
		return ErrStaleData
	}
	return ErrConflict
}

// unitTransitionAllowed encodes the forward-only lifecycle. Reserved may
// fall back to Available only through the release path, which is the
// compensation for unconfirmed reservations.
func unitTransitionAllowed(from, to model.UnitStatus) bool {
	switch from {
	case model.UnitAvailable:
		return to == model.UnitReserved || to == model.UnitDiscarded
	case model.UnitReserved:
		return to == model.UnitInTransit || to == model.UnitAvailable || to == model.UnitDiscarded
	case model.UnitInTransit:
		return to == model.UnitTransfused || to == model.UnitAvailable || to == model.UnitDiscarded
	}
	return false
}

// TransitionUnit applies a conditional status transition. The mutation is
// accepted only when expectedVersion matches the entity's current version
// and the transition is valid; a unit past expiry may only be Discarded.
// On success the new version is returned; it is the expected version for
// the next conditional mutation of the same hold.
func (s *Store) TransitionUnit(id string, expectedVersion uint64, next model.UnitStatus) (model.BloodUnit, uint64, error) {
	s.mu.Lock()
	v, ok := s.units[id]
	if !ok {
		s.mu.Unlock()
		return model.BloodUnit{}, 0, ErrNotFound
	}
	if err := s.checkVersion(v.version, expectedVersion); err != nil {
		s.mu.Unlock()
		return model.BloodUnit{}, 0, err
	}
	if v.val.Expired(s.now()) && next != model.UnitDiscarded {
		s.mu.Unlock()
		return model.BloodUnit{}, 0, ErrExpiredUnit
	}
	if !unitTransitionAllowed(v.val.Status, next) {
		s.mu.Unlock()
		return model.BloodUnit{}, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.val.Status, next)
	}
	v.val.Status = next
	v.version++
	unit, ver := v.val, v.version
	s.mu.Unlock()
	s.publish(KindUnit, id, ver)
	return unit, ver, nil
}

// MoveUnit relocates an in-transit unit to its destination and returns it
// to Available there. This is the completion half of a transfer.
func (s *Store) MoveUnit(id string, expectedVersion uint64, destID string) (model.BloodUnit, error) {
	s.mu.Lock()
	v, ok := s.units[id]
	if !ok {
		s.mu.Unlock()
		return model.BloodUnit{}, ErrNotFound
	}
	if err := s.checkVersion(v.version, expectedVersion); err != nil {
		s.mu.Unlock()
		return model.BloodUnit{}, err
	}
	if v.val.Status != model.UnitInTransit {
		s.mu.Unlock()
		return model.BloodUnit{}, fmt.Errorf("%w: move requires in_transit, unit is %s", ErrInvalidTransition, v.val.Status)
	}
	if v.val.Expired(s.now()) {
		s.mu.Unlock()
		return model.BloodUnit{}, ErrExpiredUnit
	}
	v.val.LocationID = destID
	v.val.Status = model.UnitAvailable
	v.version++
	unit, ver := v.val, v.version
	s.mu.Unlock()
	s.publish(KindUnit, id, ver)
	return unit, nil
}

// PutEmergency inserts or replaces an emergency.
func (s *Store) PutEmergency(e model.Emergency) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	v := s.emergencies[e.ID]
	if v == nil {
		v = &versioned[model.Emergency]{}
		s.emergencies[e.ID] = v
	}
	v.val = e
	v.version++
	ver := v.version
	s.mu.Unlock()
	s.publish(KindEmergency, e.ID, ver)
	return nil
}

// Emergency returns a snapshot of the emergency.
func (s *Store) Emergency(id string) (model.Emergency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.emergencies[id]
	if !ok {
		return model.Emergency{}, ErrNotFound
	}
	return v.val, nil
}

// SetEmergencyStatus updates the status and outstanding count of an
// emergency unconditionally (the allocator is the only writer).
func (s *Store) SetEmergencyStatus(id string, status model.EmergencyStatus, outstanding int) error {
	s.mu.Lock()
	v, ok := s.emergencies[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	v.val.Status = status
	v.val.Outstanding = outstanding
	v.version++
	ver := v.version
	s.mu.Unlock()
	s.publish(KindEmergency, id, ver)
	return nil
}
