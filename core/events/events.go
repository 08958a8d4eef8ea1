// Package events defines the payloads published on the internal event
// bus during allocation.
package events

import "github.com/kmarchand/hemonet/core/model"

// DemandEvent is published when a demand enters the scheduler.
type DemandEvent struct {
	Demand model.Demand
}

// ReservationEvent is published for every reservation transition.
type ReservationEvent struct {
	Reservation model.Reservation
	Op          string
}

// DispatchEvent is published when a dispatch order is acknowledged or
// fails.
type DispatchEvent struct {
	Order        model.DispatchOrder
	Acknowledged bool
	Err          error
}

// ShortageEvent is published when a demand ends with a deficit.
type ShortageEvent struct {
	Demand  model.Demand
	Missing int
}
