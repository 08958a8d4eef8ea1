package model

import "time"

// RouteSummary is the transport path attached to a dispatch order. It is
// computed on demand by the routing engine and never authoritative state.
type RouteSummary struct {
	SourceID   string   `json:"source_id"`
	DestID     string   `json:"dest_id"`
	Path       []string `json:"path,omitempty"`
	DistanceKm float64  `json:"distance_km"`
	ETAMinutes float64  `json:"eta_minutes"`
}

// ETA returns the estimated travel time as a duration.
func (r RouteSummary) ETA() time.Duration {
	return time.Duration(r.ETAMinutes * float64(time.Minute))
}

// DispatchOrder instructs the external courier system to move one
// reserved unit to the demanding location.
type DispatchOrder struct {
	OrderID    string       `json:"order_id"`
	DemandID   string       `json:"demand_id"`
	UnitID     string       `json:"unit_id"`
	SourceID   string       `json:"source_id"`
	DestID     string       `json:"dest_id"`
	Route      RouteSummary `json:"route"`
	ETAMinutes float64      `json:"eta_minutes"`
	IssuedAt   time.Time    `json:"issued_at"`
}

// OutreachRequest asks the external messaging gateway to contact a donor.
// Delivery is fire-and-forget.
type OutreachRequest struct {
	ID          string    `json:"id"`
	DonorID     string    `json:"donor_id"`
	BloodType   BloodType `json:"blood_type"`
	LocationID  string    `json:"location_id"`
	Urgency     Severity  `json:"urgency"`
	RequestedAt time.Time `json:"requested_at"`
}
