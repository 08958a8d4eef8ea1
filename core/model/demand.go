package model

import "time"

// DemandKind distinguishes live emergencies from rebalancing transfers.
// Both flow through the same allocation path.
type DemandKind int

const (
	DemandEmergency DemandKind = iota
	DemandTransfer
)

func (k DemandKind) String() string {
	if k == DemandTransfer {
		return "transfer"
	}
	return "emergency"
}

// Demand is the unified demand record consumed by the allocation
// scheduler. Emergencies and expiry-prevention transfers share this shape
// so a single reservation mechanism serves both.
type Demand struct {
	ID           string     `json:"id"`
	Kind         DemandKind `json:"kind"`
	RequiredType BloodType  `json:"required_blood_type"`
	Quantity     int        `json:"quantity"`

	// OriginID is the location the blood must reach.
	OriginID string `json:"origin_id"`

	// Deadline bounds how long candidate units may travel. For transfer
	// demands it is the earliest expiry among the units at risk.
	Deadline time.Time `json:"deadline"`

	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Critical reports whether the demand may override safety stock.
func (d Demand) Critical() bool { return d.Severity == SeverityCritical }

// Demand converts the emergency into the unified demand record.
func (e Emergency) Demand(deadline time.Time) Demand {
	return Demand{
		ID:           e.ID,
		Kind:         DemandEmergency,
		RequiredType: e.RequiredType,
		Quantity:     e.UnitsNeeded,
		OriginID:     e.HospitalID,
		Deadline:     deadline,
		Severity:     e.Severity,
		CreatedAt:    e.CreatedAt,
	}
}
