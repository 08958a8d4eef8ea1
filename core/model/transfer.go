package model

import (
	"fmt"
	"time"
)

// TransferReason records why a transfer order exists.
type TransferReason int

const (
	ExpiryPrevention TransferReason = iota
	ShortageFulfillment
)

func (r TransferReason) String() string {
	if r == ShortageFulfillment {
		return "shortage_fulfillment"
	}
	return "expiry_prevention"
}

// MarshalText implements encoding.TextMarshaler.
func (r TransferReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TransferReason) UnmarshalText(b []byte) error {
	switch string(b) {
	case "expiry_prevention":
		*r = ExpiryPrevention
	case "shortage_fulfillment":
		*r = ShortageFulfillment
	default:
		return fmt.Errorf("unknown transfer reason %q", string(b))
	}
	return nil
}

// TransferStatus tracks a transfer order.
type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferInTransit
	TransferCompleted
	TransferCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInTransit:
		return "in_transit"
	case TransferCompleted:
		return "completed"
	case TransferCancelled:
		return "cancelled"
	}
	return "pending"
}

// TransferOrder moves units between locations, either to prevent expiry
// or to fill a projected shortage.
type TransferOrder struct {
	ID        string         `json:"id"`
	UnitIDs   []string       `json:"unit_ids"`
	SourceID  string         `json:"source_id"`
	DestID    string         `json:"dest_id"`
	Reason    TransferReason `json:"reason"`
	Status    TransferStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
