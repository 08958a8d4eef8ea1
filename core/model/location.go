package model

import "fmt"

// LocationKind distinguishes hospitals from blood banks.
type LocationKind int

const (
	Hospital LocationKind = iota
	BloodBank
)

func (k LocationKind) String() string {
	switch k {
	case Hospital:
		return "hospital"
	case BloodBank:
		return "bloodbank"
	}
	return fmt.Sprintf("LocationKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k LocationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LocationKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "hospital":
		*k = Hospital
	case "bloodbank":
		*k = BloodBank
	default:
		return fmt.Errorf("unknown location kind %q", string(b))
	}
	return nil
}

// Location is a hospital or blood bank in the supply network. Inventory is
// always derived from unit ownership, never stored on the location itself.
type Location struct {
	ID   string       `json:"id"`
	Kind LocationKind `json:"kind"`
	Name string       `json:"name,omitempty"`
	Lat  float64      `json:"lat"`
	Lon  float64      `json:"lon"`
}
