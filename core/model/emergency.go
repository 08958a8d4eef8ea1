package model

import (
	"fmt"
	"time"
)

// Severity classifies how urgent an emergency is. Critical severity
// permits overriding source safety-stock thresholds.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity converts "low", "high" or "critical".
func ParseSeverity(s string) (Severity, error) {
	for sev, n := range severityNames {
		if n == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EmergencyStatus tracks the fulfillment state of an emergency.
type EmergencyStatus int

const (
	EmergencyOpen EmergencyStatus = iota
	EmergencyPartiallyAllocated
	EmergencyFulfilled
	EmergencyCancelled
)

var emergencyStatusNames = map[EmergencyStatus]string{
	EmergencyOpen:               "open",
	EmergencyPartiallyAllocated: "partially_allocated",
	EmergencyFulfilled:          "fulfilled",
	EmergencyCancelled:          "cancelled",
}

func (s EmergencyStatus) String() string {
	if n, ok := emergencyStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("EmergencyStatus(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s EmergencyStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *EmergencyStatus) UnmarshalText(b []byte) error {
	for st, n := range emergencyStatusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown emergency status %q", string(b))
}

// Emergency is a live demand for blood at a hospital.
type Emergency struct {
	ID           string          `json:"id"`
	HospitalID   string          `json:"hospital_id"`
	RequiredType BloodType       `json:"required_blood_type"`
	UnitsNeeded  int             `json:"units_required"`
	Severity     Severity        `json:"severity"`
	CreatedAt    time.Time       `json:"created_at"`
	Status       EmergencyStatus `json:"status"`

	// Outstanding is the number of units still unreserved. It equals
	// UnitsNeeded while the emergency is open and drops as reservations
	// are confirmed.
	Outstanding int `json:"outstanding"`
}

// Validate rejects malformed intake requests. An emergency for zero units
// is meaningless and always refused.
func (e Emergency) Validate() error {
	if e.HospitalID == "" {
		return fmt.Errorf("hospital id is required")
	}
	if e.UnitsNeeded <= 0 {
		return fmt.Errorf("units required must be positive, got %d", e.UnitsNeeded)
	}
	return nil
}
