package model

import "fmt"

// BloodType enumerates the 8 standard ABO/Rh blood types.
type BloodType int

const (
	ONeg BloodType = iota
	OPos
	ANeg
	APos
	BNeg
	BPos
	ABNeg
	ABPos
)

// AllBloodTypes lists every ABO/Rh type in declaration order.
var AllBloodTypes = []BloodType{ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos}

var bloodTypeNames = map[BloodType]string{
	ONeg:  "O-",
	OPos:  "O+",
	ANeg:  "A-",
	APos:  "A+",
	BNeg:  "B-",
	BPos:  "B+",
	ABNeg: "AB-",
	ABPos: "AB+",
}

func (t BloodType) String() string {
	if s, ok := bloodTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("BloodType(%d)", int(t))
}

// ParseBloodType converts the medical notation ("O-", "AB+", ...) into a
// BloodType value.
func ParseBloodType(s string) (BloodType, error) {
	for t, name := range bloodTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown blood type %q", s)
}

// MarshalText implements encoding.TextMarshaler so blood types serialize
// as their medical notation in JSON payloads.
func (t BloodType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *BloodType) UnmarshalText(b []byte) error {
	parsed, err := ParseBloodType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
