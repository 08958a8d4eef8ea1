// Package compat implements ABO/Rh blood-type compatibility and the
// priority ranking used to order substitutions.
package compat

import "github.com/kmarchand/hemonet/core/model"

// recipients maps a donor type to the set of recipient types it may serve.
var recipients = map[model.BloodType][]model.BloodType{
	model.ONeg:  {model.ONeg, model.OPos, model.ANeg, model.APos, model.BNeg, model.BPos, model.ABNeg, model.ABPos},
	model.OPos:  {model.OPos, model.APos, model.BPos, model.ABPos},
	model.ANeg:  {model.ANeg, model.APos, model.ABNeg, model.ABPos},
	model.APos:  {model.APos, model.ABPos},
	model.BNeg:  {model.BNeg, model.BPos, model.ABNeg, model.ABPos},
	model.BPos:  {model.BPos, model.ABPos},
	model.ABNeg: {model.ABNeg, model.ABPos},
	model.ABPos: {model.ABPos},
}

// CanDonate reports whether a unit of the donor type may be transfused to
// a patient of the recipient type.
func CanDonate(donor, recipient model.BloodType) bool {
	for _, r := range recipients[donor] {
		if r == recipient {
			return true
		}
	}
	return false
}

// Rank orders compatible candidate types for a required type. Lower is
// better: an exact match ranks 0, and otherwise the rank is the number of
// recipient types the candidate could serve, so broadly-usable donors
// (O- last of all) are spent only when nothing more specific is on hand.
// Incompatible pairs report ok=false and an unspecified rank.
func Rank(required, candidate model.BloodType) (rank int, ok bool) {
	if !CanDonate(candidate, required) {
		return 0, false
	}
	if candidate == required {
		return 0, true
	}
	return len(recipients[candidate]), true
}
