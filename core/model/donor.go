package model

import "time"

// Donor is a registered blood donor who may be solicited when inventory
// cannot satisfy a demand.
type Donor struct {
	ID           string    `json:"id"`
	Type         BloodType `json:"blood_type"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	LastDonation time.Time `json:"last_donation,omitempty"`
	Eligible     bool      `json:"eligible"`

	// Responsiveness estimates how likely the donor is to answer an
	// outreach request, in [0,1].
	Responsiveness float64 `json:"responsiveness"`
}

// CanDonateAgain reports whether the minimum re-donation interval has
// elapsed since the donor's last donation.
func (d Donor) CanDonateAgain(now time.Time, minInterval time.Duration) bool {
	if d.LastDonation.IsZero() {
		return true
	}
	return now.Sub(d.LastDonation) >= minInterval
}
