package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// Network is a generated supply network: locations, their starting
// inventory and the registered donor pool.
type Network struct {
	Locations []model.Location
	Units     []model.BloodUnit
	Donors    []model.Donor
}

// GenerateNetwork creates Banks blood banks (bank0001..) and Hospitals
// hospitals (hosp0001..) scattered around a city centre, UnitsPerBank
// units per bank with staggered expiries, and Donors donors.
func GenerateNetwork(cfg Config, rng *rand.Rand) Network {
	// Paris as an arbitrary centre; spread is roughly a 30 km box.
	const centreLat, centreLon = 48.8566, 2.3522
	jitter := func() float64 { return (rng.Float64() - 0.5) * 0.3 }

	var n Network
	for i := 0; i < cfg.Banks; i++ {
		n.Locations = append(n.Locations, model.Location{
			ID:   fmt.Sprintf("bank%04d", i+1),
			Kind: model.BloodBank,
			Lat:  centreLat + jitter(),
			Lon:  centreLon + jitter(),
		})
	}
	for i := 0; i < cfg.Hospitals; i++ {
		n.Locations = append(n.Locations, model.Location{
			ID:   fmt.Sprintf("hosp%04d", i+1),
			Kind: model.Hospital,
			Lat:  centreLat + jitter(),
			Lon:  centreLon + jitter(),
		})
	}

	now := time.Now().UTC()
	seq := 0
	for _, loc := range n.Locations {
		if loc.Kind != model.BloodBank {
			continue
		}
		for j := 0; j < cfg.UnitsPerBank; j++ {
			seq++
			collected := now.Add(-time.Duration(rng.Intn(30*24)) * time.Hour)
			n.Units = append(n.Units, model.BloodUnit{
				ID:          fmt.Sprintf("unit%06d", seq),
				Type:        model.AllBloodTypes[rng.Intn(len(model.AllBloodTypes))],
				VolumeML:    450,
				CollectedAt: collected,
				ExpiresAt:   collected.Add(42 * 24 * time.Hour),
				Status:      model.UnitAvailable,
				LocationID:  loc.ID,
			})
		}
	}

	for i := 0; i < cfg.Donors; i++ {
		var last time.Time
		if rng.Float64() < 0.5 {
			last = now.Add(-time.Duration(rng.Intn(120*24)) * time.Hour)
		}
		n.Donors = append(n.Donors, model.Donor{
			ID:             fmt.Sprintf("don%05d", i+1),
			Type:           model.AllBloodTypes[rng.Intn(len(model.AllBloodTypes))],
			Lat:            centreLat + jitter(),
			Lon:            centreLon + jitter(),
			LastDonation:   last,
			Eligible:       rng.Float64() < 0.9,
			Responsiveness: rng.Float64(),
		})
	}
	return n
}
