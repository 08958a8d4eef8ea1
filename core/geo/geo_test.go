package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(48.85, 2.35, 48.85, 2.35); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestHaversineParisLyon(t *testing.T) {
	// Paris -> Lyon is roughly 392 km great-circle.
	d := HaversineKm(48.8566, 2.3522, 45.7640, 4.8357)
	if math.Abs(d-392) > 5 {
		t.Errorf("Paris-Lyon = %f km, want ~392", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := HaversineKm(12.97, 77.59, 13.08, 80.27)
	b := HaversineKm(13.08, 80.27, 12.97, 77.59)
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("asymmetric distances: %f vs %f", a, b)
	}
}
