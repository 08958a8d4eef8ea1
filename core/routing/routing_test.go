package routing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

func testEngine(opts ...Option) *Engine {
	e := New(opts...)
	e.AddLocation(model.Location{ID: "h1", Kind: model.Hospital, Lat: 48.85, Lon: 2.35})
	e.AddLocation(model.Location{ID: "h2", Kind: model.Hospital, Lat: 48.90, Lon: 2.40})
	e.AddLocation(model.Location{ID: "b1", Kind: model.BloodBank, Lat: 48.80, Lon: 2.30})
	return e
}

func TestRouteShortestPath(t *testing.T) {
	e := testEngine()
	if err := e.SetEdge("h1", "h2", 30); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if err := e.SetEdge("h1", "b1", 10); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if err := e.SetEdge("b1", "h2", 10); err != nil {
		t.Fatalf("edge: %v", err)
	}

	r, err := e.Route("h1", "h2")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.ETAMinutes != 20 {
		t.Errorf("eta = %f, want 20 (via b1)", r.ETAMinutes)
	}
	want := []string{"h1", "b1", "h2"}
	if len(r.Path) != len(want) {
		t.Fatalf("path = %v, want %v", r.Path, want)
	}
	for i := range want {
		if r.Path[i] != want[i] {
			t.Fatalf("path = %v, want %v", r.Path, want)
		}
	}
}

func TestRouteHaversineFallback(t *testing.T) {
	e := testEngine()
	// No edges at all: the engine approximates from coordinates.
	r, err := e.Route("h1", "b1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.DistanceKm <= 0 {
		t.Fatalf("fallback distance = %f, want > 0", r.DistanceKm)
	}
	if math.Abs(r.ETAMinutes-r.DistanceKm*DefaultMinutesPerKm) > 1e-9 {
		t.Errorf("eta = %f, want distance*%f", r.ETAMinutes, DefaultMinutesPerKm)
	}
}

func TestRouteUnknownLocation(t *testing.T) {
	e := testEngine()
	if _, err := e.Route("h1", "nowhere"); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("err = %v, want ErrRouteUnavailable", err)
	}
}

func TestRouteCacheAndInvalidation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	e := testEngine(WithCacheTTL(time.Minute), WithClock(func() time.Time { return clock }))
	if err := e.SetEdge("h1", "h2", 30); err != nil {
		t.Fatalf("edge: %v", err)
	}

	r1, err := e.Route("h1", "h2")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r1.ETAMinutes != 30 {
		t.Fatalf("eta = %f, want 30", r1.ETAMinutes)
	}

	// Updating a weight drops the cache, so the new route is visible.
	if err := e.SetEdge("h1", "h2", 12); err != nil {
		t.Fatalf("edge: %v", err)
	}
	r2, err := e.Route("h1", "h2")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r2.ETAMinutes != 12 {
		t.Fatalf("eta after reweight = %f, want 12", r2.ETAMinutes)
	}

	// Within the TTL the cached route is served even if weights change
	// behind the engine's back via InvalidateAll-free paths.
	clock = clock.Add(2 * time.Minute)
	e.InvalidateAll()
	r3, err := e.Route("h1", "h2")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r3.ETAMinutes != 12 {
		t.Fatalf("eta after expiry = %f, want 12", r3.ETAMinutes)
	}
}

func TestRouteSameLocation(t *testing.T) {
	e := testEngine()
	r, err := e.Route("h1", "h1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.ETAMinutes != 0 || r.DistanceKm != 0 {
		t.Fatalf("self route = %+v, want zero cost", r)
	}
}
