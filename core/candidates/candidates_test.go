package candidates

import (
	"errors"
	"testing"
	"time"

	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

type fakeRouter struct {
	etas map[string]float64
	err  error
}

func (f *fakeRouter) Route(src, dst string) (model.RouteSummary, error) {
	if f.err != nil {
		return model.RouteSummary{}, f.err
	}
	eta := f.etas[src+">"+dst]
	return model.RouteSummary{
		SourceID:   src,
		DestID:     dst,
		Path:       []string{src, dst},
		DistanceKm: eta / 3,
		ETAMinutes: eta,
	}, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(nil)
	s.PutLocation(model.Location{ID: "h1", Kind: model.Hospital, Lat: 48.85, Lon: 2.35})
	s.PutLocation(model.Location{ID: "b1", Kind: model.BloodBank, Lat: 48.86, Lon: 2.36})
	s.PutLocation(model.Location{ID: "b2", Kind: model.BloodBank, Lat: 48.87, Lon: 2.30})
	return s
}

func addUnit(t *testing.T, s *store.Store, id, loc string, bt model.BloodType, shelf time.Duration) {
	t.Helper()
	err := s.PutUnit(model.BloodUnit{
		ID:          id,
		Type:        bt,
		VolumeML:    450,
		CollectedAt: testNow.Add(-24 * time.Hour),
		ExpiresAt:   testNow.Add(shelf),
		Status:      model.UnitAvailable,
		LocationID:  loc,
	})
	if err != nil {
		t.Fatalf("put unit %s: %v", id, err)
	}
}

func newGenerator(s *store.Store, r Router, cfg Config) *Generator {
	g := NewGenerator(s, r, nil, cfg, nil)
	g.SetClock(func() time.Time { return testNow })
	return g
}

func demand(qty int) model.Demand {
	return model.Demand{
		ID:           "e1",
		Kind:         model.DemandEmergency,
		RequiredType: model.APos,
		Quantity:     qty,
		OriginID:     "h1",
		Severity:     model.SeverityHigh,
		CreatedAt:    testNow,
	}
}

func TestGenerateFiltersIncompatibleAndExpired(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "ok", "b1", model.APos, 72*time.Hour)
	addUnit(t, s, "wrongtype", "b1", model.BNeg, 72*time.Hour)
	addUnit(t, s, "expired", "b1", model.APos, -time.Hour)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10}}, Config{})
	got, err := g.Generate(demand(1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 1 || got[0].Unit.ID != "ok" {
		t.Fatalf("candidates = %+v, want [ok]", got)
	}
}

func TestGenerateLocalInventoryFirst(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "remote", "b1", model.APos, 72*time.Hour)
	addUnit(t, s, "local", "h1", model.APos, 72*time.Hour)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 30}}, Config{})
	got, err := g.Generate(demand(2))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Unit.ID != "local" {
		t.Errorf("first candidate = %s, want local unit", got[0].Unit.ID)
	}
	if got[0].Route.ETAMinutes != 0 {
		t.Errorf("local eta = %f, want 0", got[0].Route.ETAMinutes)
	}
}

func TestGeneratePrefersNearExpiry(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "fresh", "b1", model.APos, 40*24*time.Hour)
	addUnit(t, s, "closer-to-expiry", "b1", model.APos, 3*24*time.Hour)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10}}, Config{})
	got, err := g.Generate(demand(2))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got[0].Unit.ID != "closer-to-expiry" {
		t.Errorf("first candidate = %s, want closer-to-expiry", got[0].Unit.ID)
	}
}

func TestGenerateShelfLifeMustCoverTransport(t *testing.T) {
	s := seedStore(t)
	// 40 minutes of shelf life cannot cover a 60 minute trip.
	addUnit(t, s, "tooshort", "b1", model.APos, 40*time.Minute)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 60}}, Config{SafetyBuffer: 15 * time.Minute})
	got, err := g.Generate(demand(1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %+v, want none", got)
	}
}

func TestGenerateExactMatchBeforeSubstitution(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "exact", "b1", model.APos, 72*time.Hour)
	addUnit(t, s, "universal", "b1", model.ONeg, 72*time.Hour)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10}}, Config{})
	got, err := g.Generate(demand(2))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got[0].Unit.ID != "exact" {
		t.Errorf("first candidate = %s, want exact match", got[0].Unit.ID)
	}
}

func TestGenerateSafetyStockPenalty(t *testing.T) {
	s := seedStore(t)
	// b1 has plenty, b2 holds its last unit.
	for i, id := range []string{"a", "b", "c"} {
		_ = i
		addUnit(t, s, "b1-"+id, "b1", model.APos, 72*time.Hour)
	}
	addUnit(t, s, "b2-last", "b2", model.APos, 72*time.Hour)

	cfg := Config{DefaultSafetyStock: 1}
	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10, "b2>h1": 5}}, cfg)
	got, err := g.Generate(demand(4))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// b2's last unit would strip it below safety stock: despite the
	// shorter trip it must sort behind b1's surplus units.
	if got[len(got)-1].Unit.ID != "b2-last" {
		t.Errorf("last candidate = %s, want b2-last", got[len(got)-1].Unit.ID)
	}
	if !got[len(got)-1].BreaksSafetyStock {
		t.Error("b2-last should be flagged as breaking safety stock")
	}
}

func TestGenerateCandidateWindowCap(t *testing.T) {
	s := seedStore(t)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		addUnit(t, s, id, "b1", model.APos, 72*time.Hour)
	}
	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10}}, Config{MaxCandidates: 2})
	got, err := g.Generate(demand(5))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want capped 2", len(got))
	}
}

func TestGenerateRegenerable(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "u1", "b1", model.APos, 72*time.Hour)
	addUnit(t, s, "u2", "b1", model.APos, 48*time.Hour)

	g := newGenerator(s, &fakeRouter{etas: map[string]float64{"b1>h1": 10}}, Config{})
	first, err := g.Generate(demand(2))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := g.Generate(demand(2))
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Unit.ID != second[i].Unit.ID || first[i].Score != second[i].Score {
			t.Fatalf("sequence not stable at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

type flakyRouter struct {
	failures int
	calls    int
}

func (f *flakyRouter) Route(src, dst string) (model.RouteSummary, error) {
	f.calls++
	if f.calls <= f.failures {
		return model.RouteSummary{}, errors.New("provider timeout")
	}
	return model.RouteSummary{
		SourceID:   src,
		DestID:     dst,
		Path:       []string{src, dst},
		ETAMinutes: 10,
	}, nil
}

func TestGenerateRetriesTransientRouteFailure(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "remote", "b1", model.APos, 72*time.Hour)

	r := &flakyRouter{failures: 2}
	g := newGenerator(s, r, Config{MaxRouteRetries: 3})
	got, err := g.Generate(demand(1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 1 || got[0].Unit.ID != "remote" {
		t.Fatalf("candidates = %+v, want [remote] after retries", got)
	}
	if r.calls != 3 {
		t.Errorf("route calls = %d, want 3", r.calls)
	}
}

func TestGenerateRouteRetriesAreBounded(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "remote", "b1", model.APos, 72*time.Hour)

	r := &flakyRouter{failures: 10}
	g := newGenerator(s, r, Config{MaxRouteRetries: 2})
	got, err := g.Generate(demand(1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %+v, want none once retries are exhausted", got)
	}
	if r.calls != 2 {
		t.Errorf("route calls = %d, want 2", r.calls)
	}
}

func TestGenerateRouteFailureSkipsCandidate(t *testing.T) {
	s := seedStore(t)
	addUnit(t, s, "remote", "b1", model.APos, 72*time.Hour)

	g := newGenerator(s, &fakeRouter{err: errors.New("provider down")}, Config{})
	got, err := g.Generate(demand(1))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates = %+v, want none when routing fails", got)
	}
}
