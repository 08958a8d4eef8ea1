package alloc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmarchand/hemonet/core/candidates"
	"github.com/kmarchand/hemonet/core/ledger"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
	infraledger "github.com/kmarchand/hemonet/infra/ledger"
)

type fixedRouter struct{ etaMinutes float64 }

func (r fixedRouter) Route(src, dst string) (model.RouteSummary, error) {
	return model.RouteSummary{
		SourceID:   src,
		DestID:     dst,
		Path:       []string{src, dst},
		DistanceKm: r.etaMinutes / 3,
		ETAMinutes: r.etaMinutes,
	}, nil
}

type mockCourier struct {
	mu     sync.Mutex
	orders []model.DispatchOrder
	// acks maps command sequence (1-based) to the ack outcome; missing
	// entries default to true.
	acks    map[int]bool
	sendErr error
	seq     int
}

func (m *mockCourier) SendDispatchOrder(o model.DispatchOrder) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.seq++
	m.orders = append(m.orders, o)
	return o.OrderID, nil
}

func (m *mockCourier) WaitForAck(string, time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ack, ok := m.acks[m.seq]; ok {
		return ack, nil
	}
	return true, nil
}

func (m *mockCourier) sent() []model.DispatchOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.DispatchOrder, len(m.orders))
	copy(cp, m.orders)
	return cp
}

type failingLedger struct {
	*infraledger.MemoryStore
	failOps map[ledger.Op]bool
}

func (f *failingLedger) Append(ctx context.Context, e ledger.Entry) error {
	if f.failOps[e.Op] {
		return errors.New("disk full")
	}
	return f.MemoryStore.Append(ctx, e)
}

type recordingNotifier struct {
	mu      sync.Mutex
	demands []model.Demand
	missing []int
}

func (n *recordingNotifier) Notify(_ context.Context, d model.Demand, missing int) {
	n.mu.Lock()
	n.demands = append(n.demands, d)
	n.missing = append(n.missing, missing)
	n.mu.Unlock()
}

type fixture struct {
	store   *store.Store
	gen     *candidates.Generator
	courier *mockCourier
	journal ledger.Store
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	st := store.New(nil, store.WithClock(func() time.Time { return now }))
	st.PutLocation(model.Location{ID: "hosp-1", Kind: model.Hospital, Lat: 48.85, Lon: 2.35})
	st.PutLocation(model.Location{ID: "bank-1", Kind: model.BloodBank, Lat: 48.90, Lon: 2.30})
	st.PutLocation(model.Location{ID: "bank-2", Kind: model.BloodBank, Lat: 48.80, Lon: 2.40})

	gen := candidates.NewGenerator(st, fixedRouter{etaMinutes: 30}, nil, candidates.Config{
		SafetyBuffer: 15 * time.Minute,
	}, nil)
	gen.SetClock(func() time.Time { return now })

	return &fixture{
		store:   st,
		gen:     gen,
		courier: &mockCourier{},
		journal: infraledger.NewMemoryStore(),
		now:     now,
	}
}

func (f *fixture) addUnit(t *testing.T, id, loc string, bt model.BloodType) {
	t.Helper()
	require.NoError(t, f.store.PutUnit(model.BloodUnit{
		ID:          id,
		Type:        bt,
		VolumeML:    450,
		CollectedAt: f.now.Add(-24 * time.Hour),
		ExpiresAt:   f.now.Add(20 * 24 * time.Hour),
		Status:      model.UnitAvailable,
		LocationID:  loc,
	}))
}

func (f *fixture) allocator(opts ...Option) *Allocator {
	base := []Option{WithClock(func() time.Time { return f.now })}
	return New(f.store, f.gen, f.courier, f.journal, Config{}, append(base, opts...)...)
}

func demand(id string, qty int, sev model.Severity) model.Demand {
	return model.Demand{
		ID:           id,
		Kind:         model.DemandEmergency,
		RequiredType: model.APos,
		Quantity:     qty,
		OriginID:     "hosp-1",
		Severity:     sev,
	}
}

func TestAllocateReservesAndDispatches(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	f.addUnit(t, "u2", "bank-1", model.APos)
	a := f.allocator()

	res, err := a.Allocate(context.Background(), demand("em-1", 2, model.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reserved)
	assert.Zero(t, res.Missing)
	assert.Len(t, f.courier.sent(), 2)

	for _, id := range []string{"u1", "u2"} {
		u, _, err := f.store.Unit(id)
		require.NoError(t, err)
		assert.Equal(t, model.UnitInTransit, u.Status, "unit %s", id)
	}
}

func TestConcurrentDemandsSingleUnit(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		a := f.allocator()
		d := demand("em-"+string(rune('a'+i)), 1, model.SeverityHigh)
		wg.Add(1)
		go func(i int, a *Allocator, d model.Demand) {
			defer wg.Done()
			results[i], errs[i] = a.Allocate(context.Background(), d)
		}(i, a, d)
	}
	wg.Wait()

	wins := 0
	for i := range results {
		if results[i].Reserved == 1 {
			wins++
			assert.NoError(t, errs[i])
		} else {
			assert.ErrorIs(t, errs[i], ErrInsufficientInventory)
		}
	}
	assert.Equal(t, 1, wins, "exactly one demand must win the unit")

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitInTransit, u.Status)
}

func TestLedgerFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	f.journal = &failingLedger{
		MemoryStore: infraledger.NewMemoryStore(),
		failOps:     map[ledger.Op]bool{ledger.OpReserve: true},
	}
	a := f.allocator()

	_, err := a.Allocate(context.Background(), demand("em-1", 1, model.SeverityHigh))
	assert.ErrorIs(t, err, ErrInsufficientInventory)
	assert.Empty(t, f.courier.sent(), "no order may leave without a journaled reservation")

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, u.Status, "unit must be rolled back")
}

func TestConfirmJournalFailureReleases(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	fl := &failingLedger{
		MemoryStore: infraledger.NewMemoryStore(),
		failOps:     map[ledger.Op]bool{ledger.OpConfirm: true},
	}
	f.journal = fl
	a := f.allocator()

	_, err := a.Allocate(context.Background(), demand("em-1", 1, model.SeverityHigh))
	assert.ErrorIs(t, err, ErrInsufficientInventory)

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, u.Status)

	// The journal must show the reserve followed by its release.
	ops := []ledger.Op{}
	for _, e := range fl.Entries() {
		ops = append(ops, e.Op)
	}
	assert.Equal(t, []ledger.Op{ledger.OpReserve, ledger.OpRelease}, ops)
}

func TestNackMovesToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	f.addUnit(t, "u2", "bank-2", model.APos)
	f.courier.acks = map[int]bool{1: false}
	a := f.allocator()

	res, err := a.Allocate(context.Background(), demand("em-1", 1, model.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reserved)
	require.Len(t, f.courier.sent(), 2)

	first, _, _ := f.store.Unit(f.courier.sent()[0].UnitID)
	second, _, _ := f.store.Unit(f.courier.sent()[1].UnitID)
	assert.Equal(t, model.UnitAvailable, first.Status, "nacked unit returns to inventory")
	assert.Equal(t, model.UnitInTransit, second.Status)
}

func TestPartialAllocationNotifiesShortage(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	n := &recordingNotifier{}
	a := f.allocator(WithShortageNotifier(n))

	e := model.Emergency{
		ID:           "em-1",
		HospitalID:   "hosp-1",
		RequiredType: model.APos,
		UnitsNeeded:  3,
		Severity:     model.SeverityHigh,
		Status:       model.EmergencyOpen,
		Outstanding:  3,
	}
	require.NoError(t, f.store.PutEmergency(e))

	res, err := a.Allocate(context.Background(), demand("em-1", 3, model.SeverityHigh))
	require.NoError(t, err, "a partial allocation is not an error")
	assert.Equal(t, 1, res.Reserved)
	assert.Equal(t, 2, res.Missing)

	require.Len(t, n.missing, 1)
	assert.Equal(t, 2, n.missing[0])

	got, err := f.store.Emergency("em-1")
	require.NoError(t, err)
	assert.Equal(t, model.EmergencyPartiallyAllocated, got.Status)
	assert.Equal(t, 2, got.Outstanding)
}

func TestFulfilledEmergencyStatus(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	a := f.allocator()

	e := model.Emergency{
		ID: "em-1", HospitalID: "hosp-1", RequiredType: model.APos,
		UnitsNeeded: 1, Severity: model.SeverityHigh, Outstanding: 1,
	}
	require.NoError(t, f.store.PutEmergency(e))

	_, err := a.Allocate(context.Background(), demand("em-1", 1, model.SeverityHigh))
	require.NoError(t, err)

	got, err := f.store.Emergency("em-1")
	require.NoError(t, err)
	assert.Equal(t, model.EmergencyFulfilled, got.Status)
	assert.Zero(t, got.Outstanding)
}

func TestSafetyStockOverrideRequiresCritical(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	f.gen = candidates.NewGenerator(f.store, fixedRouter{etaMinutes: 30}, nil, candidates.Config{
		SafetyBuffer:       15 * time.Minute,
		DefaultSafetyStock: 1,
	}, nil)
	f.gen.SetClock(func() time.Time { return f.now })

	a := f.allocator()
	_, err := a.Allocate(context.Background(), demand("em-1", 1, model.SeverityHigh))
	assert.ErrorIs(t, err, ErrInsufficientInventory, "high severity must not break safety stock")

	res, err := a.Allocate(context.Background(), demand("em-2", 1, model.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reserved, "critical severity overrides safety stock")
}

func TestReconcileAndCancelReleasesPending(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)

	// Reserve the unit out of band and journal it as still pending, as a
	// crash between reserve and confirm would leave it.
	_, ver, err := f.store.Unit("u1")
	require.NoError(t, err)
	_, _, err = f.store.TransitionUnit("u1", ver, model.UnitReserved)
	require.NoError(t, err)

	r := model.Reservation{
		ID: "res-1", DemandID: "em-1", UnitID: "u1",
		ReservedAt: f.now, ExpiresAt: f.now.Add(time.Hour),
		State: model.ReservationPending,
	}
	require.NoError(t, f.journal.Append(context.Background(), ledger.Entry{Op: ledger.OpReserve, Reservation: r, Time: f.now}))

	a := f.allocator()
	require.NoError(t, a.ReconcilePending(context.Background()))
	assert.Equal(t, 1, a.PendingCount())

	require.NoError(t, a.Cancel(context.Background(), "em-1"))
	assert.Zero(t, a.PendingCount())

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, u.Status)
}

func TestLateConfirmAfterSweepKeepsNewHold(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)
	a := f.allocator()
	ctx := context.Background()

	cand := func() candidates.Candidate {
		u, ver, err := f.store.Unit("u1")
		require.NoError(t, err)
		route, err := fixedRouter{etaMinutes: 30}.Route("bank-1", "hosp-1")
		require.NoError(t, err)
		return candidates.Candidate{Unit: u, Version: ver, SourceID: "bank-1", Route: route}
	}

	// Demand A holds the unit, its courier ack still in flight.
	trA, err := a.reserve(ctx, demand("em-a", 1, model.SeverityHigh), cand())
	require.NoError(t, err)

	// The TTL sweep releases A's hold before the ack arrives.
	a.release(ctx, trA, "ttl expired")

	// Demand B takes over the freed unit.
	trB, err := a.reserve(ctx, demand("em-b", 1, model.SeverityHigh), cand())
	require.NoError(t, err)

	// A's late ack now runs its confirmation. It must fail, and its
	// compensation must not touch B's live hold.
	assert.False(t, a.confirm(ctx, trA))

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitReserved, u.Status, "unit must stay reserved for the new holder")

	// B's hold is intact: its own release still goes through.
	a.release(ctx, trB, "demand cancelled")
	u, _, err = f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, u.Status)
}

func TestCancelUnknownDemand(t *testing.T) {
	f := newFixture(t)
	a := f.allocator()
	assert.ErrorIs(t, a.Cancel(context.Background(), "nope"), ErrUnknownDemand)
}

func TestSweepReleasesExpiredTTL(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)

	_, ver, err := f.store.Unit("u1")
	require.NoError(t, err)
	_, _, err = f.store.TransitionUnit("u1", ver, model.UnitReserved)
	require.NoError(t, err)

	r := model.Reservation{
		ID: "res-1", DemandID: "em-1", UnitID: "u1",
		ReservedAt: f.now.Add(-time.Hour), ExpiresAt: f.now.Add(-time.Minute),
		State: model.ReservationPending,
	}
	require.NoError(t, f.journal.Append(context.Background(), ledger.Entry{Op: ledger.OpReserve, Reservation: r, Time: r.ReservedAt}))

	a := f.allocator()
	// Reconciliation already treats the expired reservation as released.
	require.NoError(t, a.ReconcilePending(context.Background()))
	assert.Zero(t, a.PendingCount())

	u, _, err := f.store.Unit("u1")
	require.NoError(t, err)
	assert.Equal(t, model.UnitAvailable, u.Status)
}

func TestSweeperLoopReleases(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "u1", "bank-1", model.APos)

	_, ver, err := f.store.Unit("u1")
	require.NoError(t, err)
	_, reservedVer, err := f.store.TransitionUnit("u1", ver, model.UnitReserved)
	require.NoError(t, err)

	a := f.allocator()
	a.track(&tracked{res: model.Reservation{
		ID: "res-1", DemandID: "em-1", UnitID: "u1",
		ReservedAt: f.now.Add(-time.Hour), ExpiresAt: f.now.Add(-time.Minute),
		State: model.ReservationPending,
	}, unitVersion: reservedVer})

	sw := NewSweeper(a, 5*time.Millisecond, nil)
	sw.Start(context.Background())
	defer sw.Stop()

	assert.Eventually(t, func() bool {
		u, _, err := f.store.Unit("u1")
		return err == nil && u.Status == model.UnitAvailable
	}, time.Second, 5*time.Millisecond)
}

func TestReservationTTL(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, 70*time.Minute, cfg.ReservationTTL(30*time.Minute))
	// Short trips still get the floor.
	cfg.TTLBufferMinutes = 1
	cfg.TTLFloorMinutes = 5
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL(30*time.Second))
}
