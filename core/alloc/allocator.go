// Package alloc implements the allocation scheduler: it walks the ranked
// candidate sequence for a demand, places optimistic reservations on
// units, journals every transition durably before acting on it, and
// drives the courier dispatch handshake.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmarchand/hemonet/core/candidates"
	"github.com/kmarchand/hemonet/core/events"
	"github.com/kmarchand/hemonet/core/gateway"
	"github.com/kmarchand/hemonet/core/ledger"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
	"github.com/kmarchand/hemonet/internal/eventbus"
)

// CandidateSource yields the ranked compatible supply for a demand. It
// must be regenerable: the scheduler calls it again after stale reads.
type CandidateSource interface {
	Generate(d model.Demand) ([]candidates.Candidate, error)
}

// ShortageNotifier is told about demands that ended with a deficit. The
// call must not block allocation.
type ShortageNotifier interface {
	Notify(ctx context.Context, d model.Demand, missing int)
}

// Result summarises one allocation pass over a demand.
type Result struct {
	DemandID string
	Orders   []model.DispatchOrder
	Reserved int
	Missing  int
}

// tracked is the scheduler's in-memory view of one reservation, carrying
// the unit version needed for the eventual release or confirm CAS.
type tracked struct {
	res         model.Reservation
	unitVersion uint64
}

// Allocator is the allocation scheduler.
type Allocator struct {
	store    *store.Store
	source   CandidateSource
	courier  gateway.Courier
	journal  ledger.Store
	sink     metrics.Sink
	bus      eventbus.EventBus
	shortage ShortageNotifier
	cfg      Config
	log      logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]*tracked // reservation ID -> state
	byDemand map[string][]string // demand ID -> reservation IDs
}

// New creates an allocator. A nil sink, bus or logger is replaced with a
// no-op; the journal and courier are mandatory.
func New(st *store.Store, src CandidateSource, courier gateway.Courier, journal ledger.Store, cfg Config, opts ...Option) *Allocator {
	cfg.SetDefaults()
	a := &Allocator{
		store:    st,
		source:   src,
		courier:  courier,
		journal:  journal,
		sink:     metrics.NopSink{},
		cfg:      cfg,
		log:      logger.NopLogger{},
		now:      time.Now,
		pending:  make(map[string]*tracked),
		byDemand: make(map[string][]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithSink attaches a metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(a *Allocator) {
		if s != nil {
			a.sink = s
		}
	}
}

// WithBus attaches the internal event bus.
func WithBus(b eventbus.EventBus) Option {
	return func(a *Allocator) { a.bus = b }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithShortageNotifier attaches the donor shortage responder.
func WithShortageNotifier(n ShortageNotifier) Option {
	return func(a *Allocator) { a.shortage = n }
}

// WithClock overrides the allocator clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func (a *Allocator) publish(ev any) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

// Allocate walks the ranked candidates for the demand until its quantity
// is covered or the supply is exhausted. Each secured unit goes through
// reserve -> journal -> dispatch -> ack -> confirm; any failure along
// that chain releases the unit and moves on to the next candidate.
//
// A demand that cannot be covered at all returns
// ErrInsufficientInventory. A partially covered demand returns the
// orders that did succeed together with the deficit in Result.Missing.
func (a *Allocator) Allocate(ctx context.Context, d model.Demand) (Result, error) {
	start := a.now()
	a.publish(events.DemandEvent{Demand: d})

	res := Result{DemandID: d.ID}
	needed := d.Quantity

	cands, err := a.source.Generate(d)
	if err != nil {
		return res, fmt.Errorf("generate candidates: %w", err)
	}

	var recs []metrics.AllocationRecord
	for i := 0; i < len(cands) && needed > 0; i++ {
		if err := ctx.Err(); err != nil {
			a.releaseDemand(ctx, d.ID, "cancelled")
			return res, err
		}
		c := cands[i]
		if c.BreaksSafetyStock && !d.Critical() {
			a.log.Debugf("skip unit %s: would break safety stock at %s", c.Unit.ID, c.SourceID)
			continue
		}

		tr, err := a.reserve(ctx, d, c)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrStaleData):
			// The snapshot drifted too far; regenerate once from fresh
			// state and restart the walk over what remains.
			a.log.Warnf("stale candidate snapshot for demand %s, regenerating", d.ID)
			fresh, gerr := a.source.Generate(d)
			if gerr != nil {
				return res, fmt.Errorf("regenerate candidates: %w", gerr)
			}
			cands, i = fresh, -1
			continue
		default:
			continue
		}

		order, ok := a.dispatch(ctx, d, c, tr)
		if !ok {
			continue
		}

		needed--
		res.Reserved++
		res.Orders = append(res.Orders, order)
		unitsReserved.WithLabelValues(d.Kind.String()).Inc()
		recs = append(recs, metrics.AllocationRecord{
			DemandID:   d.ID,
			DemandKind: d.Kind,
			UnitID:     c.Unit.ID,
			SourceID:   c.SourceID,
			DestID:     d.OriginID,
			ETAMinutes: c.Route.ETAMinutes,
			Score:      c.Score,
			Confirmed:  true,
			Time:       a.now(),
		})
	}

	res.Missing = needed
	allocationLatency.WithLabelValues(d.Kind.String()).Observe(a.now().Sub(start).Seconds())
	if len(recs) > 0 {
		if err := a.sink.RecordAllocation(recs); err != nil {
			a.log.Warnf("record allocation: %v", err)
		}
	}
	a.updateEmergency(d, res)

	if res.Missing > 0 {
		partialAllocations.WithLabelValues(d.Kind.String()).Inc()
		a.publish(events.ShortageEvent{Demand: d, Missing: res.Missing})
		if a.shortage != nil {
			a.shortage.Notify(ctx, d, res.Missing)
		}
		if res.Reserved == 0 {
			return res, ErrInsufficientInventory
		}
	}
	return res, nil
}

// reserve performs the optimistic hold: unit CAS first, then the durable
// journal entry. A journal failure rolls the unit back and fails closed.
func (a *Allocator) reserve(ctx context.Context, d model.Demand, c candidates.Candidate) (*tracked, error) {
	unit, ver, err := a.store.TransitionUnit(c.Unit.ID, c.Version, model.UnitReserved)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			reservationConflicts.Inc()
			a.log.Debugf("unit %s lost to concurrent reservation", c.Unit.ID)
		}
		return nil, err
	}

	now := a.now()
	ttl := a.cfg.ReservationTTL(c.Route.ETA())
	tr := &tracked{
		res: model.Reservation{
			ID:         uuid.NewString(),
			DemandID:   d.ID,
			UnitID:     unit.ID,
			ReservedAt: now,
			ExpiresAt:  now.Add(ttl),
			State:      model.ReservationPending,
		},
		// The CAS bumped the version; releases and confirms must use it.
		unitVersion: ver,
	}

	if err := a.journal.Append(ctx, ledger.Entry{Op: ledger.OpReserve, Reservation: tr.res, Time: now}); err != nil {
		ledgerFailures.Inc()
		a.log.Errorf("journal reserve for unit %s: %v", unit.ID, err)
		if _, _, rerr := a.store.TransitionUnit(unit.ID, tr.unitVersion, model.UnitAvailable); rerr != nil {
			a.log.Errorf("rollback of unit %s after journal failure: %v", unit.ID, rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	a.track(tr)
	a.publish(events.ReservationEvent{Reservation: tr.res, Op: string(ledger.OpReserve)})
	return tr, nil
}

// dispatch runs the courier handshake for one reserved unit. Returns the
// issued order and true only when the courier acknowledged and the
// confirmation was journaled.
func (a *Allocator) dispatch(ctx context.Context, d model.Demand, c candidates.Candidate, tr *tracked) (model.DispatchOrder, bool) {
	order := model.DispatchOrder{
		OrderID:    uuid.NewString(),
		DemandID:   d.ID,
		UnitID:     tr.res.UnitID,
		SourceID:   c.SourceID,
		DestID:     d.OriginID,
		Route:      c.Route,
		ETAMinutes: c.Route.ETAMinutes,
		IssuedAt:   a.now(),
	}

	cmdID, err := a.sendWithRetry(ctx, order)
	if err != nil {
		a.log.Warnf("dispatch order %s for unit %s failed: %v", order.OrderID, order.UnitID, err)
		a.release(ctx, tr, "dispatch failed")
		a.publish(events.DispatchEvent{Order: order, Err: err})
		return model.DispatchOrder{}, false
	}

	acked, err := a.courier.WaitForAck(cmdID, a.cfg.AckTimeout())
	if err != nil || !acked {
		if err == nil {
			err = gateway.ErrAckTimeout
		}
		a.log.Warnf("order %s for unit %s not acknowledged: %v", order.OrderID, order.UnitID, err)
		a.release(ctx, tr, "no acknowledgment")
		a.publish(events.DispatchEvent{Order: order, Err: err})
		return model.DispatchOrder{}, false
	}

	if !a.confirm(ctx, tr) {
		a.publish(events.DispatchEvent{Order: order, Err: ErrPersistenceFailure})
		return model.DispatchOrder{}, false
	}
	a.publish(events.DispatchEvent{Order: order, Acknowledged: true})
	return order, true
}

func (a *Allocator) sendWithRetry(ctx context.Context, order model.DispatchOrder) (string, error) {
	backoff := time.Duration(a.cfg.BackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		cmdID, err := a.courier.SendDispatchOrder(order)
		if err == nil {
			return cmdID, nil
		}
		lastErr = err
		a.log.Debugf("publish order %s attempt %d: %v", order.OrderID, attempt+1, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

// confirm journals the acknowledgment and moves the unit to in_transit.
// The journal write comes first; if it fails the hold is released.
func (a *Allocator) confirm(ctx context.Context, tr *tracked) bool {
	now := a.now()
	confirmed := tr.res
	confirmed.State = model.ReservationConfirmed
	if err := a.journal.Append(ctx, ledger.Entry{Op: ledger.OpConfirm, Reservation: confirmed, Time: now}); err != nil {
		ledgerFailures.Inc()
		a.log.Errorf("journal confirm for unit %s: %v", tr.res.UnitID, err)
		a.release(ctx, tr, "confirm journal failed")
		return false
	}

	if _, _, err := a.store.TransitionUnit(tr.res.UnitID, tr.unitVersion, model.UnitInTransit); err != nil {
		a.log.Errorf("unit %s to in_transit: %v", tr.res.UnitID, err)
		a.release(ctx, tr, "transition failed")
		return false
	}

	a.mu.Lock()
	if cur, ok := a.pending[tr.res.ID]; ok {
		cur.res.State = model.ReservationConfirmed
	}
	tr.res.State = model.ReservationConfirmed
	a.mu.Unlock()
	a.publish(events.ReservationEvent{Reservation: confirmed, Op: string(ledger.OpConfirm)})
	return true
}

// release compensates an unconfirmed hold: journal the release, return
// the unit to Available and drop the tracking entry. The store transition
// is conditional on the version this reservation holds the unit at; a
// mismatch means the hold was already superseded (swept and re-reserved
// by another demand, or released twice) and the unit must be left alone.
func (a *Allocator) release(ctx context.Context, tr *tracked, reason string) {
	now := a.now()
	released := tr.res
	released.State = model.ReservationReleased
	if err := a.journal.Append(ctx, ledger.Entry{Op: ledger.OpRelease, Reservation: released, Time: now}); err != nil {
		ledgerFailures.Inc()
		a.log.Errorf("journal release for unit %s: %v", tr.res.UnitID, err)
	}

	switch _, _, err := a.store.TransitionUnit(tr.res.UnitID, tr.unitVersion, model.UnitAvailable); {
	case err == nil:
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrStaleData):
		a.log.Debugf("release of unit %s skipped: hold superseded", tr.res.UnitID)
	default:
		a.log.Errorf("release unit %s: %v", tr.res.UnitID, err)
	}
	a.untrack(tr.res.ID)
	a.log.Infof("released reservation %s (unit %s): %s", tr.res.ID, tr.res.UnitID, reason)
	a.publish(events.ReservationEvent{Reservation: released, Op: string(ledger.OpRelease)})
}

// Cancel releases every still-pending reservation of the demand. Units
// already confirmed stay in transit; the courier cannot be recalled.
func (a *Allocator) Cancel(ctx context.Context, demandID string) error {
	if n := a.releaseDemand(ctx, demandID, "demand cancelled"); n < 0 {
		return ErrUnknownDemand
	}
	return nil
}

// releaseDemand releases the demand's pending reservations and returns
// how many were released, or -1 for an unknown demand.
func (a *Allocator) releaseDemand(ctx context.Context, demandID, reason string) int {
	a.mu.Lock()
	ids, ok := a.byDemand[demandID]
	var toRelease []*tracked
	for _, id := range ids {
		if tr, found := a.pending[id]; found && tr.res.State == model.ReservationPending {
			toRelease = append(toRelease, tr)
		}
	}
	a.mu.Unlock()
	if !ok {
		return -1
	}
	for _, tr := range toRelease {
		a.release(ctx, tr, reason)
	}
	return len(toRelease)
}

func (a *Allocator) track(tr *tracked) {
	a.mu.Lock()
	a.pending[tr.res.ID] = tr
	a.byDemand[tr.res.DemandID] = append(a.byDemand[tr.res.DemandID], tr.res.ID)
	a.mu.Unlock()
}

func (a *Allocator) untrack(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// updateEmergency reflects the allocation outcome on the emergency
// record, when the demand is one.
func (a *Allocator) updateEmergency(d model.Demand, res Result) {
	if d.Kind != model.DemandEmergency {
		return
	}
	status := model.EmergencyFulfilled
	if res.Missing > 0 {
		status = model.EmergencyPartiallyAllocated
	}
	if err := a.store.SetEmergencyStatus(d.ID, status, res.Missing); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Warnf("update emergency %s: %v", d.ID, err)
	}
}

// SweepExpired releases every tracked reservation whose TTL elapsed
// without a confirmation. Returns the number of releases.
func (a *Allocator) SweepExpired(ctx context.Context) int {
	now := a.now()
	a.mu.Lock()
	var expired []*tracked
	for _, tr := range a.pending {
		if tr.res.State == model.ReservationPending && tr.res.ExpiredTTL(now) {
			expired = append(expired, tr)
		}
	}
	a.mu.Unlock()

	for _, tr := range expired {
		a.release(ctx, tr, "ttl expired")
		ttlReleases.Inc()
	}
	if len(expired) > 0 {
		if rec, ok := a.sink.(metrics.SweepRecorder); ok {
			if err := rec.RecordSweep(metrics.SweepRecord{Released: len(expired), Time: now}); err != nil {
				a.log.Warnf("record sweep: %v", err)
			}
		}
	}
	return len(expired)
}

// ReconcilePending replays the journal at startup: reservations whose
// latest state is Pending either re-enter TTL tracking or, when already
// expired, are released immediately. Must run before new demands are
// accepted.
func (a *Allocator) ReconcilePending(ctx context.Context) error {
	pend, err := a.journal.PendingReservations(ctx)
	if err != nil {
		return fmt.Errorf("load pending reservations: %w", err)
	}
	now := a.now()
	for _, r := range pend {
		_, ver, err := a.store.Unit(r.UnitID)
		if err != nil {
			a.log.Warnf("reconcile: unit %s of reservation %s not found", r.UnitID, r.ID)
			continue
		}
		tr := &tracked{res: r, unitVersion: ver}
		if r.ExpiredTTL(now) {
			a.release(ctx, tr, "ttl expired during downtime")
			ttlReleases.Inc()
			continue
		}
		a.track(tr)
		a.log.Infof("reconciled pending reservation %s (unit %s)", r.ID, r.UnitID)
	}
	return nil
}

// PendingCount reports how many pending reservations are tracked.
func (a *Allocator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, tr := range a.pending {
		if tr.res.State == model.ReservationPending {
			n++
		}
	}
	return n
}
