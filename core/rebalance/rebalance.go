// Package rebalance implements the expiry rebalancer: a periodic scan
// that pushes units nearing expiry toward locations that can still use
// them, through the same reservation path as emergencies.
package rebalance

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmarchand/hemonet/core/alloc"
	"github.com/kmarchand/hemonet/core/geo"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// Allocator is the slice of the scheduler the rebalancer drives.
type Allocator interface {
	Allocate(ctx context.Context, d model.Demand) (alloc.Result, error)
}

// Config holds the tunable rebalancing policy.
type Config struct {
	// HorizonHours is the expiry window: units with less remaining
	// shelf life than this are transfer candidates.
	HorizonHours int `json:"horizon_hours"`

	// IntervalSeconds is the scan period.
	IntervalSeconds int `json:"interval_seconds"`

	// MaxTransfersPerCycle caps how many transfer demands one scan may
	// emit. Zero means unlimited.
	MaxTransfersPerCycle int `json:"max_transfers_per_cycle"`

	// SafetyStock is the per-location stock target used to compute
	// deficits at destinations.
	SafetyStock map[string]int `json:"safety_stock"`

	// DefaultSafetyStock applies to locations absent from SafetyStock.
	DefaultSafetyStock int `json:"default_safety_stock"`

	// ShortageMemoryMinutes keeps a location marked as a deficit
	// destination after a reported shortage.
	ShortageMemoryMinutes int `json:"shortage_memory_minutes"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.HorizonHours <= 0 {
		c.HorizonHours = 72
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 3600
	}
	if c.ShortageMemoryMinutes <= 0 {
		c.ShortageMemoryMinutes = 120
	}
}

func (c Config) target(locationID string) int {
	if n, ok := c.SafetyStock[locationID]; ok {
		return n
	}
	return c.DefaultSafetyStock
}

type shortageMark struct {
	bloodType model.BloodType
	at        time.Time
}

// Rebalancer scans inventory for units inside the expiry horizon and
// turns them into transfer demands.
type Rebalancer struct {
	store *store.Store
	alloc Allocator
	cfg   Config
	log   logger.Logger
	now   func() time.Time

	mu        sync.Mutex
	shortages map[string][]shortageMark
	transfers []model.TransferOrder

	stop chan struct{}
	done chan struct{}
}

// New creates a rebalancer.
func New(st *store.Store, al Allocator, cfg Config, log logger.Logger) *Rebalancer {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Rebalancer{
		store:     st,
		alloc:     al,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		shortages: make(map[string][]shortageMark),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetClock overrides the rebalancer clock, for tests.
func (r *Rebalancer) SetClock(now func() time.Time) { r.now = now }

// NoteShortage records a reported deficit so the next scan treats the
// location as a preferred destination for that blood type.
func (r *Rebalancer) NoteShortage(locationID string, bt model.BloodType) {
	r.mu.Lock()
	r.shortages[locationID] = append(r.shortages[locationID], shortageMark{bloodType: bt, at: r.now()})
	r.mu.Unlock()
}

func (r *Rebalancer) recentShortage(locationID string, bt model.BloodType) bool {
	cutoff := r.now().Add(-time.Duration(r.cfg.ShortageMemoryMinutes) * time.Minute)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.shortages[locationID] {
		if m.bloodType == bt && m.at.After(cutoff) {
			return true
		}
	}
	return false
}

// atRisk groups units inside the expiry horizon by source location and
// blood type.
type atRisk struct {
	sourceID  string
	bloodType model.BloodType
	units     []model.BloodUnit
	earliest  time.Time
}

// RunOnce performs a single scan and returns the transfer orders it
// issued.
func (r *Rebalancer) RunOnce(ctx context.Context) []model.TransferOrder {
	now := r.now()
	horizon := time.Duration(r.cfg.HorizonHours) * time.Hour

	groups := make(map[string]*atRisk)
	var keys []string
	for _, vu := range r.store.AvailableUnits() {
		u := vu.Unit
		shelf := u.RemainingShelfLife(now)
		if shelf <= 0 || shelf > horizon {
			continue
		}
		k := u.LocationID + "/" + u.Type.String()
		g, ok := groups[k]
		if !ok {
			g = &atRisk{sourceID: u.LocationID, bloodType: u.Type, earliest: u.ExpiresAt}
			groups[k] = g
			keys = append(keys, k)
		}
		g.units = append(g.units, u)
		if u.ExpiresAt.Before(g.earliest) {
			g.earliest = u.ExpiresAt
		}
	}
	sort.Strings(keys)

	var issued []model.TransferOrder
	for _, k := range keys {
		if r.cfg.MaxTransfersPerCycle > 0 && len(issued) >= r.cfg.MaxTransfersPerCycle {
			break
		}
		if ctx.Err() != nil {
			break
		}
		g := groups[k]
		destID, deficit := r.pickDestination(g)
		if destID == "" {
			continue
		}
		qty := len(g.units)
		if deficit < qty {
			qty = deficit
		}

		d := model.Demand{
			ID:           uuid.NewString(),
			Kind:         model.DemandTransfer,
			RequiredType: g.bloodType,
			Quantity:     qty,
			OriginID:     destID,
			Deadline:     g.earliest,
			Severity:     model.SeverityLow,
			CreatedAt:    now,
		}
		res, err := r.alloc.Allocate(ctx, d)
		if err != nil {
			r.log.Warnf("transfer demand %s (%d×%s to %s): %v", d.ID, qty, g.bloodType, destID, err)
			continue
		}
		if len(res.Orders) == 0 {
			continue
		}
		order := model.TransferOrder{
			ID:        d.ID,
			SourceID:  g.sourceID,
			DestID:    destID,
			Reason:    model.ExpiryPrevention,
			Status:    model.TransferInTransit,
			CreatedAt: now,
		}
		for _, o := range res.Orders {
			order.UnitIDs = append(order.UnitIDs, o.UnitID)
		}
		issued = append(issued, order)
		r.log.Infof("expiry transfer %s: %d unit(s) of %s from %s to %s", order.ID, len(order.UnitIDs), g.bloodType, g.sourceID, destID)
	}

	r.mu.Lock()
	r.transfers = append(r.transfers, issued...)
	r.mu.Unlock()
	return issued
}

// pickDestination chooses the location with the best combination of
// deficit urgency and proximity, or "" when no destination has a
// deficit for the group's blood type.
func (r *Rebalancer) pickDestination(g *atRisk) (string, int) {
	src, err := r.store.Location(g.sourceID)
	if err != nil {
		return "", 0
	}
	daysLeft := g.earliest.Sub(r.now()).Hours() / 24
	if daysLeft < 0 {
		daysLeft = 0
	}
	urgency := 1 / (daysLeft + 1)

	bestID, bestDeficit, bestScore := "", 0, 0.0
	for _, loc := range r.store.Locations() {
		if loc.ID == g.sourceID {
			continue
		}
		have := r.store.CountAvailable(loc.ID, &g.bloodType)
		deficit := r.cfg.target(loc.ID) - have
		if deficit <= 0 && r.recentShortage(loc.ID, g.bloodType) {
			deficit = 1
		}
		if deficit <= 0 {
			continue
		}
		dist := geo.HaversineKm(src.Lat, src.Lon, loc.Lat, loc.Lon)
		score := urgency * math.Exp(-dist/10)
		if score > bestScore {
			bestID, bestDeficit, bestScore = loc.ID, deficit, score
		}
	}
	return bestID, bestDeficit
}

// Transfers returns a copy of every transfer order issued so far.
func (r *Rebalancer) Transfers() []model.TransferOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]model.TransferOrder, len(r.transfers))
	copy(cp, r.transfers)
	return cp
}

// Start launches the periodic scan loop.
func (r *Rebalancer) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(time.Duration(r.cfg.IntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (r *Rebalancer) Stop() {
	close(r.stop)
	<-r.done
}
