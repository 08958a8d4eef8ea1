// Package candidates produces the ranked compatible supply for a demand.
// Generation is a pure function of the entity store snapshot: it can be
// re-run on retry with no hidden iteration state.
package candidates

import (
	"sort"
	"time"

	"github.com/kmarchand/hemonet/core/compat"
	"github.com/kmarchand/hemonet/core/geo"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// Router is the slice of the routing engine the generator needs.
type Router interface {
	Route(src, dst string) (model.RouteSummary, error)
}

// Candidate is one rankable supply option for a demand.
type Candidate struct {
	Unit     model.BloodUnit
	Version  uint64
	SourceID string
	Route    model.RouteSummary

	// CompatRank is 0 for an exact type match; higher values are more
	// general substitutions (O- last).
	CompatRank int

	// ShelfLifeHours is the remaining shelf life at generation time.
	ShelfLifeHours float64

	// BreaksSafetyStock marks candidates whose removal would drop the
	// source below its configured threshold. The scheduler skips these
	// unless the demand is critical.
	BreaksSafetyStock bool

	Score float64
}

// Config holds the tunable candidate-search policy.
type Config struct {
	// SafetyBuffer is added to the transport ETA when checking that a
	// unit survives the trip.
	SafetyBuffer time.Duration `json:"safety_buffer_minutes"`

	// RadiusKm caps the geographic search radius. Zero disables the cap.
	RadiusKm float64 `json:"radius_km"`

	// MaxCandidates caps the ranked window handed to the scheduler.
	// Zero means unlimited.
	MaxCandidates int `json:"max_candidates"`

	// SafetyStock is the per-location minimum inventory threshold.
	SafetyStock map[string]int `json:"safety_stock"`

	// DefaultSafetyStock applies to locations absent from SafetyStock.
	DefaultSafetyStock int `json:"default_safety_stock"`

	// MaxRouteRetries bounds route lookups per unit before the
	// candidate is skipped. Zero means a single attempt.
	MaxRouteRetries int `json:"max_route_retries"`

	// RouteBackoffMS is the base backoff between route retries,
	// doubled per attempt.
	RouteBackoffMS int `json:"route_backoff_ms"`
}

// Threshold returns the safety-stock threshold for a location.
func (c Config) Threshold(locationID string) int {
	if n, ok := c.SafetyStock[locationID]; ok {
		return n
	}
	return c.DefaultSafetyStock
}

// Generator builds ranked candidate sequences from live inventory.
type Generator struct {
	store  *store.Store
	router Router
	scorer Scorer
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// NewGenerator creates a generator. A nil scorer falls back to the
// default heuristic; a nil logger is replaced with a no-op.
func NewGenerator(st *store.Store, router Router, scorer Scorer, cfg Config, log logger.Logger) *Generator {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Generator{store: st, router: router, scorer: scorer, cfg: cfg, log: log, now: time.Now}
}

// SetClock overrides the generator clock, for tests.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Generate returns the ranked candidate sequence for the demand: all
// Available, type-compatible units whose remaining shelf life covers the
// projected transport time plus the safety buffer, ordered best first.
func (g *Generator) Generate(d model.Demand) ([]Candidate, error) {
	origin, err := g.store.Location(d.OriginID)
	if err != nil {
		return nil, err
	}
	now := g.now()

	// Count how much of the per-source stock this pass would strip, so
	// the safety-stock penalty reflects each marginal unit taken.
	taken := make(map[string]int)

	var out []Candidate
	for _, vu := range g.store.AvailableUnits() {
		unit := vu.Unit
		rank, ok := compat.Rank(d.RequiredType, unit.Type)
		if !ok {
			continue
		}
		if unit.Expired(now) {
			continue
		}

		var route model.RouteSummary
		if unit.LocationID == d.OriginID {
			route = model.RouteSummary{SourceID: d.OriginID, DestID: d.OriginID, Path: []string{d.OriginID}}
		} else {
			src, err := g.store.Location(unit.LocationID)
			if err != nil {
				continue
			}
			if g.cfg.RadiusKm > 0 && geo.HaversineKm(src.Lat, src.Lon, origin.Lat, origin.Lon) > g.cfg.RadiusKm {
				continue
			}
			route, err = g.routeWithRetry(unit.LocationID, d.OriginID)
			if err != nil {
				g.log.Warnf("no route %s -> %s: %v", unit.LocationID, d.OriginID, err)
				continue
			}
		}

		shelf := unit.RemainingShelfLife(now)
		if shelf <= route.ETA()+g.cfg.SafetyBuffer {
			continue
		}
		if !d.Deadline.IsZero() && now.Add(route.ETA()).After(d.Deadline) {
			continue
		}

		remaining := g.store.CountAvailable(unit.LocationID, nil) - taken[unit.LocationID] - 1
		breaks := unit.LocationID != d.OriginID && remaining < g.cfg.Threshold(unit.LocationID)
		taken[unit.LocationID]++

		c := Candidate{
			Unit:              unit,
			Version:           vu.Version,
			SourceID:          unit.LocationID,
			Route:             route,
			CompatRank:        rank,
			ShelfLifeHours:    shelf.Hours(),
			BreaksSafetyStock: breaks,
		}
		c.Score = g.scorer.Score(c)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		if out[i].CompatRank != out[j].CompatRank {
			return out[i].CompatRank < out[j].CompatRank
		}
		return out[i].Unit.ID < out[j].Unit.ID
	})
	if g.cfg.MaxCandidates > 0 && len(out) > g.cfg.MaxCandidates {
		out = out[:g.cfg.MaxCandidates]
	}
	return out, nil
}

// routeWithRetry retries transient route failures a bounded number of
// times before giving the unit up as unreachable.
func (g *Generator) routeWithRetry(src, dst string) (model.RouteSummary, error) {
	attempts := g.cfg.MaxRouteRetries
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(g.cfg.RouteBackoffMS) * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		route, err := g.router.Route(src, dst)
		if err == nil {
			return route, nil
		}
		lastErr = err
		if i < attempts-1 && backoff > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return model.RouteSummary{}, lastErr
}
