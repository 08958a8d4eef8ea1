// Package routing computes transport paths and ETAs between locations
// over a weighted graph of travel times. Routes are computed on demand
// and cached with a short TTL; they are never the system of record.
package routing

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/kmarchand/hemonet/core/geo"
	"github.com/kmarchand/hemonet/core/model"
)

// ErrRouteUnavailable is returned when no feasible route exists and no
// coordinate fallback is possible. Callers retry a bounded number of
// times and then fall back to another candidate.
var ErrRouteUnavailable = errors.New("routing: no feasible route")

// DefaultMinutesPerKm approximates courier travel when two locations
// share no graph edges: 3 minutes per kilometre of great-circle distance.
const DefaultMinutesPerKm = 3.0

type cachedRoute struct {
	route    model.RouteSummary
	cachedAt time.Time
}

// Engine is the routing engine. It is safe for concurrent use.
type Engine struct {
	mu        sync.RWMutex
	g         *simple.WeightedUndirectedGraph
	nodeIDs   map[string]int64
	locIDs    map[int64]string
	locations map[string]model.Location
	nextNode  int64

	cache        map[string]cachedRoute
	cacheTTL     time.Duration
	minutesPerKm float64
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL sets how long computed routes stay valid (default 30s).
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// WithMinutesPerKm sets the off-graph ETA approximation factor.
func WithMinutesPerKm(m float64) Option {
	return func(e *Engine) { e.minutesPerKm = m }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		g:            simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		nodeIDs:      make(map[string]int64),
		locIDs:       make(map[int64]string),
		locations:    make(map[string]model.Location),
		cache:        make(map[string]cachedRoute),
		cacheTTL:     30 * time.Second,
		minutesPerKm: DefaultMinutesPerKm,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddLocation registers a location as a graph node. Re-adding updates
// the stored coordinates.
func (e *Engine) AddLocation(loc model.Location) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locations[loc.ID] = loc
	if _, ok := e.nodeIDs[loc.ID]; ok {
		return
	}
	id := e.nextNode
	e.nextNode++
	e.nodeIDs[loc.ID] = id
	e.locIDs[id] = loc.ID
	e.g.AddNode(simple.Node(id))
}

// SetEdge sets the travel time in minutes between two registered
// locations, replacing any previous weight. Existing cached routes are
// invalidated so recomputation picks up the new weight.
func (e *Engine) SetEdge(a, b string, minutes float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	na, ok := e.nodeIDs[a]
	if !ok {
		return fmt.Errorf("routing: unknown location %q", a)
	}
	nb, ok := e.nodeIDs[b]
	if !ok {
		return fmt.Errorf("routing: unknown location %q", b)
	}
	if na == nb {
		return fmt.Errorf("routing: self edge on %q", a)
	}
	e.g.SetWeightedEdge(e.g.NewWeightedEdge(simple.Node(na), simple.Node(nb), minutes))
	e.cache = make(map[string]cachedRoute)
	return nil
}

// InvalidateAll drops every cached route. Used when a transport provider
// reports failure mid-transit and weights are being refreshed.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]cachedRoute)
	e.mu.Unlock()
}

func cacheKey(src, dst string) string { return src + "\x00" + dst }

// Route returns the shortest feasible path and ETA from src to dst. When
// the two locations are not connected on the graph, the great-circle
// distance approximation is used instead.
func (e *Engine) Route(src, dst string) (model.RouteSummary, error) {
	now := e.now()

	e.mu.RLock()
	if c, ok := e.cache[cacheKey(src, dst)]; ok && now.Sub(c.cachedAt) < e.cacheTTL {
		e.mu.RUnlock()
		return c.route, nil
	}
	e.mu.RUnlock()

	route, err := e.compute(src, dst)
	if err != nil {
		return model.RouteSummary{}, err
	}

	e.mu.Lock()
	e.cache[cacheKey(src, dst)] = cachedRoute{route: route, cachedAt: now}
	e.mu.Unlock()
	return route, nil
}

func (e *Engine) compute(src, dst string) (model.RouteSummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if src == dst {
		return model.RouteSummary{SourceID: src, DestID: dst, Path: []string{src}}, nil
	}

	na, haveSrc := e.nodeIDs[src]
	nb, haveDst := e.nodeIDs[dst]
	if haveSrc && haveDst {
		shortest := path.DijkstraFrom(e.g.Node(na), e.g)
		nodes, weight := shortest.To(nb)
		if len(nodes) > 0 && !math.IsInf(weight, 1) {
			hops := make([]string, 0, len(nodes))
			for _, n := range nodes {
				hops = append(hops, e.locIDs[n.ID()])
			}
			return model.RouteSummary{
				SourceID:   src,
				DestID:     dst,
				Path:       hops,
				DistanceKm: e.pathDistanceKm(hops),
				ETAMinutes: weight,
			}, nil
		}
	}

	// Off-graph fallback: straight-line approximation from coordinates.
	a, okA := e.locations[src]
	b, okB := e.locations[dst]
	if !okA || !okB {
		return model.RouteSummary{}, fmt.Errorf("%w: %s -> %s", ErrRouteUnavailable, src, dst)
	}
	dist := geo.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	return model.RouteSummary{
		SourceID:   src,
		DestID:     dst,
		Path:       []string{src, dst},
		DistanceKm: dist,
		ETAMinutes: dist * e.minutesPerKm,
	}, nil
}

// pathDistanceKm sums the great-circle legs along the path for the
// dispatch instruction. Callers hold at least a read lock.
func (e *Engine) pathDistanceKm(hops []string) float64 {
	total := 0.0
	for i := 1; i < len(hops); i++ {
		a, okA := e.locations[hops[i-1]]
		b, okB := e.locations[hops[i]]
		if !okA || !okB {
			continue
		}
		total += geo.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	}
	return total
}
