package alloc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	unitsReserved        *prometheus.CounterVec
	reservationConflicts prometheus.Counter
	partialAllocations   *prometheus.CounterVec
	allocationLatency    *prometheus.HistogramVec
	ttlReleases          prometheus.Counter
	ledgerFailures       prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec, *prometheus.HistogramVec, prometheus.Counter, prometheus.Counter) {
	reserved := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "units_reserved_total",
			Help: "Number of blood units reserved",
		},
		[]string{"demand_kind"},
	)
	conflicts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reservation_conflicts_total",
			Help: "Optimistic reservation attempts lost to a concurrent flow",
		},
	)
	partial := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partial_allocations_total",
			Help: "Demands that exhausted candidates with a deficit",
		},
		[]string{"demand_kind"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocation_duration_seconds",
			Help:    "Wall time to allocate one demand",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"demand_kind"},
	)
	releases := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ttl_releases_total",
			Help: "Pending reservations released by the TTL sweep",
		},
	)
	ledger := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_failures_total",
			Help: "Durable ledger writes that failed",
		},
	)
	return reserved, conflicts, partial, latency, releases, ledger
}

func init() {
	unitsReserved, reservationConflicts, partialAllocations, allocationLatency, ttlReleases, ledgerFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers allocation metrics on the provided
// registry. If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(unitsReserved, reservationConflicts, partialAllocations, allocationLatency, ttlReleases, ledgerFailures)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	unitsReserved, reservationConflicts, partialAllocations, allocationLatency, ttlReleases, ledgerFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
