// Package metrics provides the concrete sinks behind the core metrics
// interfaces: Prometheus counters, InfluxDB line protocol, and a fan-out
// combining several sinks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
)

// PromSink records allocation activity in Prometheus metrics.
type PromSink struct {
	allocations *prometheus.CounterVec
	sweeps      prometheus.Counter
	outreach    prometheus.Counter
}

// NewPromSink registers allocation metrics on the default Prometheus
// registerer.
func NewPromSink() (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_events_total",
		Help: "Total number of unit allocation events",
	}, []string{"demand_kind", "source_id", "confirmed"})
	sweeps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_released_units_total",
		Help: "Units released back to inventory by TTL sweeps",
	})
	outreach := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "donor_outreach_total",
		Help: "Donor solicitations sent",
	})

	if err := reg.Register(allocations); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			allocations = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(sweeps); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			sweeps = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(outreach); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			outreach = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}

	return &PromSink{allocations: allocations, sweeps: sweeps, outreach: outreach}, nil
}

// RecordAllocation increments the counter for each allocation record.
func (s *PromSink) RecordAllocation(recs []coremetrics.AllocationRecord) error {
	for _, r := range recs {
		s.allocations.WithLabelValues(r.DemandKind.String(), r.SourceID, strconv.FormatBool(r.Confirmed)).Inc()
	}
	return nil
}

// RecordSweep adds the released count to the sweep counter.
func (s *PromSink) RecordSweep(rec coremetrics.SweepRecord) error {
	s.sweeps.Add(float64(rec.Released))
	return nil
}

// RecordOutreach counts donor solicitations.
func (s *PromSink) RecordOutreach(reqs []model.OutreachRequest) error {
	s.outreach.Add(float64(len(reqs)))
	return nil
}
