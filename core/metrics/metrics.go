// Package metrics defines the pluggable sinks used to record allocation
// activity for observability purposes.
package metrics

import (
	"time"

	"github.com/kmarchand/hemonet/core/model"
)

// AllocationRecord captures one unit-level allocation decision.
type AllocationRecord struct {
	DemandID   string
	DemandKind model.DemandKind
	UnitID     string
	SourceID   string
	DestID     string
	ETAMinutes float64
	Score      float64
	Confirmed  bool
	Time       time.Time
}

// Sink records allocation results.
type Sink interface {
	RecordAllocation(recs []AllocationRecord) error
}

// SweepRecord summarises one TTL sweep pass.
type SweepRecord struct {
	Released int
	Time     time.Time
}

// SweepRecorder is implemented by sinks interested in TTL sweeps.
type SweepRecorder interface {
	RecordSweep(rec SweepRecord) error
}

// OutreachRecorder is implemented by sinks recording donor outreach.
type OutreachRecorder interface {
	RecordOutreach(reqs []model.OutreachRequest) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordAllocation([]AllocationRecord) error    { return nil }
func (NopSink) RecordSweep(SweepRecord) error                { return nil }
func (NopSink) RecordOutreach([]model.OutreachRequest) error { return nil }
