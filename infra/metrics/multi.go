package metrics

import (
	coremetrics "github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
)

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAllocation forwards the records to all sinks, returning the
// first error encountered.
func (m *MultiSink) RecordAllocation(recs []coremetrics.AllocationRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordAllocation(recs); err != nil {
			return err
		}
	}
	return nil
}

// RecordSweep forwards sweep records to sinks that support them.
func (m *MultiSink) RecordSweep(rec coremetrics.SweepRecord) error {
	for _, s := range m.Sinks {
		if sr, ok := s.(coremetrics.SweepRecorder); ok {
			if err := sr.RecordSweep(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordOutreach forwards outreach records to sinks that support them.
func (m *MultiSink) RecordOutreach(reqs []model.OutreachRequest) error {
	for _, s := range m.Sinks {
		if or, ok := s.(coremetrics.OutreachRecorder); ok {
			if err := or.RecordOutreach(reqs); err != nil {
				return err
			}
		}
	}
	return nil
}
