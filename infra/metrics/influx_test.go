package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
)

func TestInfluxSink_RecordAllocation(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	rec := coremetrics.AllocationRecord{
		DemandID:   "em-1",
		DemandKind: model.DemandEmergency,
		UnitID:     "u1",
		SourceID:   "bank-1",
		DestID:     "hosp-1",
		ETAMinutes: 30,
		Score:      1.2,
		Confirmed:  true,
		Time:       now,
	}

	if err := sink.RecordAllocation([]coremetrics.AllocationRecord{rec}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	p := write.NewPointWithMeasurement("allocation_event").
		AddTag("demand_id", "em-1").
		AddTag("demand_kind", "emergency").
		AddTag("unit_id", "u1").
		AddTag("source_id", "bank-1").
		AddTag("dest_id", "hosp-1").
		AddTag("confirmed", "true").
		AddTag("component", "alloc_scheduler").
		AddField("eta_minutes", 30.0).
		AddField("score", 1.2).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL, "token", "org", "bucket")
	if _, ok := sink.(coremetrics.NopSink); !ok {
		t.Fatalf("expected NopSink fallback when the health check fails")
	}
}
