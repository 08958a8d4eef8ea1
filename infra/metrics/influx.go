package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kmarchand/hemonet/core/logger"
	coremetrics "github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
	infralogger "github.com/kmarchand/hemonet/infra/logger"
)

// InfluxSink writes allocation events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAllocation writes each allocation decision as a point.
func (s *InfluxSink) RecordAllocation(recs []coremetrics.AllocationRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range recs {
		p := write.NewPointWithMeasurement("allocation_event").
			AddTag("demand_id", r.DemandID).
			AddTag("demand_kind", r.DemandKind.String()).
			AddTag("unit_id", r.UnitID).
			AddTag("source_id", r.SourceID).
			AddTag("dest_id", r.DestID).
			AddTag("confirmed", strconv.FormatBool(r.Confirmed)).
			AddTag("component", "alloc_scheduler").
			AddField("eta_minutes", round3(r.ETAMinutes)).
			AddField("score", round3(r.Score)).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordSweep persists the outcome of a TTL sweep pass.
func (s *InfluxSink) RecordSweep(rec coremetrics.SweepRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("ttl_sweep").
		AddTag("component", "alloc_scheduler").
		AddField("released", rec.Released).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOutreach writes each donor solicitation as a point.
func (s *InfluxSink) RecordOutreach(reqs []model.OutreachRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range reqs {
		p := write.NewPointWithMeasurement("donor_outreach").
			AddTag("donor_id", r.DonorID).
			AddTag("blood_type", r.BloodType.String()).
			AddTag("location_id", r.LocationID).
			AddTag("urgency", r.Urgency.String()).
			AddTag("component", "shortage_responder").
			AddField("sent", 1).
			SetTime(r.RequestedAt)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the underlying client down.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
