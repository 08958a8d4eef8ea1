// Package shortage implements the donor shortage responder: when
// allocation ends with a deficit, the top eligible donors near the
// demanding location are solicited through the outreach gateway.
package shortage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmarchand/hemonet/core/compat"
	"github.com/kmarchand/hemonet/core/gateway"
	"github.com/kmarchand/hemonet/core/geo"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/metrics"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// Config holds the tunable outreach policy.
type Config struct {
	// RadiusKm bounds the donor search around the demanding location.
	RadiusKm float64 `json:"radius_km"`

	// TopN caps how many donors one deficit may solicit.
	TopN int `json:"top_n"`

	// CooldownHours suppresses repeat solicitations of the same donor.
	CooldownHours int `json:"cooldown_hours"`

	// MinIntervalDays is the minimum re-donation interval.
	MinIntervalDays int `json:"min_interval_days"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.RadiusKm <= 0 {
		c.RadiusKm = 20
	}
	if c.TopN <= 0 {
		c.TopN = 5
	}
	if c.CooldownHours <= 0 {
		c.CooldownHours = 24
	}
	if c.MinIntervalDays <= 0 {
		c.MinIntervalDays = 56
	}
}

// Responder turns allocation deficits into donor outreach.
type Responder struct {
	store    *store.Store
	outreach gateway.Outreach
	sink     metrics.OutreachRecorder
	cfg      Config
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	contacted map[string]time.Time // donor ID -> last solicitation
	wg        sync.WaitGroup
}

// New creates a responder. A nil sink or logger is replaced with a
// no-op.
func New(st *store.Store, out gateway.Outreach, sink metrics.OutreachRecorder, cfg Config, log logger.Logger) *Responder {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Responder{
		store:     st,
		outreach:  out,
		sink:      sink,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		contacted: make(map[string]time.Time),
	}
}

// SetClock overrides the responder clock, for tests.
func (r *Responder) SetClock(now func() time.Time) { r.now = now }

// Notify implements the scheduler's shortage hook. Outreach happens on
// a separate goroutine so allocation is never blocked on the gateway.
func (r *Responder) Notify(ctx context.Context, d model.Demand, missing int) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Respond(ctx, d, missing)
	}()
}

// Wait blocks until every in-flight outreach goroutine finished. Used
// on shutdown and in tests.
func (r *Responder) Wait() { r.wg.Wait() }

// Respond selects the top eligible donors for the deficit and sends
// them outreach requests. Returns the requests actually sent.
func (r *Responder) Respond(ctx context.Context, d model.Demand, missing int) []model.OutreachRequest {
	if missing <= 0 {
		return nil
	}
	loc, err := r.store.Location(d.OriginID)
	if err != nil {
		r.log.Warnf("outreach for demand %s: location %s unknown", d.ID, d.OriginID)
		return nil
	}

	donors := r.eligible(loc, d.RequiredType)
	if len(donors) == 0 {
		r.log.Infof("no eligible donors within %.0f km of %s for %s", r.cfg.RadiusKm, d.OriginID, d.RequiredType)
		return nil
	}
	if len(donors) > r.cfg.TopN {
		donors = donors[:r.cfg.TopN]
	}

	urgency := d.Severity
	now := r.now()
	var sent []model.OutreachRequest
	for _, don := range donors {
		if ctx.Err() != nil {
			break
		}
		req := model.OutreachRequest{
			ID:          uuid.NewString(),
			DonorID:     don.ID,
			BloodType:   don.Type,
			LocationID:  d.OriginID,
			Urgency:     urgency,
			RequestedAt: now,
		}
		if err := r.outreach.SendOutreach(req); err != nil {
			r.log.Warnf("outreach to donor %s: %v", don.ID, err)
			continue
		}
		r.mu.Lock()
		r.contacted[don.ID] = now
		r.mu.Unlock()
		sent = append(sent, req)
	}

	if len(sent) > 0 {
		if err := r.sink.RecordOutreach(sent); err != nil {
			r.log.Warnf("record outreach: %v", err)
		}
		r.log.Infof("solicited %d donor(s) for demand %s (%d unit(s) short)", len(sent), d.ID, missing)
	}
	return sent
}

// eligible returns compatible, rested, in-radius donors outside their
// cool-down window, ranked by responsiveness then proximity.
func (r *Responder) eligible(loc model.Location, required model.BloodType) []model.Donor {
	now := r.now()
	minInterval := time.Duration(r.cfg.MinIntervalDays) * 24 * time.Hour
	cooldown := time.Duration(r.cfg.CooldownHours) * time.Hour

	type scored struct {
		donor model.Donor
		dist  float64
	}
	var out []scored
	for _, don := range r.store.DonorsWithin(loc.Lat, loc.Lon, r.cfg.RadiusKm) {
		if !don.Eligible || !don.CanDonateAgain(now, minInterval) {
			continue
		}
		if !compat.CanDonate(don.Type, required) {
			continue
		}
		r.mu.Lock()
		last, seen := r.contacted[don.ID]
		r.mu.Unlock()
		if seen && now.Sub(last) < cooldown {
			continue
		}
		out = append(out, scored{donor: don, dist: geo.HaversineKm(loc.Lat, loc.Lon, don.Lat, don.Lon)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].donor.Responsiveness != out[j].donor.Responsiveness {
			return out[i].donor.Responsiveness > out[j].donor.Responsiveness
		}
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].donor.ID < out[j].donor.ID
	})

	donors := make([]model.Donor, len(out))
	for i, s := range out {
		donors[i] = s.donor
	}
	return donors
}
