package shortage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

type mockOutreach struct {
	mu   sync.Mutex
	sent []model.OutreachRequest
	err  error
}

func (m *mockOutreach) SendOutreach(req model.OutreachRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, req)
	return nil
}

func (m *mockOutreach) requests() []model.OutreachRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.OutreachRequest, len(m.sent))
	copy(cp, m.sent)
	return cp
}

var testNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*store.Store, *mockOutreach, *Responder) {
	t.Helper()
	st := store.New(nil, store.WithClock(func() time.Time { return testNow }))
	st.PutLocation(model.Location{ID: "hosp-1", Kind: model.Hospital, Lat: 48.85, Lon: 2.35})
	out := &mockOutreach{}
	r := New(st, out, nil, Config{TopN: 2}, nil)
	r.SetClock(func() time.Time { return testNow })
	return st, out, r
}

func addDonor(st *store.Store, id string, bt model.BloodType, resp float64, lat, lon float64) {
	st.PutDonor(model.Donor{
		ID: id, Type: bt, Lat: lat, Lon: lon,
		Eligible: true, Responsiveness: resp,
	})
}

func shortDemand(bt model.BloodType) model.Demand {
	return model.Demand{
		ID:           "em-1",
		Kind:         model.DemandEmergency,
		RequiredType: bt,
		Quantity:     3,
		OriginID:     "hosp-1",
		Severity:     model.SeverityCritical,
	}
}

func TestRespondTopNByResponsiveness(t *testing.T) {
	st, out, r := newFixture(t)
	addDonor(st, "d-slow", model.APos, 0.2, 48.86, 2.36)
	addDonor(st, "d-fast", model.APos, 0.9, 48.86, 2.36)
	addDonor(st, "d-mid", model.APos, 0.5, 48.86, 2.36)

	sent := r.Respond(context.Background(), shortDemand(model.APos), 2)
	require.Len(t, sent, 2)
	assert.Equal(t, "d-fast", sent[0].DonorID)
	assert.Equal(t, "d-mid", sent[1].DonorID)
	assert.Len(t, out.requests(), 2)
}

func TestCompatibleDonorsOnly(t *testing.T) {
	st, _, r := newFixture(t)
	addDonor(st, "d-ab", model.ABPos, 0.9, 48.86, 2.36)
	addDonor(st, "d-on", model.ONeg, 0.5, 48.86, 2.36)

	sent := r.Respond(context.Background(), shortDemand(model.APos), 1)
	require.Len(t, sent, 1)
	assert.Equal(t, "d-on", sent[0].DonorID, "AB+ cannot serve an A+ recipient")
}

func TestRadiusExcludesFarDonors(t *testing.T) {
	st, _, r := newFixture(t)
	addDonor(st, "d-far", model.APos, 0.9, 43.30, 5.37) // Marseille

	assert.Empty(t, r.Respond(context.Background(), shortDemand(model.APos), 1))
}

func TestRestingDonorsAreSkipped(t *testing.T) {
	st, _, r := newFixture(t)
	st.PutDonor(model.Donor{
		ID: "d-rested", Type: model.APos, Lat: 48.86, Lon: 2.36,
		Eligible: true, Responsiveness: 0.9,
		LastDonation: testNow.Add(-10 * 24 * time.Hour),
	})

	assert.Empty(t, r.Respond(context.Background(), shortDemand(model.APos), 1),
		"donors inside the re-donation interval must not be solicited")
}

func TestCooldownDedupesSolicitations(t *testing.T) {
	st, out, r := newFixture(t)
	addDonor(st, "d-1", model.APos, 0.9, 48.86, 2.36)

	require.Len(t, r.Respond(context.Background(), shortDemand(model.APos), 1), 1)
	assert.Empty(t, r.Respond(context.Background(), shortDemand(model.APos), 1),
		"same donor within the cool-down window")
	assert.Len(t, out.requests(), 1)
}

func TestGatewayErrorDoesNotRecordContact(t *testing.T) {
	st, out, r := newFixture(t)
	addDonor(st, "d-1", model.APos, 0.9, 48.86, 2.36)
	out.err = errors.New("broker down")

	assert.Empty(t, r.Respond(context.Background(), shortDemand(model.APos), 1))

	out.err = nil
	assert.Len(t, r.Respond(context.Background(), shortDemand(model.APos), 1), 1,
		"a failed send must not start the cool-down")
}

func TestNotifyIsAsynchronous(t *testing.T) {
	st, out, r := newFixture(t)
	addDonor(st, "d-1", model.APos, 0.9, 48.86, 2.36)

	r.Notify(context.Background(), shortDemand(model.APos), 1)
	r.Wait()
	assert.Len(t, out.requests(), 1)
}
