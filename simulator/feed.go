package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// FeedPublisher plays the source-of-record registry: it publishes the
// generated network as upsert events and then emits fresh donations on a
// fixed interval.
type FeedPublisher struct {
	Broker   string
	Network  Network
	Interval time.Duration
	Rng      *rand.Rand

	client   paho.Client
	versions map[string]uint64
	unitSeq  int
}

// NewFeedPublisher creates a feed publisher for the network.
func NewFeedPublisher(broker string, n Network, interval time.Duration, rng *rand.Rand) *FeedPublisher {
	return &FeedPublisher{
		Broker:   broker,
		Network:  n,
		Interval: interval,
		Rng:      rng,
		versions: make(map[string]uint64),
		unitSeq:  len(n.Units),
	}
}

// Run publishes the initial network and then periodic donations until
// ctx is done.
func (f *FeedPublisher) Run(ctx context.Context) error {
	cli, err := newMQTTClient(f.Broker, "sim-registry")
	if err != nil {
		return err
	}
	f.client = cli
	defer cli.Disconnect(250)

	for _, loc := range f.Network.Locations {
		l := loc
		f.publish(store.UpsertEvent{EntityType: "location", EntityID: l.ID, Location: &l})
	}
	for _, u := range f.Network.Units {
		unit := u
		f.publish(store.UpsertEvent{EntityType: "blood_unit", EntityID: unit.ID, Unit: &unit})
	}
	for _, d := range f.Network.Donors {
		don := d
		f.publish(store.UpsertEvent{EntityType: "donor", EntityID: don.ID, Donor: &don})
	}

	if f.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.publishDonation()
		}
	}
}

// publishDonation emits one freshly collected unit at a random bank.
func (f *FeedPublisher) publishDonation() {
	var banks []model.Location
	for _, l := range f.Network.Locations {
		if l.Kind == model.BloodBank {
			banks = append(banks, l)
		}
	}
	if len(banks) == 0 {
		return
	}
	f.unitSeq++
	now := time.Now().UTC()
	unit := model.BloodUnit{
		ID:          fmt.Sprintf("unit%06d", f.unitSeq),
		Type:        model.AllBloodTypes[f.Rng.Intn(len(model.AllBloodTypes))],
		VolumeML:    450,
		CollectedAt: now,
		ExpiresAt:   now.Add(42 * 24 * time.Hour),
		Status:      model.UnitAvailable,
		LocationID:  banks[f.Rng.Intn(len(banks))].ID,
	}
	f.publish(store.UpsertEvent{EntityType: "blood_unit", EntityID: unit.ID, Unit: &unit})
}

func (f *FeedPublisher) publish(ev store.UpsertEvent) {
	f.versions[ev.EntityID]++
	ev.Version = f.versions[ev.EntityID]
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("marshal upsert %s: %v", ev.EntityID, err)
		return
	}
	topic := fmt.Sprintf("registry/feed/%s/%s", ev.EntityType, ev.EntityID)
	token := f.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("feed publish timeout for %s", ev.EntityID)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("feed publish error for %s: %v", ev.EntityID, err)
	}
}
