package mqtt

import (
	"encoding/json"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/store"
)

// FeedSubscriber consumes the source-of-record entity feed and applies
// each upsert to the store. Events are idempotent by version, so
// re-delivery after a reconnect is harmless.
type FeedSubscriber struct {
	store *store.Store
	log   logger.Logger
}

// NewFeedSubscriber creates a feed subscriber over the store.
func NewFeedSubscriber(st *store.Store, log logger.Logger) *FeedSubscriber {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &FeedSubscriber{store: st, log: log}
}

// Attach subscribes the handler on the client's feed topic.
func (f *FeedSubscriber) Attach(p *PahoClient, topic string, qos byte) error {
	token := p.cli.Subscribe(topic, qos, f.Handle)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	f.log.Infof("subscribed to entity feed %s", topic)
	return nil
}

// Handle decodes one feed message and applies it.
func (f *FeedSubscriber) Handle(_ paho.Client, msg paho.Message) {
	var ev store.UpsertEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		f.log.Errorf("malformed feed event on %s: %v", msg.Topic(), err)
		return
	}
	applied, err := f.store.ApplyUpsert(ev)
	if err != nil {
		f.log.Errorf("feed upsert %s/%s: %v", ev.EntityType, ev.EntityID, err)
		return
	}
	if !applied {
		f.log.Debugf("ignored stale feed event %s/%s v%d", ev.EntityType, ev.EntityID, ev.Version)
	}
}
