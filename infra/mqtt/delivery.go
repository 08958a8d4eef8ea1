package mqtt

import (
	"encoding/json"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/store"
)

// deliveryEvent is the courier's confirmation that a dispatched unit
// arrived at its destination.
type deliveryEvent struct {
	OrderID string `json:"order_id"`
	UnitID  string `json:"unit_id"`
	DestID  string `json:"dest_id"`
}

// DeliverySubscriber completes transfers: on a courier delivery
// confirmation the unit is relocated to its destination and returned to
// Available there.
type DeliverySubscriber struct {
	store *store.Store
	log   logger.Logger
}

// NewDeliverySubscriber creates a delivery subscriber over the store.
func NewDeliverySubscriber(st *store.Store, log logger.Logger) *DeliverySubscriber {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &DeliverySubscriber{store: st, log: log}
}

// Attach subscribes the handler on the delivery topic.
func (d *DeliverySubscriber) Attach(p *PahoClient, topic string, qos byte) error {
	token := p.cli.Subscribe(topic, qos, d.Handle)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	d.log.Infof("subscribed to deliveries on %s", topic)
	return nil
}

// Handle decodes one delivery confirmation and completes the move.
func (d *DeliverySubscriber) Handle(_ paho.Client, msg paho.Message) {
	var ev deliveryEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		d.log.Errorf("malformed delivery event on %s: %v", msg.Topic(), err)
		return
	}
	_, ver, err := d.store.Unit(ev.UnitID)
	if err != nil {
		d.log.Errorf("delivery for unknown unit %s: %v", ev.UnitID, err)
		return
	}
	if _, err := d.store.MoveUnit(ev.UnitID, ver, ev.DestID); err != nil {
		d.log.Errorf("complete delivery %s (unit %s -> %s): %v", ev.OrderID, ev.UnitID, ev.DestID, err)
		return
	}
	d.log.Infof("unit %s delivered to %s (order %s)", ev.UnitID, ev.DestID, ev.OrderID)
}
