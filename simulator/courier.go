package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// AckStrategy defines how the courier acknowledges dispatch orders. Ack
// reports whether the order was accepted.
type AckStrategy interface {
	Ack(ctx context.Context, cli paho.Client, commandID string) bool
}

// AutoAck accepts every order after an optional fixed delay.
type AutoAck struct {
	Delay time.Duration
}

// Ack implements AckStrategy.
func (a AutoAck) Ack(ctx context.Context, cli paho.Client, commandID string) bool {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return false
		}
	}
	publishAck(cli, commandID, true)
	return true
}

// RandomAck drops acknowledgments with DropRate probability, rejects
// orders with RejectRate probability, and waits Delay before answering.
type RandomAck struct {
	Delay      time.Duration
	DropRate   float64
	RejectRate float64
	Rng        *rand.Rand
}

// Ack implements AckStrategy.
func (r RandomAck) Ack(ctx context.Context, cli paho.Client, commandID string) bool {
	if r.DropRate > 0 && r.Rng.Float64() < r.DropRate {
		return false
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return false
		}
	}
	accepted := !(r.RejectRate > 0 && r.Rng.Float64() < r.RejectRate)
	publishAck(cli, commandID, accepted)
	return accepted
}

func publishAck(cli paho.Client, commandID string, accepted bool) {
	payload, err := json.Marshal(struct {
		CommandID string `json:"command_id"`
		Accepted  bool   `json:"accepted"`
	}{CommandID: commandID, Accepted: accepted})
	if err != nil {
		log.Printf("marshal ack: %v", err)
		return
	}
	token := cli.Publish("courier/ack", 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("ack publish timeout for %s", commandID)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("publish ack error for %s: %v", commandID, err)
	}
}

type courierOrder struct {
	CommandID string `json:"command_id"`
	OrderID   string `json:"order_id"`
	UnitID    string `json:"unit_id"`
	DestID    string `json:"dest_id"`
}

// SimulatedCourier listens for dispatch orders on every location's order
// topic, acknowledges them according to its strategy and confirms
// delivery of accepted orders after the transit delay.
type SimulatedCourier struct {
	Broker       string
	Strategy     AckStrategy
	TransitDelay time.Duration

	client paho.Client
	orders chan courierOrder
}

// NewSimulatedCourier creates a courier.
func NewSimulatedCourier(broker string, strat AckStrategy) *SimulatedCourier {
	return &SimulatedCourier{
		Broker:   broker,
		Strategy: strat,
		orders:   make(chan courierOrder, 50),
	}
}

// Run connects to the broker and answers orders until ctx is done.
func (c *SimulatedCourier) Run(ctx context.Context) error {
	cli, err := newMQTTClient(c.Broker, "sim-courier")
	if err != nil {
		return err
	}
	c.client = cli
	for i := 0; i < 5; i++ {
		go c.worker(ctx)
	}
	if token := cli.Subscribe("courier/+/order", 0, c.onOrder); token.Wait() && token.Error() != nil {
		cli.Disconnect(250)
		return token.Error()
	}
	<-ctx.Done()
	close(c.orders)
	cli.Disconnect(250)
	return nil
}

func (c *SimulatedCourier) onOrder(_ paho.Client, msg paho.Message) {
	var o courierOrder
	if err := json.Unmarshal(msg.Payload(), &o); err != nil {
		log.Printf("decode order: %v", err)
		return
	}
	log.Printf("order %s: unit %s -> %s", o.CommandID, o.UnitID, o.DestID)
	select {
	case c.orders <- o:
	default:
		log.Printf("order queue full, dropping %s", o.CommandID)
	}
}

func (c *SimulatedCourier) worker(ctx context.Context) {
	for {
		select {
		case o, ok := <-c.orders:
			if !ok {
				return
			}
			if c.Strategy.Ack(ctx, c.client, o.CommandID) {
				c.deliver(ctx, o)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *SimulatedCourier) deliver(ctx context.Context, o courierOrder) {
	if c.TransitDelay > 0 {
		select {
		case <-time.After(c.TransitDelay):
		case <-ctx.Done():
			return
		}
	}
	payload, err := json.Marshal(struct {
		OrderID string `json:"order_id"`
		UnitID  string `json:"unit_id"`
		DestID  string `json:"dest_id"`
	}{OrderID: o.OrderID, UnitID: o.UnitID, DestID: o.DestID})
	if err != nil {
		log.Printf("marshal delivery: %v", err)
		return
	}
	token := c.client.Publish("courier/delivered", 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Printf("delivery publish timeout for %s", o.OrderID)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("publish delivery error for %s: %v", o.OrderID, err)
	}
}
