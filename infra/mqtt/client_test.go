package mqtt

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// mockClient implements pahoClient for tests
type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	published []struct {
		topic   string
		qos     byte
		payload []byte
	}
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	b, _ := payload.([]byte)
	m.published = append(m.published, struct {
		topic   string
		qos     byte
		payload []byte
	}{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	return &dummyToken{}
}

func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	p     []byte
	topic string
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func withMockClient(t *testing.T) *mockClient {
	t.Helper()
	mc := &mockClient{}
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
	return mc
}

func testOrder() model.DispatchOrder {
	return model.DispatchOrder{
		OrderID:    "ord-1",
		DemandID:   "em-1",
		UnitID:     "u1",
		SourceID:   "bank-1",
		DestID:     "hosp-1",
		ETAMinutes: 30,
		IssuedAt:   time.Now(),
	}
}

func TestSendDispatchOrderAndAck(t *testing.T) {
	mc := withMockClient(t)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{"order": 1, "ack": 1}})
	require.NoError(t, err)

	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "courier/ack", mc.subscribed[0].topic)
	assert.Equal(t, byte(1), mc.subscribed[0].qos)

	cmdID, err := cli.SendDispatchOrder(testOrder())
	require.NoError(t, err)

	require.Len(t, mc.published, 1)
	assert.Equal(t, "courier/hosp-1/order", mc.published[0].topic)
	assert.Equal(t, byte(1), mc.published[0].qos)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(mc.published[0].payload, &wire))
	assert.Equal(t, cmdID, wire["command_id"])
	assert.Equal(t, "u1", wire["unit_id"])

	cli.onAck(nil, mockMessage{p: []byte(fmt.Sprintf(`{"command_id":%q}`, cmdID))})
	ok, err := cli.WaitForAck(cmdID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRejectedAck(t *testing.T) {
	withMockClient(t)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	require.NoError(t, err)

	cmdID, err := cli.SendDispatchOrder(testOrder())
	require.NoError(t, err)

	cli.onAck(nil, mockMessage{p: []byte(fmt.Sprintf(`{"command_id":%q,"accepted":false}`, cmdID))})
	ok, err := cli.WaitForAck(cmdID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a rejected ack must not confirm the order")
}

func TestWaitForAckTimeout(t *testing.T) {
	withMockClient(t)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	require.NoError(t, err)

	cmdID, err := cli.SendDispatchOrder(testOrder())
	require.NoError(t, err)

	ok, err := cli.WaitForAck(cmdID, 10*time.Millisecond)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestPublishRetriesOnFailure(t *testing.T) {
	mc := withMockClient(t)
	mc.publishErrs = []error{fmt.Errorf("net fail")}
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id", BackoffMS: 1})
	require.NoError(t, err)

	_, err = cli.SendDispatchOrder(testOrder())
	require.NoError(t, err, "a transient publish error must be retried")
	assert.Len(t, mc.published, 2)
}

func TestSendOutreachTopic(t *testing.T) {
	mc := withMockClient(t)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	require.NoError(t, err)

	require.NoError(t, cli.SendOutreach(model.OutreachRequest{ID: "or-1", DonorID: "don-7", BloodType: model.ONeg}))
	require.Len(t, mc.published, 1)
	assert.Equal(t, "donors/don-7/outreach", mc.published[0].topic)
}

func TestFeedHandlerAppliesUpserts(t *testing.T) {
	st := store.New(nil)
	sub := NewFeedSubscriber(st, nil)

	loc := model.Location{Kind: model.Hospital, Lat: 48.85, Lon: 2.35}
	ev := store.UpsertEvent{EntityType: "location", EntityID: "hosp-1", Version: 3, Location: &loc}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	sub.Handle(nil, mockMessage{p: payload, topic: "registry/feed/location"})

	got, err := st.Location("hosp-1")
	require.NoError(t, err)
	assert.Equal(t, model.Hospital, got.Kind)

	// Replaying the same version is a no-op, not an error.
	sub.Handle(nil, mockMessage{p: payload, topic: "registry/feed/location"})
	got, err = st.Location("hosp-1")
	require.NoError(t, err)
	assert.Equal(t, 48.85, got.Lat)
}

func TestMalformedFeedEventIgnored(t *testing.T) {
	st := store.New(nil)
	sub := NewFeedSubscriber(st, nil)
	sub.Handle(nil, mockMessage{p: []byte("not json"), topic: "registry/feed/x"})
	assert.Empty(t, st.Locations())
}
