// Package mqtt implements the broker-facing gateways: dispatch orders to
// the courier system, outreach requests to donors, and the inbound
// entity feed.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kmarchand/hemonet/core/gateway"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/model"
	infralogger "github.com/kmarchand/hemonet/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string          `json:"broker"`
	ClientID      string          `json:"client_id"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	AckTopic      string          `json:"ack_topic"`
	FeedTopic     string          `json:"feed_topic"`
	DeliveryTopic string          `json:"delivery_topic"`
	UseTLS        bool            `json:"use_tls"`
	ClientCert    string          `json:"client_cert"`
	ClientKey     string          `json:"client_key"`
	CABundle      string          `json:"ca_bundle"`
	AuthMethod    string          `json:"auth_method"`
	QoS           map[string]byte `json:"qos"`
	LWTTopic      string          `json:"lwt_topic"`
	LWTPayload    string          `json:"lwt_payload"`
	LWTQoS        byte            `json:"lwt_qos"`
	LWTRetain     bool            `json:"lwt_retain"`
	MaxRetries    int             `json:"max_retries"`
	BackoffMS     int             `json:"backoff_ms"`
	TLSConfig     *tls.Config     `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.AckTopic == "" {
		c.AckTopic = "courier/ack"
	}
	if c.FeedTopic == "" {
		c.FeedTopic = "registry/feed/#"
	}
	if c.DeliveryTopic == "" {
		c.DeliveryTopic = "courier/delivered"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements the Courier and Outreach gateways over Eclipse
// Paho. Acknowledgments arrive on a shared topic keyed by command id.
type PahoClient struct {
	cli      pahoClient
	ackTopic string
	qos      map[string]byte

	mu         sync.Mutex
	ackChans   map[string]chan bool
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the ack
// topic.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := infralogger.New("mqtt_client")
	pc := &PahoClient{
		ackTopic:   cfg.AckTopic,
		ackChans:   make(map[string]chan bool),
		logger:     log,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := pc.qos["ack"]; ok {
			qos = q
		}
		if token := c.Subscribe(pc.ackTopic, qos, pc.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
		Accepted  *bool  `json:"accepted,omitempty"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	accepted := m.Accepted == nil || *m.Accepted
	p.mu.Lock()
	if ch, ok := p.ackChans[m.CommandID]; ok {
		select {
		case ch <- accepted:
		default:
		}
		p.logger.Infof("received ack %s (accepted=%t)", m.CommandID, accepted)
	}
	p.mu.Unlock()
}

type wireOrder struct {
	CommandID string  `json:"command_id"`
	OrderID   string  `json:"order_id"`
	DemandID  string  `json:"demand_id"`
	UnitID    string  `json:"unit_id"`
	SourceID  string  `json:"source_id"`
	DestID    string  `json:"dest_id"`
	ETAMin    float64 `json:"eta_minutes"`
	Timestamp int64   `json:"timestamp"`
}

// SendDispatchOrder publishes the order on the destination's courier
// topic and returns the command identifier used for ack tracking.
func (p *PahoClient) SendDispatchOrder(order model.DispatchOrder) (string, error) {
	cmdID := uuid.NewString()
	payload, err := json.Marshal(wireOrder{
		CommandID: cmdID,
		OrderID:   order.OrderID,
		DemandID:  order.DemandID,
		UnitID:    order.UnitID,
		SourceID:  order.SourceID,
		DestID:    order.DestID,
		ETAMin:    order.ETAMinutes,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	topic := fmt.Sprintf("courier/%s/order", order.DestID)
	if err := p.publishWithRetry(topic, "order", payload); err != nil {
		return "", err
	}
	p.logger.Infof("sent order %s to %s", cmdID, topic)

	p.mu.Lock()
	p.ackChans[cmdID] = make(chan bool, 1)
	p.mu.Unlock()
	return cmdID, nil
}

func (p *PahoClient) publishWithRetry(topic, qosKey string, payload []byte) error {
	qos := byte(0)
	if q, ok := p.qos[qosKey]; ok {
		qos = q
	}
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish attempt %d on %s failed: %v", attempt+1, topic, publishErr)
		time.Sleep(p.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// WaitForAck blocks until an ack for the command arrives or timeout.
func (p *PahoClient) WaitForAck(commandID string, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	ch := p.ackChans[commandID]
	p.mu.Unlock()
	if ch == nil {
		return false, fmt.Errorf("unknown command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case accepted := <-ch:
		p.mu.Lock()
		delete(p.ackChans, commandID)
		p.mu.Unlock()
		return accepted, nil
	case <-timer.C:
		p.mu.Lock()
		delete(p.ackChans, commandID)
		p.mu.Unlock()
		return false, fmt.Errorf("%w", gateway.ErrAckTimeout)
	}
}

// SendOutreach publishes a donor solicitation on the donor's topic.
// Fire-and-forget: no acknowledgment is tracked.
func (p *PahoClient) SendOutreach(req model.OutreachRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("donors/%s/outreach", req.DonorID)
	if err := p.publishWithRetry(topic, "outreach", payload); err != nil {
		return err
	}
	p.logger.Infof("sent outreach %s to donor %s", req.ID, req.DonorID)
	return nil
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
