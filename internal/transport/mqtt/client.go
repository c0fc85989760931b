// Package mqtt implements an MQTT publish sink.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nicolas-f/sonomkr-core/internal/config"
	applog "github.com/nicolas-f/sonomkr-core/internal/log"
	"github.com/nicolas-f/sonomkr-core/internal/transport"
)

const disconnectQuiesceMs = 250

// Publisher publishes payloads to an MQTT broker. While the broker is not
// reachable Publish returns transport.ErrUnavailable and the client keeps
// reconnecting in the background.
type Publisher struct {
	client  paho.Client
	qos     byte
	retain  bool
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// New connects to the broker described by cfg. A broker that does not answer
// within cfg.Timeout is not an error: the connection is retried in the background.
func New(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sonomkr-" + uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		applog.Infof("MQTT: Connected to broker %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		applog.Warnf("MQTT: Connection to broker %s lost: %v", cfg.Broker, err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		applog.Warnf("MQTT: Broker %s not reachable yet, retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connection error: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client paho.Client, cfg config.MQTTConfig) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		client:  client,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: timeout,
	}
}

// Publish sends payload to topic and waits for the client to hand it off.
func (p *Publisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return transport.ErrClosed
	}
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("%w: not connected to MQTT broker", transport.ErrUnavailable)
	}

	// The client may still hold the payload after a timeout.
	token := p.client.Publish(topic, p.qos, p.retain, append([]byte(nil), payload...))
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: publish timeout on %s", transport.ErrUnavailable, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.client.Disconnect(disconnectQuiesceMs)
	applog.Infof("MQTT: Disconnected")
	return nil
}

// Ensure Publisher satisfies the interface at compile time.
var _ transport.Publisher = (*Publisher)(nil)
