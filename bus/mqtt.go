package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures an MQTT-backed message bus.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string

	// ClientID identifies this connection (default: livepipe-<random>).
	ClientID string

	Username string
	Password string

	// QoS is used for both publish and subscribe (0, 1 or 2).
	QoS byte

	// ConnectTimeout bounds the initial connect and each subscribe (default 10s).
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// MQTTBus maps bus subjects onto MQTT topics. Subscriptions are remembered
// and re-established every time the client (re)connects.
type MQTTBus struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*mqttSub // topic -> subscribers
	closed bool
}

// Topic converts a dotted subject such as pipeline.step to the MQTT topic
// pipeline/step.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// NewMQTTBus connects to the broker and returns a ready bus.
func NewMQTTBus(cfg MQTTConfig) (*MQTTBus, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt bus: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "livepipe-" + uuid.NewString()[:8]
	}

	b := newMQTTBus(nil, cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(b.timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(b.timeout) {
		return nil, fmt.Errorf("mqtt bus: connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt bus: connect %s: %w", cfg.Broker, err)
	}
	b.logger.Info("mqtt bus connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return b, nil
}

func newMQTTBus(client mqtt.Client, cfg MQTTConfig) *MQTTBus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTBus{
		client:  client,
		qos:     cfg.QoS,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string][]*mqttSub),
	}
}

// Publish sends data on the topic for subject and waits for the broker to
// acknowledge it according to the configured QoS.
func (b *MQTTBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	token := b.client.Publish(Topic(subject), b.qos, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt bus: publish %s: %w", subject, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for subject. Handlers run on the MQTT client's
// delivery goroutine, one message at a time.
func (b *MQTTBus) Subscribe(subject string, h Handler) (Subscription, error) {
	topic := Topic(subject)
	sub := &mqttSub{bus: b, subject: subject, topic: topic, handler: h}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(b.subs[topic]) == 0
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if first && b.client.IsConnected() {
		if err := b.subscribe(topic); err != nil {
			b.remove(sub)
			return nil, err
		}
	}
	return sub, nil
}

// ErrNotConnected is returned by Ping while the broker connection is down.
var ErrNotConnected = errors.New("bus: mqtt broker not connected")

// Ping reports whether the broker connection is currently up.
func (b *MQTTBus) Ping(context.Context) error {
	if !b.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close disconnects from the broker.
func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string][]*mqttSub)
	b.mu.Unlock()

	b.client.Disconnect(250)
	return nil
}

func (b *MQTTBus) subscribe(topic string) error {
	token := b.client.Subscribe(topic, b.qos, b.route(topic))
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt bus: subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt bus: subscribe %s: %w", topic, err)
	}
	return nil
}

// route returns the paho callback for topic. It fans out to the handlers
// registered at delivery time.
func (b *MQTTBus) route(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		b.mu.Lock()
		subs := slices.Clone(b.subs[topic])
		b.mu.Unlock()

		for _, sub := range subs {
			sub.handler(Message{Subject: sub.subject, Data: m.Payload()})
		}
	}
}

func (b *MQTTBus) onConnect(_ mqtt.Client) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		if err := b.subscribe(topic); err != nil {
			b.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
			continue
		}
		b.logger.Debug("mqtt subscribed", "topic", topic)
	}
}

// remove drops sub and reports whether it was the last one on its topic.
func (b *MQTTBus) remove(sub *mqttSub) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	i := slices.Index(subs, sub)
	if i < 0 {
		return false
	}
	subs = slices.Delete(subs, i, i+1)
	if len(subs) == 0 {
		delete(b.subs, sub.topic)
		return true
	}
	b.subs[sub.topic] = subs
	return false
}

type mqttSub struct {
	bus     *MQTTBus
	subject string
	topic   string
	handler Handler
}

func (s *mqttSub) Unsubscribe() error {
	if !s.bus.remove(s) {
		return nil
	}
	if !s.bus.client.IsConnected() {
		return nil
	}
	token := s.bus.client.Unsubscribe(s.topic)
	if !token.WaitTimeout(s.bus.timeout) {
		return fmt.Errorf("mqtt bus: unsubscribe %s: timed out", s.topic)
	}
	return token.Error()
}

// Compile-time interface checks.
var _ MessageBus = (*MQTTBus)(nil)
var _ Subscription = (*mqttSub)(nil)
