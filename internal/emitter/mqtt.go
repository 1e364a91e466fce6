// Package emitter wraps the MQTT client. It owns the connection lifecycle and
// the connected flag; the flag is written only by paho's connect/disconnect
// callbacks and read by everyone else.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/sdrbridge/internal/config"
)

var (
	// ErrNotConnected means the broker session is down; the payload was not
	// handed to the client at all.
	ErrNotConnected = errors.New("emitter: not connected")
	// ErrPublishTimeout means the client accepted the payload but the broker
	// did not acknowledge it in time.
	ErrPublishTimeout = errors.New("emitter: publish timeout")
)

const (
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectQuiet  = 250 // ms grace for in-flight messages
)

type subscription struct {
	topic string
	qos   byte
	fn    func(payload []byte)
}

// Emitter is the bridge's MQTT session.
type Emitter struct {
	cfg    *config.Config
	client mqtt.Client

	mu                sync.RWMutex
	connected         bool
	disconnectedSince time.Time
	subs              []subscription
	published         uint64
	errors            uint64
}

// New creates an emitter. Connect must be called before publishing.
func New(cfg *config.Config) *Emitter {
	return &Emitter{cfg: cfg}
}

// Handle registers a message handler for topic. Registration is allowed (and
// expected) before Connect: the subscription is established on every
// successful connect, so it survives broker reconnects.
func (e *Emitter) Handle(topic string, qos byte, fn func(payload []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, subscription{topic: topic, qos: qos, fn: fn})
}

// Connect establishes the broker session and blocks, bounded by the configured
// connect timeout, until the first connection is up.
func (e *Emitter) Connect(ctx context.Context) error {
	clientID := fmt.Sprintf("%s-%s", e.cfg.InstanceID, uuid.New().String()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(clientID)
	opts.SetKeepAlive(time.Duration(e.cfg.MQTT.KeepaliveS) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if e.cfg.MQTT.Username != "" {
		opts.SetUsername(e.cfg.MQTT.Username)
		opts.SetPassword(e.cfg.MQTT.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.disconnectedSince = time.Time{}
		subs := e.subs
		e.mu.Unlock()

		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", clientID,
		)

		// Re-establish subscriptions on every (re)connect; delivery goes
		// through the routes added below.
		for _, s := range subs {
			token := c.Subscribe(s.topic, s.qos, nil)
			if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
				slog.Error("mqtt subscribe failed",
					"topic", s.topic,
					"error", token.Error(),
				)
				continue
			}
			slog.Info("mqtt subscribed", "topic", s.topic, "qos", s.qos)
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.disconnectedSince = time.Now()
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)

	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()
	for _, s := range subs {
		fn := s.fn
		e.client.AddRoute(s.topic, func(_ mqtt.Client, msg mqtt.Message) {
			fn(msg.Payload())
		})
	}

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	timeout := time.Duration(e.cfg.MQTT.ConnectTimeoutS) * time.Second
	token := e.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return nil
}

// Publish sends payload to topic and waits, bounded, for the client's
// acknowledgement. Payloads offered while disconnected are refused with
// ErrNotConnected; the caller decides whether that is worth more than a
// debug line.
func (e *Emitter) Publish(topic string, payload []byte, qos byte) error {
	if !e.IsConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("%w: topic %s, %d bytes", ErrPublishTimeout, topic, len(payload))
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	return nil
}

// Unsubscribe removes a broker subscription. The registered route stays; it
// simply stops receiving messages.
func (e *Emitter) Unsubscribe(topic string) error {
	if e.client == nil || !e.client.IsConnected() {
		return nil
	}
	token := e.client.Unsubscribe(topic)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("unsubscribe timeout for topic %s", topic)
	}
	return token.Error()
}

// IsConnected reports the session state as seen by the connect/disconnect
// callbacks.
func (e *Emitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// DisconnectedFor returns how long the session has been continuously down,
// or zero when connected (or never yet connected).
func (e *Emitter) DisconnectedFor() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.connected || e.disconnectedSince.IsZero() {
		return 0
	}
	return time.Since(e.disconnectedSince)
}

// Disconnect closes the session. Safe to call if Connect never ran.
func (e *Emitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(disconnectQuiet)
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// Stats returns publish counters.
func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
	}
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
