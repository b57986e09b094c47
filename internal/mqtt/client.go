package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dht-bridge/internal/config"
	"dht-bridge/internal/connection"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrStopped = errors.New("mqtt client stopped")

const eventBuffer = 64

// Client adapts paho to the bridge: paho callbacks become connection
// events, delivered one at a time by Dispatch in the order they were
// observed.
type Client struct {
	client mqtt.Client
	cfg    config.Config
	logger *slog.Logger

	events chan connection.Event
	subSeq atomic.Uint32

	// sessionMu keeps a lost/connected pair from interleaving; paho runs
	// OnConnect and OnConnectionLost on separate goroutines.
	sessionMu sync.Mutex
	isOpen    func() bool

	// dialFailed is set when the current attempt already reported its
	// dial error, so the attempt-level failure is not reported twice.
	dialFailed atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient configures but does not connect. cfg.MQTTBrokerURL must
// already be resolved (not FROM_STDIN).
func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if cfg.InteractiveBroker() {
		return nil, fmt.Errorf("broker url not resolved")
	}
	if err := config.ValidateBrokerURL(cfg.MQTTBrokerURL); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan connection.Event, eventBuffer),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBrokerURL)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	// Session settings
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetConnectionNotificationHandler(c.onNotification)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Debug("mqtt reconnecting", "broker", cfg.MQTTBrokerURL)
	})

	c.client = mqtt.NewClient(opts)
	c.isOpen = c.client.IsConnectionOpen
	return c, nil
}

// Dispatch delivers events to handle until ctx is done or the client is
// stopped. Run it from exactly one goroutine.
func (c *Client) Dispatch(ctx context.Context, handle func(connection.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case ev := <-c.events:
			handle(ev)
		}
	}
}

// Connect starts the client and waits for the first connection.
// This function respects ctx and Disconnect().
func (c *Client) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	// Fast path.
	if c.IsConnected() {
		return nil
	}

	// Start connect attempt. With ConnectRetry(true), it may keep retrying internally.
	token := c.client.Connect()

	// Wait in a ctx/stop-aware loop.
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish hands the message to paho without waiting for the broker. The
// returned id is zero for QoS 0. Completion is reported asynchronously as
// a PublishAck event for QoS > 0.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	select {
	case <-c.stopCh:
		return 0, ErrStopped
	default:
	}

	token := c.client.Publish(topic, qos, retain, payload)
	var id uint16
	if pt, ok := token.(*mqtt.PublishToken); ok {
		id = pt.MessageID()
	}
	go c.watchPublish(token, topic, qos, id)
	return id, nil
}

func (c *Client) watchPublish(token mqtt.Token, topic string, qos byte, id uint16) {
	select {
	case <-token.Done():
	case <-c.stopCh:
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("mqtt publish not delivered", "topic", topic, "msg_id", id, "error", err)
		return
	}
	if qos > 0 {
		c.emit(connection.PublishAck{ID: id})
	}
}

// IsConnected reports paho's view of the connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect stops the client and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return ErrStopped.
func (c *Client) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops and pending emits).
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Paho Disconnect quiesces in-flight work for the given ms.
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.logger.Info("mqtt disconnected")
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.logger.Debug("mqtt connection up", "broker", c.cfg.MQTTBrokerURL)
	c.sessionMu.Lock()
	c.emit(connection.Connected{})
	c.sessionMu.Unlock()
	c.subscribe()
}

// onConnectionLost may run after paho has already reconnected. In that
// case Connected is re-emitted so the loss never outlives the new session.
func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if err != nil {
		c.emit(connection.Classify(err))
	}
	c.emit(connection.Disconnected{})
	if c.isOpen() {
		c.logger.Debug("mqtt connection lost after reconnect completed", "error", err)
		c.emit(connection.Connected{})
	}
}

// onNotification reports failed connection attempts, which paho retries
// silently under ConnectRetry and AutoReconnect.
func (c *Client) onNotification(_ mqtt.Client, n mqtt.ConnectionNotification) {
	switch n := n.(type) {
	case mqtt.ConnectionNotificationConnecting:
		c.dialFailed.Store(false)
		c.logger.Debug("mqtt connecting", "reconnect", n.IsReconnect, "attempt", n.Attempt)
	case mqtt.ConnectionNotificationBrokerFailed:
		c.dialFailed.Store(true)
		c.emit(connection.Classify(n.Reason))
	case mqtt.ConnectionNotificationFailed:
		// A refused CONNACK fails the attempt without a dial error.
		if !c.dialFailed.Swap(false) {
			c.emit(connection.Classify(n.Reason))
		}
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.emit(connection.DataReceived{
		Topic:   msg.Topic(),
		Payload: append([]byte(nil), msg.Payload()...),
	})
}

// subscribe runs on every (re-)connect since the session is clean.
func (c *Client) subscribe() {
	topic := c.cfg.SubscribeTopic
	qos := byte(1) // At least once delivery
	id := uint16(c.subSeq.Add(1))

	token := c.client.Subscribe(topic, qos, c.onMessage)
	go func() {
		select {
		case <-token.Done():
		case <-c.stopCh:
			return
		}
		if err := token.Error(); err != nil {
			c.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		c.emit(connection.SubscribeAck{ID: id})
	}()
}

func (c *Client) emit(ev connection.Event) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}
