package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"
	"syscall"
	"testing"
	"time"

	"dht-bridge/internal/config"
	"dht-bridge/internal/connection"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig() config.Config {
	return config.Config{
		MQTTBrokerURL:  "tcp://127.0.0.1:1",
		MQTTClientID:   "test",
		PublishTopic:   config.DefaultPublishTopic,
		SubscribeTopic: config.DefaultSubscribeTopic,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func collect(t *testing.T, c *Client, n int) []connection.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []connection.Event
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	_ = c.Dispatch(ctx, func(ev connection.Event) {
		got = append(got, ev)
		if len(got) == n {
			stop()
		}
	})
	if len(got) != n {
		t.Fatalf("dispatched %d events, want %d", len(got), n)
	}
	return got
}

func TestNewClient_RejectsUnresolvedBroker(t *testing.T) {
	cfg := testConfig()
	cfg.MQTTBrokerURL = config.BrokerFromStdin
	if _, err := NewClient(cfg, slog.Default()); err == nil {
		t.Fatal("NewClient() error = nil, want non-nil")
	}
}

func TestConnectionLost_EmitsErrorThenDisconnected(t *testing.T) {
	c := newTestClient(t)

	c.onConnectionLost(nil, syscall.ECONNRESET)
	got := collect(t, c, 2)

	te, ok := got[0].(connection.TransportError)
	if !ok {
		t.Fatalf("first event = %T, want TransportError", got[0])
	}
	if te.Category != connection.CategorySocket || te.Code != int(syscall.ECONNRESET) {
		t.Errorf("TransportError = %+v, want socket ECONNRESET", te)
	}
	if _, ok := got[1].(connection.Disconnected); !ok {
		t.Fatalf("second event = %T, want Disconnected", got[1])
	}
}

func TestOnMessage_CopiesPayload(t *testing.T) {
	c := newTestClient(t)
	buf := []byte("cmd")

	c.onMessage(nil, fakeMessage{topic: config.DefaultSubscribeTopic, payload: buf})
	buf[0] = 'X'

	got := collect(t, c, 1)
	dr, ok := got[0].(connection.DataReceived)
	if !ok {
		t.Fatalf("event = %T, want DataReceived", got[0])
	}
	if dr.Topic != config.DefaultSubscribeTopic || string(dr.Payload) != "cmd" {
		t.Errorf("DataReceived = %q %q", dr.Topic, dr.Payload)
	}
}

func TestOnConnect_EmitsConnectedFirst(t *testing.T) {
	c := newTestClient(t)

	c.onConnect(nil)
	got := collect(t, c, 1)

	if _, ok := got[0].(connection.Connected); !ok {
		t.Fatalf("event = %T, want Connected", got[0])
	}
}

func TestDispatch_DrivesHandler(t *testing.T) {
	c := newTestClient(t)
	status := &connection.Status{}
	h := connection.NewHandler(status, config.DefaultSubscribeTopic, nil, nil, slog.Default())

	c.emit(connection.Connected{})
	c.emit(connection.Classify(errors.New("read: connection reset")))
	c.emit(connection.Disconnected{})
	c.emit(connection.Connected{})

	for _, ev := range collect(t, c, 4) {
		h.Handle(ev)
	}
	if !status.Connected() {
		t.Fatalf("state = %v, want connected", status.Load())
	}
}

func TestStopped(t *testing.T) {
	c, err := NewClient(testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.Disconnect()
	c.Disconnect()

	if _, err := c.Publish("t", []byte("x"), 0, false); !errors.Is(err, ErrStopped) {
		t.Errorf("Publish() error = %v, want ErrStopped", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect() error = %v, want ErrStopped", err)
	}
	if err := c.Dispatch(context.Background(), func(connection.Event) {}); err != nil {
		t.Errorf("Dispatch() error = %v, want nil", err)
	}

	// emit must not block once stopped
	done := make(chan struct{})
	go func() {
		for range eventBuffer + 1 {
			c.emit(connection.Connected{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after Disconnect")
	}
}

func TestConnect_RefusedDialEmitsTransportError(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = c.Connect(ctx) }()

	var got *connection.TransportError
	_ = c.Dispatch(ctx, func(ev connection.Event) {
		if te, ok := ev.(connection.TransportError); ok && got == nil {
			got = &te
			cancel()
		}
	})
	if got == nil {
		t.Fatal("no TransportError dispatched for refused dial")
	}
	if got.Category != connection.CategorySocket || got.Code != int(syscall.ECONNREFUSED) {
		t.Errorf("TransportError = %+v, want socket ECONNREFUSED", *got)
	}
}

func TestOnNotification_OneErrorPerAttempt(t *testing.T) {
	c := newTestClient(t)
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	broker, _ := url.Parse("tcp://127.0.0.1:1")

	// dial failure: reported once
	c.onNotification(nil, mqtt.ConnectionNotificationConnecting{Attempt: 1})
	c.onNotification(nil, mqtt.ConnectionNotificationBrokerFailed{Broker: broker, Reason: dialErr})
	c.onNotification(nil, mqtt.ConnectionNotificationFailed{Reason: dialErr})

	// refused CONNACK: no dial failure, reported by the attempt failure
	c.onNotification(nil, mqtt.ConnectionNotificationConnecting{IsReconnect: true, Attempt: 2})
	c.onNotification(nil, mqtt.ConnectionNotificationBroker{Broker: broker})
	c.onNotification(nil, mqtt.ConnectionNotificationFailed{Reason: errors.New("not Authorized")})

	got := collect(t, c, 2)
	first, ok := got[0].(connection.TransportError)
	if !ok || first.Category != connection.CategorySocket {
		t.Errorf("first event = %#v, want socket TransportError", got[0])
	}
	second, ok := got[1].(connection.TransportError)
	if !ok || second.Category != connection.CategoryTransport {
		t.Errorf("second event = %#v, want transport TransportError", got[1])
	}

	select {
	case ev := <-c.events:
		t.Errorf("unexpected extra event %#v", ev)
	default:
	}
}

func TestConnectionLost_AfterReconnectKeepsConnected(t *testing.T) {
	c := newTestClient(t)
	c.isOpen = func() bool { return true }
	status := &connection.Status{}
	h := connection.NewHandler(status, config.DefaultSubscribeTopic, nil, nil, slog.Default())

	// paho already reconnected when the stale loss callback runs
	c.onConnect(nil)
	c.onConnectionLost(nil, syscall.ECONNRESET)

	var kinds []string
	for _, ev := range collect(t, c, 4) {
		kinds = append(kinds, ev.Kind())
		h.Handle(ev)
	}
	want := []string{"connected", "transport_error", "disconnected", "connected"}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	if !status.Connected() {
		t.Fatalf("state = %v, want connected", status.Load())
	}
}
