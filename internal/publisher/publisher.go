package publisher

import (
	"fmt"
	"log/slog"
)

// Message is handed to the broker client. The client owns it after Publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Sender is the broker client's publish operation. It must not wait for
// acknowledgement; the returned id is zero for QoS 0.
type Sender interface {
	Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error)
}

// StateReader reports whether the broker connection is up.
type StateReader interface {
	Connected() bool
}

type ResultStatus int

const (
	// Skipped means the broker was not connected; nothing was sent.
	Skipped ResultStatus = iota
	// Queued means a QoS 0 message was handed to the client with no ack expected.
	Queued
	// Sent means a QoS 1/2 message was handed to the client; Ticket correlates the ack.
	Sent
	// Failed means the client refused the message.
	Failed
)

func (s ResultStatus) String() string {
	switch s {
	case Skipped:
		return "skipped"
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(s))
	}
}

// Result is for logging only; callers never branch on Ticket.
type Result struct {
	Status ResultStatus
	Ticket uint16
	Err    error
}

// Publisher forwards messages only while the broker is connected.
type Publisher struct {
	state  StateReader
	sender Sender
	logger *slog.Logger
}

func New(state StateReader, sender Sender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{state: state, sender: sender, logger: logger}
}

func (p *Publisher) Publish(msg Message) Result {
	if !p.state.Connected() {
		p.logger.Debug("publish skipped, broker not connected", "topic", msg.Topic)
		return Result{Status: Skipped}
	}

	id, err := p.sender.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	if err != nil {
		p.logger.Warn("publish failed", "topic", msg.Topic, "error", err)
		return Result{Status: Failed, Err: err}
	}
	if msg.QoS == 0 {
		return Result{Status: Queued}
	}
	return Result{Status: Sent, Ticket: id}
}
