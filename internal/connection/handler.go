package connection

import (
	"log/slog"
	"sync/atomic"
	"syscall"
)

// CommandInterpreter receives payloads published on the subscribe topic.
// Execute must not block.
type CommandInterpreter interface {
	Execute(topic string, payload []byte)
}

// Journal is told about every handled event. Implementations must not block.
type Journal interface {
	RecordEvent(ev Event, from, to State)
}

// Handler applies broker events to Status. It is not safe for concurrent
// use; the broker client delivers events from a single goroutine.
type Handler struct {
	status         *Status
	subscribeTopic string
	commands       CommandInterpreter
	journal        Journal
	logger         *slog.Logger

	lastErr atomic.Pointer[TransportError]
}

// NewHandler returns a handler writing to status. commands and journal may be nil.
func NewHandler(status *Status, subscribeTopic string, commands CommandInterpreter, journal Journal, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		status:         status,
		subscribeTopic: subscribeTopic,
		commands:       commands,
		journal:        journal,
		logger:         logger,
	}
}

// LastError returns the most recent transport error, if any.
func (h *Handler) LastError() (TransportError, bool) {
	e := h.lastErr.Load()
	if e == nil {
		return TransportError{}, false
	}
	return *e, true
}

// Handle applies ev and returns the resulting state.
func (h *Handler) Handle(ev Event) State {
	from := h.status.Load()
	to := from

	switch e := ev.(type) {
	case Connected:
		to = StateConnected
		if from == StateConnected {
			h.logger.Debug("mqtt connected event while already connected")
		} else {
			h.logger.Info("mqtt connected", "previous_state", from.String())
		}

	case Disconnected:
		switch from {
		case StateConnected:
			to = StateDisconnected
			h.logger.Info("mqtt disconnected")
		case StateError:
			h.logger.Info("mqtt disconnected after transport error", "state", from.String())
		default:
			h.anomaly(ev, from)
		}

	case TransportError:
		to = StateError
		h.lastErr.Store(&e)
		h.logTransportError(e)

	case SubscribeAck:
		if h.accepts(ev, from) {
			h.logger.Info("mqtt subscribed", "msg_id", e.ID)
		}

	case PublishAck:
		if h.accepts(ev, from) {
			h.logger.Info("mqtt published", "msg_id", e.ID)
		}

	case DataReceived:
		if h.accepts(ev, from) {
			h.handleData(e)
		}
	}

	if to != from {
		h.status.store(to)
	}
	if h.journal != nil {
		h.journal.RecordEvent(ev, from, to)
	}
	return to
}

func (h *Handler) accepts(ev Event, from State) bool {
	if from == StateConnected {
		return true
	}
	h.anomaly(ev, from)
	return false
}

func (h *Handler) anomaly(ev Event, from State) {
	h.logger.Warn("mqtt event unexpected in current state",
		"event", ev.Kind(),
		"state", from.String(),
	)
}

func (h *Handler) handleData(e DataReceived) {
	h.logger.Info("mqtt data", "topic", e.Topic, "size", len(e.Payload))

	if e.Topic != h.subscribeTopic {
		h.logger.Warn("mqtt data on unexpected topic discarded", "topic", e.Topic)
		return
	}
	if h.commands == nil {
		h.logger.Debug("no command interpreter, command dropped", "topic", e.Topic)
		return
	}
	h.commands.Execute(e.Topic, e.Payload)
}

func (h *Handler) logTransportError(e TransportError) {
	attrs := []any{
		"category", e.Category.String(),
		"remediation", e.Category.Remediation(),
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	switch e.Category {
	case CategorySecurity:
		h.logger.Error("mqtt tls failure", attrs...)
	case CategorySocket:
		attrs = append(attrs,
			"errno", e.Code,
			"errno_text", syscall.Errno(e.Code).Error(),
		)
		h.logger.Error("mqtt socket failure", attrs...)
	default:
		h.logger.Warn("mqtt transport failure", attrs...)
	}
}
