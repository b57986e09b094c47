// Package commands receives payloads published to the bridge's subscribe
// topic. Payloads are opaque: they are logged and journaled, never acted on.
package commands

import (
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const previewLen = 64

type Command struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Recorder persists commands. RecordCommand must not block.
type Recorder interface {
	RecordCommand(c Command)
}

type Interpreter struct {
	recorder Recorder
	logger   *slog.Logger
	received atomic.Uint64
	now      func() time.Time
}

// New returns an interpreter. recorder may be nil.
func New(recorder Recorder, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{recorder: recorder, logger: logger, now: time.Now}
}

// Execute implements connection.CommandInterpreter.
func (i *Interpreter) Execute(topic string, payload []byte) {
	n := i.received.Add(1)
	i.logger.Info("command received",
		"topic", topic,
		"bytes", len(payload),
		"seq", n,
		"payload", preview(payload),
	)
	if i.recorder == nil {
		return
	}
	i.recorder.RecordCommand(Command{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: i.now(),
	})
}

// Received counts commands seen since start.
func (i *Interpreter) Received() uint64 {
	return i.received.Load()
}

// preview renders at most previewLen bytes; binary payloads are hex encoded.
func preview(b []byte) string {
	trunc := len(b) > previewLen
	if trunc {
		b = b[:previewLen]
	}
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else {
		s = "0x" + bytesToHex(b)
	}
	if trunc {
		s += "…"
	}
	return s
}

func bytesToHex(b []byte) string {
	const hexd = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}
