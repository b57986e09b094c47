// Package sampler runs the periodic sensor → publish cycle.
package sampler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"dht-bridge/internal/payload"
	"dht-bridge/internal/publisher"
	"dht-bridge/internal/sensor"
)

type Publisher interface {
	Publish(msg publisher.Message) publisher.Result
}

// Journal is told about every cycle. Implementations must not block.
type Journal interface {
	RecordCycle(o Outcome)
}

type Options struct {
	Topic    string
	Format   payload.Format
	Interval time.Duration
}

// Outcome describes one cycle. Attempted is false when no message was built.
type Outcome struct {
	Reading   sensor.Reading
	Attempted bool
	Result    publisher.Result
}

// Loop owns the sensor. Gaps are measured from the end of one read to the
// start of the next, so two start signals are never closer than the floor.
type Loop struct {
	reader   sensor.Reader
	pub      Publisher
	journal  Journal
	topic    string
	format   payload.Format
	floor    time.Duration
	interval time.Duration
	logger   *slog.Logger

	lastDone time.Time
	last     atomic.Pointer[sensor.Reading]
}

// New clamps opts.Interval up to the reader's MinInterval. journal may be nil.
func New(reader sensor.Reader, pub Publisher, journal Journal, opts Options, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	floor := reader.MinInterval()
	interval := opts.Interval
	if interval < floor {
		logger.Warn("sampling interval below sensor floor, clamping",
			"configured", interval,
			"floor", floor,
		)
		interval = floor
	}
	return &Loop{
		reader:   reader,
		pub:      pub,
		journal:  journal,
		topic:    opts.Topic,
		format:   opts.Format,
		floor:    floor,
		interval: interval,
		logger:   logger,
	}
}

func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Last returns the most recent reading, whatever its status.
func (l *Loop) Last() (sensor.Reading, bool) {
	r := l.last.Load()
	if r == nil {
		return sensor.Reading{}, false
	}
	return *r, true
}

// Run executes cycles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("starting sampling loop",
		"topic", l.topic,
		"interval", l.interval,
		"floor", l.floor,
		"format", l.format.String(),
	)
	for {
		if err := l.pace(ctx, l.interval); err != nil {
			return err
		}
		l.RunCycle(ctx)
	}
}

// RunCycle takes one reading and publishes it when valid. It waits first
// if the previous read finished less than the sensor floor ago.
func (l *Loop) RunCycle(ctx context.Context) Outcome {
	if err := l.pace(ctx, l.floor); err != nil {
		return Outcome{Reading: sensor.Reading{Status: sensor.StatusNotReady, TakenAt: time.Now()}}
	}

	l.logger.Debug("reading sensor")
	reading := l.reader.Read(ctx)
	l.lastDone = time.Now()
	l.last.Store(&reading)

	out := Outcome{Reading: reading}
	defer func() {
		if l.journal != nil {
			l.journal.RecordCycle(out)
		}
	}()

	if !reading.OK() {
		l.logger.Warn("sensor read failed, skipping publish", "status", reading.Status.String())
		return out
	}

	body, err := payload.Encode(l.format, reading.Temperature, reading.Humidity)
	if err != nil {
		l.logger.Warn("reading not encodable, skipping publish",
			"temperature", reading.Temperature,
			"humidity", reading.Humidity,
			"error", err,
		)
		return out
	}

	out.Attempted = true
	out.Result = l.pub.Publish(publisher.Message{
		Topic:   l.topic,
		Payload: body,
		QoS:     0,
		Retain:  false,
	})
	l.logger.Info("reading published",
		"result", out.Result.Status.String(),
		"msg_id", out.Result.Ticket,
		"msg", string(body),
	)
	return out
}

// pace blocks until gap has passed since the last read finished. Timers
// may fire late but the deadline is re-checked, so never early.
func (l *Loop) pace(ctx context.Context, gap time.Duration) error {
	if l.lastDone.IsZero() {
		return ctx.Err()
	}
	deadline := l.lastDone.Add(gap)
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
