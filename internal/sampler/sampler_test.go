package sampler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"dht-bridge/internal/connection"
	"dht-bridge/internal/payload"
	"dht-bridge/internal/publisher"
	"dht-bridge/internal/sensor"
)

const publishTopic = "temp-humidity/mqtt/esp32/publish"

type fakeReader struct {
	mu       sync.Mutex
	readings []sensor.Reading
	starts   []time.Time
	floor    time.Duration
}

func (f *fakeReader) Read(_ context.Context) sensor.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, time.Now())
	i := len(f.starts) - 1
	if i >= len(f.readings) {
		i = len(f.readings) - 1
	}
	return f.readings[i]
}

func (f *fakeReader) MinInterval() time.Duration { return f.floor }

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) readStarts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

type countingPublisher struct {
	mu   sync.Mutex
	msgs []publisher.Message
}

func (c *countingPublisher) Publish(msg publisher.Message) publisher.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return publisher.Result{Status: publisher.Queued}
}

func (c *countingPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type fakeSender struct {
	sent []publisher.Message
}

func (f *fakeSender) Publish(topic string, body []byte, qos byte, retain bool) (uint16, error) {
	f.sent = append(f.sent, publisher.Message{Topic: topic, Payload: body, QoS: qos, Retain: retain})
	return 0, nil
}

type sliceJournal struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (j *sliceJournal) RecordCycle(o Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
}

func okReading(t, h float64) sensor.Reading {
	return sensor.Reading{Temperature: t, Humidity: h, Status: sensor.StatusOK, TakenAt: time.Now()}
}

func failed(s sensor.Status) sensor.Reading {
	return sensor.Reading{Status: s, TakenAt: time.Now()}
}

func opts(interval time.Duration) Options {
	return Options{Topic: publishTopic, Format: payload.FormatCompact, Interval: interval}
}

func TestRunCycle_FaultsNeverPublish(t *testing.T) {
	for _, st := range []sensor.Status{sensor.StatusTimeout, sensor.StatusChecksumError, sensor.StatusNotReady} {
		t.Run(st.String(), func(t *testing.T) {
			reader := &fakeReader{readings: []sensor.Reading{failed(st)}}
			pub := &countingPublisher{}
			loop := New(reader, pub, nil, opts(0), slog.Default())

			out := loop.RunCycle(context.Background())

			if out.Attempted {
				t.Fatal("Attempted = true for a failed reading")
			}
			if pub.count() != 0 {
				t.Fatalf("publisher called %d times, want 0", pub.count())
			}
			if out.Reading.Status != st {
				t.Errorf("Reading.Status = %v, want %v", out.Reading.Status, st)
			}
		})
	}
}

func TestRunCycle_PublishesConnectedReading(t *testing.T) {
	status := &connection.Status{}
	connection.NewHandler(status, "", nil, nil, slog.Default()).Handle(connection.Connected{})
	sender := &fakeSender{}
	pub := publisher.New(status, sender, slog.Default())

	reader := &fakeReader{readings: []sensor.Reading{okReading(23.4, 55.2)}}
	loop := New(reader, pub, nil, opts(0), slog.Default())

	out := loop.RunCycle(context.Background())

	if !out.Attempted || out.Result.Status != publisher.Queued {
		t.Fatalf("Outcome = %+v, want attempted and queued", out)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.Topic != publishTopic {
		t.Errorf("Topic = %q, want %q", got.Topic, publishTopic)
	}
	if string(got.Payload) != "{temp:23.4, humidity:55.2}" {
		t.Errorf("Payload = %q", got.Payload)
	}
	if got.QoS != 0 || got.Retain {
		t.Errorf("QoS = %d Retain = %v, want 0 false", got.QoS, got.Retain)
	}
}

func TestRunCycle_SkippedWhileDisconnected(t *testing.T) {
	sender := &fakeSender{}
	pub := publisher.New(&connection.Status{}, sender, slog.Default())
	reader := &fakeReader{readings: []sensor.Reading{okReading(20, 40)}}
	loop := New(reader, pub, nil, opts(0), slog.Default())

	out := loop.RunCycle(context.Background())

	if !out.Attempted || out.Result.Status != publisher.Skipped {
		t.Fatalf("Outcome = %+v, want attempted and skipped", out)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sender called %d times, want 0", len(sender.sent))
	}
}

func TestRunCycle_NonFiniteReadingNotPublished(t *testing.T) {
	reader := &fakeReader{readings: []sensor.Reading{okReading(math.Inf(1), 50)}}
	pub := &countingPublisher{}
	loop := New(reader, pub, nil, opts(0), slog.Default())

	if out := loop.RunCycle(context.Background()); out.Attempted {
		t.Fatal("Attempted = true for a non-finite reading")
	}
	if pub.count() != 0 {
		t.Fatalf("publisher called %d times, want 0", pub.count())
	}
}

func TestRunCycle_RespectsFloor(t *testing.T) {
	const floor = 30 * time.Millisecond
	reader := &fakeReader{readings: []sensor.Reading{okReading(20, 40)}, floor: floor}
	loop := New(reader, &countingPublisher{}, nil, opts(0), slog.Default())

	for range 4 {
		loop.RunCycle(context.Background())
	}

	starts := reader.readStarts()
	if len(starts) != 4 {
		t.Fatalf("reads = %d, want 4", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < floor {
			t.Errorf("gap between read %d and %d = %v, want >= %v", i-1, i, gap, floor)
		}
	}
}

func TestNew_ClampsIntervalToFloor(t *testing.T) {
	reader := &fakeReader{readings: []sensor.Reading{okReading(20, 40)}, floor: 2 * time.Second}

	if got := New(reader, &countingPublisher{}, nil, opts(500*time.Millisecond), slog.Default()).Interval(); got != 2*time.Second {
		t.Errorf("Interval() = %v, want 2s", got)
	}
	if got := New(reader, &countingPublisher{}, nil, opts(5*time.Second), slog.Default()).Interval(); got != 5*time.Second {
		t.Errorf("Interval() = %v, want 5s", got)
	}
}

func TestRun_ContinuesAfterTimeout(t *testing.T) {
	const interval = 20 * time.Millisecond
	reader := &fakeReader{
		readings: []sensor.Reading{failed(sensor.StatusTimeout), okReading(21, 45)},
		floor:    interval,
	}
	pub := &countingPublisher{}
	journal := &sliceJournal{}
	loop := New(reader, pub, journal, opts(interval), slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*interval)
	defer cancel()

	err := loop.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	starts := reader.readStarts()
	if len(starts) < 2 {
		t.Fatalf("reads = %d, want at least 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < interval {
		t.Errorf("second cycle started %v after the first, want >= %v", gap, interval)
	}
	if pub.count() != len(starts)-1 {
		t.Errorf("publishes = %d, want %d", pub.count(), len(starts)-1)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.outcomes) != len(starts) {
		t.Fatalf("journal outcomes = %d, want %d", len(journal.outcomes), len(starts))
	}
	if journal.outcomes[0].Attempted {
		t.Error("first outcome attempted despite timeout")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	reader := &fakeReader{readings: []sensor.Reading{okReading(20, 40)}, floor: time.Hour}
	loop := New(reader, &countingPublisher{}, nil, opts(time.Hour), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := len(reader.readStarts()); n != 1 {
		t.Errorf("reads = %d, want 1", n)
	}
}

func TestLast(t *testing.T) {
	reader := &fakeReader{readings: []sensor.Reading{failed(sensor.StatusChecksumError)}}
	loop := New(reader, &countingPublisher{}, nil, opts(0), slog.Default())

	if _, ok := loop.Last(); ok {
		t.Fatal("Last() ok = true before any cycle")
	}
	loop.RunCycle(context.Background())
	got, ok := loop.Last()
	if !ok || got.Status != sensor.StatusChecksumError {
		t.Fatalf("Last() = %+v, %v", got, ok)
	}
}
