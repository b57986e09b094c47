package history

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"dht-bridge/internal/commands"
	"dht-bridge/internal/connection"
	"dht-bridge/internal/publisher"
	"dht-bridge/internal/sampler"
)

const DefaultQueueSize = 256

// PruneInterval is how often Run deletes rows older than the retention.
const PruneInterval = time.Hour

type write func(ctx context.Context, repo Repository) error

// Recorder queues journal writes so callers on the sampling and event
// paths never wait on disk. When the queue is full entries are dropped
// and counted. A nil *Recorder accepts and discards everything.
type Recorder struct {
	repo    Repository
	bootID  string
	queue   chan write
	dropped atomic.Uint64
	written atomic.Uint64
	logger  *slog.Logger
	now     func() time.Time

	retention time.Duration
}

func NewRecorder(repo Repository, bootID string, size int, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:   repo,
		bootID: bootID,
		queue:  make(chan write, size),
		logger: logger,
		now:    time.Now,
	}
}

// SetRetention makes Run delete rows older than keep, once at start and
// then every PruneInterval. Zero disables pruning. Call before Run.
func (r *Recorder) SetRetention(keep time.Duration) {
	r.retention = keep
}

// Run writes queued entries until ctx is done, then flushes what is
// already queued.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("history recorder started", "queue", cap(r.queue), "retention", r.retention.String())

	var prune <-chan time.Time
	if r.retention > 0 {
		r.prune(ctx)
		ticker := time.NewTicker(PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case w := <-r.queue:
			r.apply(ctx, w)
		case <-prune:
			r.prune(ctx)
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.repo.Prune(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("history prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Info("history pruned", "rows", n, "before", cutoff)
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case w := <-r.queue:
			r.apply(ctx, w)
		default:
			r.logger.Info("history recorder stopped",
				"written", r.written.Load(),
				"dropped", r.dropped.Load(),
			)
			return
		}
	}
}

func (r *Recorder) apply(ctx context.Context, w write) {
	if err := w(ctx, r.repo); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Warn("history write failed", "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) enqueue(w write) {
	select {
	case r.queue <- w:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("history queue full, dropping entries", "dropped", n)
		}
	}
}

// Dropped counts entries discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// RecordCycle implements sampler.Journal.
func (r *Recorder) RecordCycle(o sampler.Outcome) {
	if r == nil {
		return
	}
	row := ReadingRow{
		BootID:    r.bootID,
		TakenAt:   o.Reading.TakenAt,
		Status:    o.Reading.Status.String(),
		Attempted: o.Attempted,
	}
	if row.TakenAt.IsZero() {
		row.TakenAt = r.now()
	}
	if o.Reading.OK() {
		t, h := o.Reading.Temperature, o.Reading.Humidity
		row.Temperature, row.Humidity = &t, &h
	}
	if o.Attempted {
		row.Result = o.Result.Status.String()
		if o.Result.Status == publisher.Sent {
			id := int64(o.Result.Ticket)
			row.MsgID = &id
		}
	}
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.InsertReading(ctx, row)
	})
}

// RecordEvent implements connection.Journal.
func (r *Recorder) RecordEvent(ev connection.Event, from, to connection.State) {
	if r == nil {
		return
	}
	row := EventRow{
		BootID: r.bootID,
		At:     r.now(),
		Kind:   ev.Kind(),
		From:   from.String(),
		To:     to.String(),
	}
	switch e := ev.(type) {
	case connection.TransportError:
		row.Category = e.Category.String()
		if e.Code != 0 {
			code := int64(e.Code)
			row.Code = &code
		}
		if e.Err != nil {
			row.Detail = e.Err.Error()
		}
	case connection.SubscribeAck:
		id := int64(e.ID)
		row.Code = &id
	case connection.PublishAck:
		id := int64(e.ID)
		row.Code = &id
	case connection.DataReceived:
		row.Detail = e.Topic
	}
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.InsertEvent(ctx, row)
	})
}

// RecordCommand implements commands.Recorder.
func (r *Recorder) RecordCommand(c commands.Command) {
	if r == nil {
		return
	}
	row := CommandRow{
		BootID:     r.bootID,
		ReceivedAt: c.ReceivedAt,
		Topic:      c.Topic,
		Payload:    c.Payload,
	}
	r.enqueue(func(ctx context.Context, repo Repository) error {
		return repo.InsertCommand(ctx, row)
	})
}
