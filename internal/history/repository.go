// Package history journals sampling cycles, connection transitions and
// received commands to SQLite. Nothing here is replayed to the broker.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/insert-event.sql
var insertEventSQL string

//go:embed sql/insert-command.sql
var insertCommandSQL string

//go:embed sql/get-latest-readings.sql
var getLatestReadingsSQL string

//go:embed sql/get-latest-events.sql
var getLatestEventsSQL string

//go:embed sql/get-latest-commands.sql
var getLatestCommandsSQL string

//go:embed sql/prune-readings.sql
var pruneReadingsSQL string

//go:embed sql/prune-events.sql
var pruneEventsSQL string

//go:embed sql/prune-commands.sql
var pruneCommandsSQL string

type ReadingRow struct {
	ID          int64     `json:"id"`
	BootID      string    `json:"boot_id"`
	TakenAt     time.Time `json:"taken_at"`
	Status      string    `json:"status"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	Attempted   bool      `json:"attempted"`
	Result      string    `json:"result,omitempty"`
	MsgID       *int64    `json:"msg_id,omitempty"`
}

type EventRow struct {
	ID       int64     `json:"id"`
	BootID   string    `json:"boot_id"`
	At       time.Time `json:"ts"`
	Kind     string    `json:"kind"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Category string    `json:"category,omitempty"`
	Code     *int64    `json:"code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

type CommandRow struct {
	ID         int64     `json:"id"`
	BootID     string    `json:"boot_id"`
	ReceivedAt time.Time `json:"received_at"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
}

type Repository interface {
	InsertReading(ctx context.Context, r ReadingRow) error
	InsertEvent(ctx context.Context, e EventRow) error
	InsertCommand(ctx context.Context, c CommandRow) error
	LatestReadings(ctx context.Context, limit int) ([]ReadingRow, error)
	LatestEvents(ctx context.Context, limit int) ([]EventRow, error)
	LatestCommands(ctx context.Context, limit int) ([]CommandRow, error)
	// Prune deletes rows recorded before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) InsertReading(ctx context.Context, row ReadingRow) error {
	_, err := r.db.ExecContext(ctx, insertReadingSQL,
		row.BootID,
		formatTime(row.TakenAt),
		row.Status,
		nullFloat(row.Temperature),
		nullFloat(row.Humidity),
		row.Attempted,
		nullString(row.Result),
		nullInt(row.MsgID),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (r *repositoryImpl) InsertEvent(ctx context.Context, e EventRow) error {
	_, err := r.db.ExecContext(ctx, insertEventSQL,
		e.BootID,
		formatTime(e.At),
		e.Kind,
		e.From,
		e.To,
		nullString(e.Category),
		nullInt(e.Code),
		nullString(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *repositoryImpl) InsertCommand(ctx context.Context, c CommandRow) error {
	payload := c.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.db.ExecContext(ctx, insertCommandSQL, c.BootID, formatTime(c.ReceivedAt), c.Topic, payload)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// LatestReadings returns up to limit rows, newest first.
func (r *repositoryImpl) LatestReadings(ctx context.Context, limit int) ([]ReadingRow, error) {
	rows, err := r.db.QueryContext(ctx, getLatestReadingsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()

	out := []ReadingRow{}
	for rows.Next() {
		var (
			rec    ReadingRow
			ts     string
			temp   sql.NullFloat64
			hum    sql.NullFloat64
			result sql.NullString
			msgID  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.BootID, &ts, &rec.Status, &temp, &hum, &rec.Attempted, &result, &msgID); err != nil {
			return nil, err
		}
		if rec.TakenAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		rec.Temperature = floatPtr(temp)
		rec.Humidity = floatPtr(hum)
		rec.Result = result.String
		rec.MsgID = intPtr(msgID)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestEvents returns up to limit connection events, newest first.
func (r *repositoryImpl) LatestEvents(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, getLatestEventsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close events rows", "error", err)
		}
	}()

	out := []EventRow{}
	for rows.Next() {
		var (
			e        EventRow
			ts       string
			category sql.NullString
			code     sql.NullInt64
			detail   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BootID, &ts, &e.Kind, &e.From, &e.To, &category, &code, &detail); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Category = category.String
		e.Code = intPtr(code)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestCommands returns up to limit received commands, newest first.
func (r *repositoryImpl) LatestCommands(ctx context.Context, limit int) ([]CommandRow, error) {
	rows, err := r.db.QueryContext(ctx, getLatestCommandsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close commands rows", "error", err)
		}
	}()

	out := []CommandRow{}
	for rows.Next() {
		var (
			c  CommandRow
			ts string
		)
		if err := rows.Scan(&c.ID, &c.BootID, &ts, &c.Topic, &c.Payload); err != nil {
			return nil, err
		}
		if c.ReceivedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Prune(ctx context.Context, cutoff time.Time) (n int64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	at := formatTime(cutoff)
	for _, stmt := range []string{pruneReadingsSQL, pruneEventsSQL, pruneCommandsSQL} {
		res, err := tx.ExecContext(ctx, stmt, at)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
