package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// tracingConnector opens sqlite3 connections whose prepared statements
// report SQL, arguments and duration. Statements slower than slow are
// logged at warn, everything else at debug.
type tracingConnector struct {
	dsn    string
	slow   time.Duration
	logger *slog.Logger
	driver *sqlite3.SQLiteDriver
}

type tracingConn struct {
	conn driver.Conn
	c    *tracingConnector
}

type tracingStmt struct {
	stmt  driver.Stmt
	query string
	c     *tracingConnector
}

// NewTracingConnector returns a connector for sql.OpenDB. A nil logger
// uses slog.Default(); slow <= 0 disables the warn threshold.
func NewTracingConnector(dsn string, logger *slog.Logger, slow time.Duration) driver.Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracingConnector{dsn: dsn, slow: slow, logger: logger, driver: &sqlite3.SQLiteDriver{}}
}

func (c *tracingConnector) Driver() driver.Driver {
	return c.driver
}

func (c *tracingConnector) Connect(_ context.Context) (driver.Conn, error) {
	conn, err := c.driver.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &tracingConn{conn: conn, c: c}, nil
}

func (c *tracingConnector) trace(op, query string, args []driver.NamedValue, start time.Time, err error) {
	if errors.Is(err, driver.ErrSkip) {
		return
	}
	elapsed := time.Since(start)
	level := slog.LevelDebug
	if err != nil || (c.slow > 0 && elapsed >= c.slow) {
		level = slog.LevelWarn
	}
	attrs := []any{
		"op", op,
		"sql", query,
		"args", formatArgs(args),
		"duration_ms", elapsed.Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	c.logger.Log(context.Background(), level, "sql", attrs...)
}

func (tc *tracingConn) Prepare(query string) (driver.Stmt, error) {
	return tc.PrepareContext(context.Background(), query)
}

func (tc *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		stmt driver.Stmt
		err  error
	)
	if prep, ok := tc.conn.(driver.ConnPrepareContext); ok {
		stmt, err = prep.PrepareContext(ctx, query)
	} else {
		stmt, err = tc.conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &tracingStmt{stmt: stmt, query: query, c: tc.c}, nil
}

// ExecContext lets database/sql skip the prepare path, which would run only
// the first statement of a multi-statement script.
func (tc *tracingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := tc.conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	res, err := ec.ExecContext(ctx, query, args)
	tc.c.trace("exec", query, args, start, err)
	return res, err
}

func (tc *tracingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := tc.conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	rows, err := qc.QueryContext(ctx, query, args)
	tc.c.trace("query", query, args, start, err)
	return rows, err
}

func (tc *tracingConn) Close() error {
	return tc.conn.Close()
}

func (tc *tracingConn) Begin() (driver.Tx, error) {
	return tc.BeginTx(context.Background(), driver.TxOptions{})
}

func (tc *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if b, ok := tc.conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	//nolint:staticcheck // SA1019 – fallback when underlying conn does not implement ConnBeginTx
	return tc.conn.Begin()
}

func (s *tracingStmt) Close() error {
	return s.stmt.Close()
}

func (s *tracingStmt) NumInput() int {
	return s.stmt.NumInput()
}

func (s *tracingStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), toNamed(args))
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		//nolint:staticcheck // SA1019 – fallback when underlying stmt does not implement StmtExecContext
		res, err = s.stmt.Exec(toValues(args))
	}
	s.c.trace("exec", s.query, args, start, err)
	return res, err
}

func (s *tracingStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), toNamed(args))
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		//nolint:staticcheck // SA1019 – fallback when underlying stmt does not implement StmtQueryContext
		rows, err = s.stmt.Query(toValues(args))
	}
	s.c.trace("query", s.query, args, start, err)
	return rows, err
}

func toNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func toValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i := range args {
		out[i] = args[i].Value
	}
	return out
}

func formatArgs(args []driver.NamedValue) []string {
	out := make([]string, len(args))
	for i, a := range args {
		v := formatArg(a.Value)
		if a.Name != "" {
			v = a.Name + "=" + v
		}
		out[i] = v
	}
	return out
}

func formatArg(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if len(t) > 32 {
			return fmt.Sprintf("<%d bytes>", len(t))
		}
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
