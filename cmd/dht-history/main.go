// Command dht-history inspects and migrates the bridge's history journal
// without starting the bridge.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dht-bridge/internal/db"
	"dht-bridge/internal/db/migrate"
	"dht-bridge/internal/history"
)

const usage = `usage: %s <command> [limit]
  migrate         apply pending schema migrations
  readings [n]    print the n most recent readings as JSON lines (default 20)
  events [n]      print the n most recent connection events as JSON lines (default 20)
  commands [n]    print the n most recent received commands as JSON lines (default 20)
`

func main() {
	if err := run(context.Background(), os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf(usage, args[0])
	}

	dbPath := strings.TrimSpace(os.Getenv("HISTORY_DB_PATH"))
	if dbPath == "" {
		return fmt.Errorf("HISTORY_DB_PATH is not set")
	}

	conn, err := db.Open(dbPath, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	limit := 20
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[2])
		}
		limit = n
	}

	repo := history.NewRepository(conn)
	enc := json.NewEncoder(out)

	switch args[1] {
	case "migrate":
		applied, err := migrate.Run(ctx, conn, slog.Default())
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		_, err = fmt.Fprintf(out, "migrations applied: %d\n", len(applied))
		return err
	case "readings":
		rows, err := repo.LatestReadings(ctx, limit)
		if err != nil {
			return fmt.Errorf("readings: %w", err)
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case "events":
		rows, err := repo.LatestEvents(ctx, limit)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		for _, e := range rows {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case "commands":
		rows, err := repo.LatestCommands(ctx, limit)
		if err != nil {
			return fmt.Errorf("commands: %w", err)
		}
		for _, c := range rows {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[1])
	}
}
