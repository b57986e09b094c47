// Package httpapi serves the bridge's local status endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"dht-bridge/internal/connection"
	"dht-bridge/internal/history"
	"dht-bridge/internal/sensor"
)

type StateReader interface {
	Load() connection.State
}

type ErrorReader interface {
	LastError() (connection.TransportError, bool)
}

type ReadingReader interface {
	Last() (sensor.Reading, bool)
}

// Deps are the read-only views the handlers expose. History may be nil
// when the journal is disabled.
type Deps struct {
	BootID   string
	Version  string
	State    StateReader
	Errors   ErrorReader
	Readings ReadingReader
	History  history.Repository
	Dropped  func() uint64
}

func NewMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	api := &statusAPI{deps: deps, started: time.Now()}
	mux.HandleFunc("GET /healthz", api.handleHealthz)
	mux.HandleFunc("GET /api/v1/readings", api.handleReadings)
	mux.HandleFunc("GET /api/v1/events", api.handleEvents)
	mux.HandleFunc("GET /api/v1/commands", api.handleCommands)
	return mux
}

func NewServer(addr string, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
