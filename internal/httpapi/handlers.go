package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dht-bridge/internal/connection"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

type statusAPI struct {
	deps    Deps
	started time.Time
}

type errorView struct {
	Category    string `json:"category"`
	Remediation string `json:"remediation"`
	Code        int    `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

type readingView struct {
	Status      string    `json:"status"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	TakenAt     time.Time `json:"taken_at"`
}

type healthView struct {
	Status        string       `json:"status"`
	MQTT          string       `json:"mqtt"`
	BootID        string       `json:"boot_id"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_s"`
	LastError     *errorView   `json:"last_error,omitempty"`
	LastReading   *readingView `json:"last_reading,omitempty"`
	JournalDrops  *uint64      `json:"journal_dropped,omitempty"`
}

// handleHealthz always answers 200 while the process is up; status is
// "degraded" whenever the broker session is not established.
func (a *statusAPI) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := connection.StateDisconnected
	if a.deps.State != nil {
		state = a.deps.State.Load()
	}
	body := healthView{
		Status:        "ok",
		MQTT:          state.String(),
		BootID:        a.deps.BootID,
		Version:       a.deps.Version,
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
	}
	if state != connection.StateConnected {
		body.Status = "degraded"
	}
	if a.deps.Errors != nil {
		if te, ok := a.deps.Errors.LastError(); ok {
			ev := &errorView{
				Category:    te.Category.String(),
				Remediation: te.Category.Remediation(),
				Code:        te.Code,
			}
			if te.Err != nil {
				ev.Detail = te.Err.Error()
			}
			body.LastError = ev
		}
	}
	if a.deps.Readings != nil {
		if r, ok := a.deps.Readings.Last(); ok {
			rv := &readingView{Status: r.Status.String(), TakenAt: r.TakenAt}
			if r.OK() {
				t, h := r.Temperature, r.Humidity
				rv.Temperature, rv.Humidity = &t, &h
			}
			body.LastReading = rv
		}
	}
	if a.deps.Dropped != nil {
		n := a.deps.Dropped()
		body.JournalDrops = &n
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *statusAPI) handleReadings(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history journal disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := a.deps.History.LatestReadings(r.Context(), limit)
	if err != nil {
		slog.Error("failed to load readings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit": limit,
		"items": items,
	})
}

func (a *statusAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history journal disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := a.deps.History.LatestEvents(r.Context(), limit)
	if err != nil {
		slog.Error("failed to load events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit": limit,
		"items": items,
	})
}

func (a *statusAPI) handleCommands(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history journal disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := a.deps.History.LatestCommands(r.Context(), limit)
	if err != nil {
		slog.Error("failed to load commands", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit": limit,
		"items": items,
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
