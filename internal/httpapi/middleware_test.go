package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func attrs(r slog.Record) map[string]slog.Value {
	out := map[string]slog.Value{}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value
		return true
	})
	return out
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel slog.Level
	}{
		{name: "api read", path: "/api/v1/readings", status: http.StatusOK, wantLevel: slog.LevelInfo},
		{name: "health poll", path: "/healthz", status: http.StatusOK, wantLevel: slog.LevelDebug},
		{name: "server error", path: "/api/v1/events", status: http.StatusInternalServerError, wantLevel: slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &captureHandler{}
			h := requestLogger(slog.New(logs), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hello"))
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path+"?limit=5", nil)
			req.RemoteAddr = "192.0.2.7:51234"
			h.ServeHTTP(httptest.NewRecorder(), req)

			if len(logs.records) != 1 {
				t.Fatalf("records = %d, want 1", len(logs.records))
			}
			rec := logs.records[0]
			if rec.Level != tt.wantLevel {
				t.Errorf("level = %v, want %v", rec.Level, tt.wantLevel)
			}
			got := attrs(rec)
			if got["status"].Int64() != int64(tt.status) {
				t.Errorf("status = %v, want %d", got["status"], tt.status)
			}
			if got["bytes"].Int64() != 5 {
				t.Errorf("bytes = %v, want 5", got["bytes"])
			}
			if got["remote_addr"].String() != "192.0.2.7:51234" {
				t.Errorf("remote_addr = %v", got["remote_addr"])
			}
			if got["query"].String() != "limit=5" {
				t.Errorf("query = %v", got["query"])
			}
		})
	}
}
