package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autotest/internal/autotest/runner"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type fixedStatus struct {
	snap runner.StatusSnapshot
}

func (f fixedStatus) Snapshot() runner.StatusSnapshot {
	return f.snap
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "autotest_test_runs_total", Help: "runs"})
	reg.MustRegister(runs)
	runs.Inc()
	status := fixedStatus{snap: runner.StatusSnapshot{RunID: 5, State: "running", BusySlots: 2, TotalSlots: 4, Runs: 1}}
	kinds := runner.NewRegistry(runner.NewSimple(nil))
	return NewRouter(status, kinds, reg)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("expected trace id header")
	}
}

func TestStatus(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Trace-Id", "trace-1")
	router.ServeHTTP(w, req)

	var body struct {
		Data    runner.StatusSnapshot `json:"data"`
		TraceID string                `json:"trace_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if body.Data.RunID != 5 || body.Data.State != "running" || body.Data.BusySlots != 2 || body.Data.TotalSlots != 4 {
		t.Fatalf("unexpected status %+v", body.Data)
	}
	if body.TraceID != "trace-1" {
		t.Fatalf("expected trace id to be echoed, got %q", body.TraceID)
	}
}

func TestMetrics(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "autotest_test_runs_total 1") {
		t.Fatalf("unexpected metrics response %d: %s", w.Code, w.Body.String())
	}
}

func TestRunnerKinds(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "list", path: "/runners", status: http.StatusOK, body: `"kinds":["simple_runner"]`},
		{name: "known", path: "/runners/simple_runner", status: http.StatusOK, body: `"kind":"simple_runner"`},
		{name: "unknown", path: "/runners/cobol_runner", status: http.StatusNotFound, body: `unknown runner kind`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if !strings.Contains(w.Body.String(), tc.body) {
				t.Fatalf("expected body to contain %s, got %s", tc.body, w.Body.String())
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	router := newTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServeDisabled(t *testing.T) {
	if err := Serve(context.Background(), Config{}, http.NotFoundHandler()); err != nil {
		t.Fatalf("disabled server should return nil, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, Config{Addr: "127.0.0.1:0"}, http.NotFoundHandler())
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}
