package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"autotest/internal/autotest/model"
	appErr "autotest/pkg/errors"

	"github.com/gin-gonic/gin"
)

const instructionsJSON = `{
	"runner_id": "runner-secret",
	"run_id": 5,
	"auto_test_id": 9,
	"result_ids": [11, 12],
	"sets": [],
	"base_systems": [],
	"fixtures": [["data.txt", 3]],
	"setup_script": "",
	"heartbeat_interval": 10
}`

type fakeCoordinator struct {
	mu       sync.Mutex
	hasWork  bool
	requests []string
	headers  []http.Header
	bodies   []map[string]any
	stepID   int64
}

func (f *fakeCoordinator) record(c *gin.Context) {
	var body map[string]any
	_ = c.ShouldBindJSON(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c.Request.Method+" "+c.Request.URL.RequestURI())
	f.headers = append(f.headers, c.Request.Header.Clone())
	f.bodies = append(f.bodies, body)
}

func (f *fakeCoordinator) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v-internal/auto_tests")
	api.GET("/", func(c *gin.Context) {
		f.record(c)
		if c.GetHeader(HeaderPassword) != "global" || !f.hasWork {
			c.Status(http.StatusNoContent)
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(instructionsJSON))
	})
	api.PATCH("/:id/runs/:run", func(c *gin.Context) {
		f.record(c)
		c.JSON(http.StatusOK, gin.H{})
	})
	api.POST("/:id/runs/:run/heartbeats/", func(c *gin.Context) {
		f.record(c)
		c.Status(http.StatusNoContent)
	})
	api.POST("/:id/runs/:run/logs/", func(c *gin.Context) {
		f.record(c)
		c.JSON(http.StatusOK, gin.H{})
	})
	api.PATCH("/:id/results/:result", func(c *gin.Context) {
		f.record(c)
		if c.Param("result") == "404" {
			c.JSON(http.StatusNotFound, gin.H{"message": "no such result"})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	})
	api.PUT("/:id/results/:result/step_results/", func(c *gin.Context) {
		f.record(c)
		f.mu.Lock()
		f.stepID++
		id := f.stepID
		f.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"id": id})
	})
	return r
}

func newTestClient(t *testing.T, f *fakeCoordinator) *Client {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)
	return New(Endpoint{URL: srv.URL, Password: "global", Kind: "simple_runner"}, 5*time.Second)
}

func TestPollWork(t *testing.T) {
	f := &fakeCoordinator{}
	c := newTestClient(t, f)

	ins, err := c.PollWork(context.Background())
	if err != nil || ins != nil {
		t.Fatalf("expected no work, got %v %v", ins, err)
	}

	f.hasWork = true
	ins, err = c.PollWork(context.Background())
	if err != nil {
		t.Fatalf("PollWork failed: %v", err)
	}
	if ins.RunID != 5 || ins.AutoTestID != 9 || len(ins.ResultIDs) != 2 {
		t.Fatalf("unexpected instructions %+v", ins)
	}
	if ins.Fixtures[0].Name != "data.txt" || ins.Fixtures[0].ID != 3 {
		t.Fatalf("unexpected fixture %+v", ins.Fixtures[0])
	}
	if f.requests[0] != "GET /api/v-internal/auto_tests/?get=tests_to_run" {
		t.Fatalf("unexpected poll request %s", f.requests[0])
	}
}

func TestPollWorkUnreachable(t *testing.T) {
	c := New(Endpoint{URL: "http://127.0.0.1:1", Password: "global"}, time.Second)
	if _, err := c.PollWork(context.Background()); !appErr.Is(err, appErr.CoordinatorUnavailable) {
		t.Fatalf("expected CoordinatorUnavailable, got %v", err)
	}
}

func TestRunClientRequests(t *testing.T) {
	f := &fakeCoordinator{hasWork: true}
	c := newTestClient(t, f)
	ctx := context.Background()

	ins, err := c.PollWork(ctx)
	if err != nil {
		t.Fatalf("PollWork failed: %v", err)
	}
	run := c.ForRun(ins)

	if err := run.UpdateRunState(ctx, model.RunStarting); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}
	if err := run.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := run.PostLogs(ctx, []map[string]any{{"msg": "hi"}}); err != nil {
		t.Fatalf("PostLogs failed: %v", err)
	}
	stdout := "out"
	if err := run.UpdateResult(ctx, 11, model.ResultUpdate{SetupStdout: &stdout}); err != nil {
		t.Fatalf("UpdateResult failed: %v", err)
	}
	id, err := run.UpsertStepResult(ctx, 11, model.StepResult{StepID: 4, State: model.StepRunning, Log: map[string]any{}})
	if err != nil || id != 1 {
		t.Fatalf("UpsertStepResult = %d, %v", id, err)
	}

	want := []string{
		"GET /api/v-internal/auto_tests/?get=tests_to_run",
		"PATCH /api/v-internal/auto_tests/9/runs/5",
		"POST /api/v-internal/auto_tests/9/runs/5/heartbeats/",
		"POST /api/v-internal/auto_tests/9/runs/5/logs/",
		"PATCH /api/v-internal/auto_tests/9/results/11",
		"PUT /api/v-internal/auto_tests/9/results/11/step_results/",
	}
	if len(f.requests) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), f.requests)
	}
	for i := range want {
		if f.requests[i] != want[i] {
			t.Fatalf("request %d: expected %s, got %s", i, want[i], f.requests[i])
		}
	}
	for i, h := range f.headers[1:] {
		if h.Get(HeaderPassword) != "global" || h.Get(HeaderRunnerPassword) != "runner-secret" {
			t.Fatalf("request %d missing credentials: %v", i+1, h)
		}
	}
	if f.bodies[1]["state"] != "starting" {
		t.Fatalf("unexpected run state body %v", f.bodies[1])
	}
	if _, ok := f.bodies[4]["state"]; ok {
		t.Fatalf("result patch should omit state, got %v", f.bodies[4])
	}
	if f.bodies[4]["setup_stdout"] != "out" {
		t.Fatalf("unexpected result body %v", f.bodies[4])
	}
	if f.bodies[5]["auto_test_step_id"] != float64(4) {
		t.Fatalf("unexpected step body %v", f.bodies[5])
	}
	if _, ok := f.bodies[5]["id"]; ok {
		t.Fatalf("new step result should not carry an id")
	}
}

func TestRunClientRejected(t *testing.T) {
	f := &fakeCoordinator{hasWork: true}
	c := newTestClient(t, f)
	ins, err := c.PollWork(context.Background())
	if err != nil {
		t.Fatalf("PollWork failed: %v", err)
	}
	err = c.ForRun(ins).UpdateResult(context.Background(), 404, model.ResultUpdate{State: model.ResultFailed})
	if !appErr.Is(err, appErr.CoordinatorRejected) {
		t.Fatalf("expected CoordinatorRejected, got %v", err)
	}
}

func TestContainerURLOverridesRunURLs(t *testing.T) {
	c := New(Endpoint{URL: "http://public", ContainerURL: "http://10.0.0.1:5000/", Password: "global"}, 0)
	run := c.ForRun(&model.Instructions{RunnerID: "r", RunID: 1, AutoTestID: 2})
	if got := run.FixtureURL(3); got != "http://10.0.0.1:5000/api/v-internal/auto_tests/2/fixtures/3" {
		t.Fatalf("unexpected fixture url %s", got)
	}
	if got := run.SubmissionURL(4); got != "http://10.0.0.1:5000/api/v-internal/auto_tests/2/results/4?type=submission_files" {
		t.Fatalf("unexpected submission url %s", got)
	}
	want := []string{"--header", HeaderPassword + ": global", "--header", HeaderRunnerPassword + ": r"}
	got := run.WgetHeaders()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected wget headers %v", got)
		}
	}
}

func TestRunClientSendsCoordinatorHeaderNames(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	run := New(Endpoint{URL: srv.URL, Password: "global"}, 0).
		ForRun(&model.Instructions{RunnerID: "runner", RunID: 1, AutoTestID: 2})
	if err := run.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if got.Get("CG-Internal-Api-Password") != "global" || got.Get("CG-Internal-Api-Runner-Password") != "runner" {
		t.Fatalf("expected CG-prefixed credential headers, got %v", got)
	}

	wget := run.WgetHeaders()
	if wget[1] != "CG-Internal-Api-Password: global" || wget[3] != "CG-Internal-Api-Runner-Password: runner" {
		t.Fatalf("unexpected wget headers %v", wget)
	}
}
