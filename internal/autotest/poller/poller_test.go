package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autotest/internal/autotest/coordinator"
	"autotest/internal/autotest/model"
	"autotest/internal/autotest/runner"
)

// fakeSource hands out each entry of work once, then has none.
type fakeSource struct {
	endpoint coordinator.Endpoint
	err      error
	work     []*model.Instructions

	mu    sync.Mutex
	polls int
}

func (f *fakeSource) Endpoint() coordinator.Endpoint {
	return f.endpoint
}

func (f *fakeSource) PollWork(context.Context) (*model.Instructions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.work) == 0 {
		return nil, nil
	}
	ins := f.work[0]
	f.work = f.work[1:]
	return ins, nil
}

func (f *fakeSource) Reporter(*model.Instructions) runner.RunReporter {
	return nil
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeRunner struct {
	kind string
	err  error

	mu   sync.Mutex
	runs []string
}

func (r *fakeRunner) Kind() string {
	return r.kind
}

func (r *fakeRunner) Run(_ context.Context, endpoint string, ins *model.Instructions, _ runner.RunReporter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, endpoint+"#"+ins.RunnerID)
	return r.err
}

func (r *fakeRunner) AfterRun(context.Context, string) error {
	return nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func TestPollOnceSkipsBrokenEndpoints(t *testing.T) {
	broken := &fakeSource{endpoint: coordinator.Endpoint{URL: "http://a", Kind: "simple_runner"}, err: errors.New("connection refused")}
	idle := &fakeSource{endpoint: coordinator.Endpoint{URL: "http://b", Kind: "simple_runner"}}
	busy := &fakeSource{
		endpoint: coordinator.Endpoint{URL: "http://c", Kind: "simple_runner"},
		work:     []*model.Instructions{{RunnerID: "r1"}},
	}
	simple := &fakeRunner{kind: "simple_runner", err: errors.New("crashed")}
	p := New([]Source{broken, idle, busy}, runner.NewRegistry(simple), time.Hour)

	if !p.pollOnce(context.Background()) {
		t.Fatalf("expected work to be found")
	}
	if got := simple.ran(); len(got) != 1 || got[0] != "http://c#r1" {
		t.Fatalf("unexpected runs %v", got)
	}
	if p.pollOnce(context.Background()) {
		t.Fatalf("expected no more work")
	}
	if broken.pollCount() != 2 || idle.pollCount() != 2 || busy.pollCount() != 2 {
		t.Fatalf("every endpoint should be polled each scan")
	}
}

func TestPollOnceRescansFromFirstEndpoint(t *testing.T) {
	first := &fakeSource{
		endpoint: coordinator.Endpoint{URL: "http://a", Kind: "simple_runner"},
		work:     []*model.Instructions{{RunnerID: "a1"}, {RunnerID: "a2"}},
	}
	second := &fakeSource{
		endpoint: coordinator.Endpoint{URL: "http://b", Kind: "simple_runner"},
		work:     []*model.Instructions{{RunnerID: "b1"}},
	}
	simple := &fakeRunner{kind: "simple_runner"}
	p := New([]Source{first, second}, runner.NewRegistry(simple), time.Hour)

	for p.pollOnce(context.Background()) {
	}
	want := []string{"http://a#a1", "http://a#a2", "http://b#b1"}
	got := simple.ran()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPollOnceUnknownKind(t *testing.T) {
	src := &fakeSource{
		endpoint: coordinator.Endpoint{URL: "http://a", Kind: "transip_runner"},
		work:     []*model.Instructions{{RunnerID: "a1"}},
	}
	simple := &fakeRunner{kind: "simple_runner"}
	p := New([]Source{src}, runner.NewRegistry(simple), time.Hour)

	if p.pollOnce(context.Background()) {
		t.Fatalf("work for an unknown kind should not count as run")
	}
	if len(simple.ran()) != 0 {
		t.Fatalf("nothing should run")
	}
}

func TestRunSleepsUntilCancelled(t *testing.T) {
	src := &fakeSource{endpoint: coordinator.Endpoint{URL: "http://a", Kind: "simple_runner"}}
	p := New([]Source{src}, runner.NewRegistry(&fakeRunner{kind: "simple_runner"}), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for src.pollCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("poller did not keep polling")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
