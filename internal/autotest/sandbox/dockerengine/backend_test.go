package dockerengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"autotest/internal/autotest/sandbox"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type fakeContainer struct {
	ref     string
	running bool
	res     container.Resources
}

type fakeAPI struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	images     map[string]bool
	pulls      int
	// addrAfter is how many inspects of a running container return no address.
	addrAfter int
	inspects  int
	stdout    string
	stderr    string
	exitCode  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{containers: make(map[string]*fakeContainer), images: make(map[string]bool)}
}

func (f *fakeAPI) Pull(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	f.images[ref] = true
	return nil
}

func (f *fakeAPI) Create(_ context.Context, _ string, ref string, res container.Resources) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return "", fmt.Errorf("no such image %s", ref)
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{ref: ref, res: res}
	return id, nil
}

func (f *fakeAPI) get(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	return c, nil
}

func (f *fakeAPI) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = true
	return nil
}

func (f *fakeAPI) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = false
	return nil
}

func (f *fakeAPI) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeAPI) Inspect(_ context.Context, id string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return false, "", err
	}
	if !c.running {
		return false, "", nil
	}
	f.inspects++
	if f.inspects <= f.addrAfter {
		return true, "", nil
	}
	return true, "172.17.0.2", nil
}

func (f *fakeAPI) Commit(_ context.Context, id, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return "", err
	}
	f.images[ref] = true
	return "sha256:" + ref, nil
}

func (f *fakeAPI) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return fmt.Errorf("no such image %s", ref)
	}
	delete(f.images, ref)
	return nil
}

func (f *fakeAPI) Update(_ context.Context, id string, res container.Resources) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.res = res
	return nil
}

func (f *fakeAPI) Exec(_ context.Context, id string, _ container.ExecOptions) (string, *execStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return "exec-" + id, &execStream{
		Output:     &buf,
		Stdin:      io.Discard,
		CloseWrite: func() error { return nil },
		Close:      func() {},
	}, nil
}

func (f *fakeAPI) ExecInspect(context.Context, string) (bool, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return false, f.exitCode, 0, nil
}

func (f *fakeAPI) imageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

func (f *fakeAPI) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func fastConverge(t *testing.T) {
	old := convergeInterval
	convergeInterval = 10 * time.Millisecond
	t.Cleanup(func() { convergeInterval = old })
}

func TestStartWaitsForNetworkAddress(t *testing.T) {
	fastConverge(t)
	ctx := context.Background()
	api := newFakeAPI()
	api.addrAfter = 3
	backend := newBackend(Config{}, api)

	h, err := backend.Create(ctx, "autotest-a", sandbox.ImageSpec{Distribution: "ubuntu", Release: "24.04"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !h.Running() {
		t.Fatalf("expected running sandbox")
	}
	if api.pulls != 1 {
		t.Fatalf("expected one pull, got %d", api.pulls)
	}
	if _, err := backend.Create(ctx, "autotest-b", sandbox.ImageSpec{Distribution: "ubuntu", Release: "24.04"}); err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if api.pulls != 1 {
		t.Fatalf("expected cached pull, got %d pulls", api.pulls)
	}
}

func TestStartFailsWithoutAddress(t *testing.T) {
	fastConverge(t)
	ctx := context.Background()
	api := newFakeAPI()
	api.addrAfter = 100
	backend := newBackend(Config{AddrAttempts: 3}, api)

	h, err := backend.Create(ctx, "autotest-a", sandbox.ImageSpec{Source: "ubuntu:24.04"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.Start(ctx); err == nil {
		t.Fatalf("expected start to fail without an address")
	}
}

func TestSnapshotRestoreRecreatesContainer(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	backend := newBackend(Config{}, api)

	h, err := backend.Create(ctx, "autotest-a", sandbox.ImageSpec{Source: "ubuntu:24.04"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.SetResourceLimit(ctx, sandbox.LimitMemory, "512m"); err != nil {
		t.Fatalf("SetResourceLimit failed: %v", err)
	}
	if err := h.SetResourceLimit(ctx, sandbox.LimitCPUSet, "3"); err != nil {
		t.Fatalf("SetResourceLimit failed: %v", err)
	}
	before := h.(*handle).containerID()

	id, err := h.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := h.SnapshotRestore(ctx, id); err != nil {
		t.Fatalf("SnapshotRestore failed: %v", err)
	}
	after := h.(*handle).containerID()
	if after == before {
		t.Fatalf("expected a new container after restore")
	}
	c := api.containers[after]
	if c.ref != id {
		t.Fatalf("expected container from %s, got %s", id, c.ref)
	}
	if c.res.Memory != 512<<20 || c.res.CpusetCpus != "3" {
		t.Fatalf("expected limits to carry over, got %+v", c.res)
	}
	if err := h.SnapshotDestroy(ctx, id); err != nil {
		t.Fatalf("SnapshotDestroy failed: %v", err)
	}
	if err := h.SetResourceLimit(ctx, "pids", "1"); err == nil {
		t.Fatalf("expected unknown limit to fail")
	}
}

func TestCloneImageRemovedWithSandbox(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	backend := newBackend(Config{}, api)

	base, err := backend.Create(ctx, "autotest-base", sandbox.ImageSpec{Source: "ubuntu:24.04"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clone, err := base.Clone(ctx, "autotest-clone")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if api.imageCount() != 2 {
		t.Fatalf("expected base and clone images, got %d", api.imageCount())
	}
	if err := clone.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if api.imageCount() != 1 || api.containerCount() != 1 {
		t.Fatalf("expected clone image and container removed, got %d images %d containers", api.imageCount(), api.containerCount())
	}
}

func TestExecDemultiplexesOutput(t *testing.T) {
	fastConverge(t)
	api := newFakeAPI()
	api.stdout = "out line\n"
	api.stderr = "err line\n"
	api.exitCode = 3
	backend := newBackend(Config{}, api)

	cont, err := sandbox.Create(context.Background(), backend, sandbox.ImageSpec{Source: "ubuntu:24.04"}, sandbox.Options{
		OutputLimit:    1024,
		StudentTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		TempDir:        t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err = cont.Started(context.Background(), func(ctx context.Context, s *sandbox.Started) error {
		out, err := s.RunStudentCommand(ctx, "true", []byte("input"))
		if err != nil {
			return err
		}
		if out.ExitCode != 3 || out.Stdout != "out line\n" || out.Stderr != "err line\n" {
			t.Fatalf("unexpected output %+v", out)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Started failed: %v", err)
	}
	if api.containerCount() != 0 {
		t.Fatalf("expected container removed after teardown")
	}
}
