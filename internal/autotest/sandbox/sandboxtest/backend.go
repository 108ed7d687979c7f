// Package sandboxtest provides an in-process sandbox backend for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"autotest/internal/autotest/sandbox"
)

// Script replaces host execution. It writes to req.Stdout/req.Stderr and returns
// the exit code; ctx is cancelled when the process is killed.
type Script func(ctx context.Context, req sandbox.AttachRequest) int

// Backend creates fake sandboxes. Without a Script, commands run on the host in
// their own process group with the sandbox directory mapped under Root.
type Backend struct {
	Root   string
	Script Script
	// Fail makes the named operation ("create", "clone", "start", "stop", "snapshot",
	// "restore", "destroy", "attach", "limit") return the given error.
	Fail map[string]error

	mu      sync.Mutex
	handles []*Handle
}

// Handles returns every sandbox created so far, including clones.
func (b *Backend) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Handle(nil), b.handles...)
}

func (b *Backend) Create(_ context.Context, name string, _ sandbox.ImageSpec) (sandbox.Handle, error) {
	if err := b.failure("create"); err != nil {
		return nil, err
	}
	return b.newHandle(name), nil
}

func (b *Backend) newHandle(name string) *Handle {
	h := &Handle{backend: b, name: name, limits: make(map[sandbox.LimitKey]string)}
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h
}

func (b *Backend) failure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Fail[op]
}

// Handle is a fake sandbox that records every operation.
type Handle struct {
	backend *Backend
	name    string

	mu        sync.Mutex
	running   bool
	destroyed bool
	snapshots []string
	nextSnap  int
	calls     []string
	limits    map[sandbox.LimitKey]string
}

func (h *Handle) Name() string {
	return h.name
}

// Calls returns the recorded operations in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Count returns how many times op was recorded.
func (h *Handle) Count(op string) int {
	n := 0
	for _, c := range h.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Limits returns the resource limits set so far.
func (h *Handle) Limits() map[sandbox.LimitKey]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[sandbox.LimitKey]string, len(h.limits))
	for k, v := range h.limits {
		out[k] = v
	}
	return out
}

// Destroyed reports whether Destroy was called successfully.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// SnapshotIDs returns the snapshots the backend still holds.
func (h *Handle) SnapshotIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.snapshots...)
}

func (h *Handle) record(op string) error {
	h.mu.Lock()
	h.calls = append(h.calls, op)
	h.mu.Unlock()
	return h.backend.failure(op)
}

func (h *Handle) Clone(_ context.Context, name string) (sandbox.Handle, error) {
	if err := h.record("clone"); err != nil {
		return nil, err
	}
	return h.backend.newHandle(name), nil
}

func (h *Handle) Start(context.Context) error {
	if err := h.record("start"); err != nil {
		return err
	}
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) Stop(context.Context) error {
	if err := h.record("stop"); err != nil {
		return err
	}
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	return nil
}

func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Handle) Destroy(context.Context) error {
	if err := h.record("destroy"); err != nil {
		return err
	}
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
	return nil
}

func (h *Handle) Snapshot(context.Context) (string, error) {
	if err := h.record("snapshot"); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return "", fmt.Errorf("snapshot of running sandbox %s", h.name)
	}
	id := fmt.Sprintf("snap%d", h.nextSnap)
	h.nextSnap++
	h.snapshots = append(h.snapshots, id)
	return id, nil
}

func (h *Handle) SnapshotRestore(_ context.Context, id string) error {
	if err := h.record("restore"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("restore of running sandbox %s", h.name)
	}
	for _, s := range h.snapshots {
		if s == id {
			return nil
		}
	}
	return fmt.Errorf("snapshot %s not found", id)
}

func (h *Handle) SnapshotDestroy(_ context.Context, id string) error {
	if err := h.record("snapshot_destroy"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.snapshots {
		if s == id {
			h.snapshots = append(h.snapshots[:i], h.snapshots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot %s not found", id)
}

func (h *Handle) SetResourceLimit(_ context.Context, key sandbox.LimitKey, value string) error {
	if err := h.record("limit"); err != nil {
		return err
	}
	h.mu.Lock()
	h.limits[key] = value
	h.mu.Unlock()
	return nil
}

func (h *Handle) Attach(ctx context.Context, req sandbox.AttachRequest) (sandbox.Process, error) {
	if err := h.record("attach"); err != nil {
		return nil, err
	}
	if !h.Running() {
		return nil, fmt.Errorf("attach to stopped sandbox %s", h.name)
	}
	if h.backend.Script != nil {
		return startScript(ctx, h.backend.Script, req), nil
	}
	return h.startHost(req)
}

func (h *Handle) startHost(req sandbox.AttachRequest) (sandbox.Process, error) {
	path, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return nil, err
	}
	dir := ""
	if req.Dir != "" && h.backend.Root != "" {
		dir = filepath.Join(h.backend.Root, req.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	proc, err := os.StartProcess(path, req.Argv, &os.ProcAttr{
		Dir:   dir,
		Env:   req.Env,
		Files: []*os.File{req.Stdin, req.Stdout, req.Stderr},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	if err != nil {
		return nil, err
	}
	return sandbox.NewHostProcess(proc), nil
}

type scriptProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	code   int
}

func startScript(ctx context.Context, script Script, req sandbox.AttachRequest) *scriptProcess {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &scriptProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.code = script(ctx, req)
	}()
	return p
}

func (p *scriptProcess) Pid() int {
	return 0
}

func (p *scriptProcess) Poll() (bool, int, error) {
	select {
	case <-p.done:
		return true, p.code, nil
	default:
		return false, 0, nil
	}
}

func (p *scriptProcess) Kill() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *scriptProcess) Release() error {
	p.cancel()
	return nil
}
