// Package dockerengine is a sandbox backend on top of a docker engine.
// Snapshots are committed images; restoring recreates the container from one.
package dockerengine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"autotest/internal/autotest/sandbox"
	"autotest/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultAddrAttempts = 30
)

var convergeInterval = time.Second

// Config controls the docker backend.
type Config struct {
	// SkipPull uses local images only.
	SkipPull     bool          `yaml:"skipPull"`
	StartTimeout time.Duration `yaml:"startTimeout"`
	// AddrAttempts is how many times start looks for a network address, one second apart.
	AddrAttempts int `yaml:"addrAttempts"`
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.AddrAttempts <= 0 {
		c.AddrAttempts = defaultAddrAttempts
	}
	return c
}

// Backend creates docker containers as sandboxes.
type Backend struct {
	cfg    Config
	api    api
	pulled sync.Map
}

// NewBackend connects to the docker engine configured in the environment.
func NewBackend(cfg Config) (*Backend, error) {
	cli, err := newEngineClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newBackend(cfg, cli), nil
}

func newBackend(cfg Config, a api) *Backend {
	return &Backend{cfg: cfg.withDefaults(), api: a}
}

// ImageRef builds the image reference for spec: Source when set, else distribution:release.
func ImageRef(spec sandbox.ImageSpec) string {
	if spec.Source != "" {
		return spec.Source
	}
	return spec.Distribution + ":" + spec.Release
}

func (b *Backend) Create(ctx context.Context, name string, spec sandbox.ImageSpec) (sandbox.Handle, error) {
	ref := ImageRef(spec)
	if !b.cfg.SkipPull {
		if _, done := b.pulled.Load(ref); !done {
			stop := logger.Timed(ctx, "pull image", zap.String("image", ref))
			err := b.api.Pull(ctx, ref)
			stop()
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", ref, err)
			}
			b.pulled.Store(ref, struct{}{})
		}
	}
	return b.createFrom(ctx, name, ref, nil)
}

func (b *Backend) createFrom(ctx context.Context, name, ref string, owned []string) (*handle, error) {
	h := &handle{backend: b, name: name, owned: owned}
	id, err := b.api.Create(ctx, name, ref, h.resources)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	h.id = id
	return h, nil
}

type handle struct {
	backend *Backend
	name    string

	mu        sync.Mutex
	id        string
	running   bool
	resources container.Resources
	nextSnap  int
	// owned images are removed with the sandbox.
	owned []string
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) containerID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *handle) Clone(ctx context.Context, name string) (sandbox.Handle, error) {
	ref := name + ":base"
	if _, err := h.backend.api.Commit(ctx, h.containerID(), ref); err != nil {
		return nil, fmt.Errorf("commit %s: %w", h.name, err)
	}
	clone, err := h.backend.createFrom(ctx, name, ref, []string{ref})
	if err != nil {
		_ = h.backend.api.RemoveImage(context.WithoutCancel(ctx), ref)
		return nil, err
	}
	h.mu.Lock()
	clone.resources = h.resources
	h.mu.Unlock()
	return clone, nil
}

// Start starts the container and waits until it runs and has a network address.
func (h *handle) Start(ctx context.Context) error {
	id := h.containerID()
	if err := h.backend.api.Start(ctx, id); err != nil {
		return fmt.Errorf("start container %s: %w", h.name, err)
	}
	cfg := h.backend.cfg
	err := sandbox.WaitFor(ctx, "start "+h.name, cfg.StartTimeout, convergeInterval, func(ctx context.Context) (bool, error) {
		running, _, err := h.backend.api.Inspect(ctx, id)
		return running, err
	})
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		_, ip, err := h.backend.api.Inspect(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", h.name, err)
		}
		if ip != "" {
			break
		}
		if attempt >= cfg.AddrAttempts {
			return fmt.Errorf("container %s has no network address after %d attempts", h.name, attempt)
		}
		if err := sleep(ctx, convergeInterval); err != nil {
			return sandbox.CheckStopped(ctx, "start "+h.name)
		}
	}

	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	return nil
}

func (h *handle) Stop(ctx context.Context) error {
	if err := h.backend.api.Stop(ctx, h.containerID()); err != nil {
		return fmt.Errorf("stop container %s: %w", h.name, err)
	}
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	return nil
}

func (h *handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *handle) Destroy(ctx context.Context) error {
	if err := h.backend.api.Remove(ctx, h.containerID()); err != nil {
		return fmt.Errorf("remove container %s: %w", h.name, err)
	}
	h.mu.Lock()
	h.running = false
	owned := h.owned
	h.owned = nil
	h.mu.Unlock()

	for _, ref := range owned {
		if err := h.backend.api.RemoveImage(ctx, ref); err != nil {
			logger.Warn(ctx, "remove sandbox image failed", zap.String("image", ref), zap.Error(err))
		}
	}
	return nil
}

func (h *handle) Snapshot(ctx context.Context) (string, error) {
	if h.Running() {
		return "", fmt.Errorf("snapshot of running sandbox %s", h.name)
	}
	h.mu.Lock()
	ref := h.name + ":snap" + strconv.Itoa(h.nextSnap)
	h.nextSnap++
	h.mu.Unlock()

	if _, err := h.backend.api.Commit(ctx, h.containerID(), ref); err != nil {
		return "", fmt.Errorf("commit %s: %w", ref, err)
	}
	return ref, nil
}

// SnapshotRestore replaces the container with a fresh one created from the snapshot image.
func (h *handle) SnapshotRestore(ctx context.Context, id string) error {
	if h.Running() {
		return fmt.Errorf("restore of running sandbox %s", h.name)
	}
	h.mu.Lock()
	oldID, res := h.id, h.resources
	h.mu.Unlock()

	if err := h.backend.api.Remove(ctx, oldID); err != nil {
		return fmt.Errorf("remove container %s: %w", h.name, err)
	}
	newID, err := h.backend.api.Create(ctx, h.name, id, res)
	if err != nil {
		return fmt.Errorf("recreate %s from %s: %w", h.name, id, err)
	}
	h.mu.Lock()
	h.id = newID
	h.mu.Unlock()
	return nil
}

func (h *handle) SnapshotDestroy(ctx context.Context, id string) error {
	return h.backend.api.RemoveImage(ctx, id)
}

func (h *handle) SetResourceLimit(ctx context.Context, key sandbox.LimitKey, value string) error {
	h.mu.Lock()
	res := h.resources
	h.mu.Unlock()

	switch key {
	case sandbox.LimitMemory, sandbox.LimitMemorySwap:
		bytes, err := sandbox.ParseSize(value)
		if err != nil {
			return err
		}
		if key == sandbox.LimitMemory {
			res.Memory = bytes
		} else {
			res.MemorySwap = bytes
		}
	case sandbox.LimitCPUSet:
		res.CpusetCpus = value
	default:
		return fmt.Errorf("unsupported resource limit %q", key)
	}

	if err := h.backend.api.Update(ctx, h.containerID(), res); err != nil {
		return fmt.Errorf("update %s: %w", h.name, err)
	}
	h.mu.Lock()
	h.resources = res
	h.mu.Unlock()
	return nil
}

func (h *handle) Attach(ctx context.Context, req sandbox.AttachRequest) (sandbox.Process, error) {
	if !h.Running() {
		return nil, fmt.Errorf("attach to stopped sandbox %s", h.name)
	}
	execID, stream, err := h.backend.api.Exec(ctx, h.containerID(), container.ExecOptions{
		User:         req.User,
		Env:          req.Env,
		WorkingDir:   req.Dir,
		Cmd:          req.Argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", h.name, err)
	}

	p := &execProcess{api: h.backend.api, execID: execID, stream: stream, copied: make(chan struct{})}
	go func() {
		if req.Stdin != nil {
			_, _ = io.Copy(stream.Stdin, req.Stdin)
		}
		_ = stream.CloseWrite()
	}()
	go func() {
		defer close(p.copied)
		_, _ = stdcopy.StdCopy(req.Stdout, req.Stderr, stream.Output)
	}()
	return p, nil
}

// execProcess is a docker exec session. It exits once docker reports it stopped
// and its output stream is fully copied.
type execProcess struct {
	api    api
	execID string
	stream *execStream
	copied chan struct{}

	mu  sync.Mutex
	pid int
}

func (p *execProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *execProcess) Poll() (bool, int, error) {
	running, code, pid, err := p.api.ExecInspect(context.Background(), p.execID)
	if err != nil {
		return false, -1, err
	}
	p.mu.Lock()
	if pid > 0 {
		p.pid = pid
	}
	p.mu.Unlock()
	if running {
		return false, 0, nil
	}
	select {
	case <-p.copied:
		return true, code, nil
	default:
		return false, 0, nil
	}
}

// Kill signals the exec's host process. Docker has no exec kill endpoint.
func (p *execProcess) Kill() error {
	_, _, pid, err := p.api.ExecInspect(context.Background(), p.execID)
	if err == nil && pid > 0 {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	p.stream.Close()
	<-p.copied
	return err
}

func (p *execProcess) Release() error {
	p.stream.Close()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
