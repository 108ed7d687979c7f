//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"autotest/internal/autotest/sandbox"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const convergeInterval = time.Second

// Backend creates chroot sandboxes under Config.Root.
type Backend struct {
	cfg Config
}

// NewBackend creates a local sandbox backend.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &Backend{cfg: cfg.withDefaults()}, nil
}

// Create unpacks image.Source, a tar or tar.zst rootfs, into a new sandbox.
func (b *Backend) Create(ctx context.Context, name string, image sandbox.ImageSpec) (sandbox.Handle, error) {
	if image.Source == "" {
		return nil, fmt.Errorf("image source is required for the local backend")
	}
	h, err := b.newHandle(name)
	if err != nil {
		return nil, err
	}
	defer logger.Timed(ctx, "unpack rootfs", zap.String("sandbox", name), zap.String("source", image.Source))()

	info, err := os.Stat(image.Source)
	if err != nil {
		_ = os.RemoveAll(h.dir)
		return nil, fmt.Errorf("stat image source: %w", err)
	}
	if info.IsDir() {
		err = copyTree(image.Source, h.rootfs())
	} else {
		err = loadArchive(image.Source, h.rootfs())
	}
	if err != nil {
		_ = os.RemoveAll(h.dir)
		return nil, fmt.Errorf("unpack %s: %w", image.Source, err)
	}
	return h, nil
}

func (b *Backend) newHandle(name string) (*handle, error) {
	dir := filepath.Join(b.cfg.Root, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("sandbox %s already exists", name)
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0700); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &handle{cfg: b.cfg, backend: b, name: name, dir: dir, limits: make(map[sandbox.LimitKey]string)}, nil
}

type handle struct {
	cfg     Config
	backend *Backend
	name    string
	dir     string

	mu       sync.Mutex
	running  bool
	cgroup   string
	limits   map[sandbox.LimitKey]string
	nextSnap int
	pgids    map[int]struct{}
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) rootfs() string {
	return filepath.Join(h.dir, "rootfs")
}

func (h *handle) snapshotPath(id string) string {
	return filepath.Join(h.dir, "snapshots", id+snapshotExt)
}

func (h *handle) Clone(ctx context.Context, name string) (sandbox.Handle, error) {
	if h.Running() {
		return nil, fmt.Errorf("clone of running sandbox %s", h.name)
	}
	clone, err := h.backend.newHandle(name)
	if err != nil {
		return nil, err
	}
	defer logger.Timed(ctx, "copy rootfs", zap.String("from", h.name), zap.String("sandbox", name))()
	if err := copyTree(h.rootfs(), clone.rootfs()); err != nil {
		_ = os.RemoveAll(clone.dir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}
	return clone, nil
}

func (h *handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	if h.cfg.EnableCgroup {
		cgroupPath, err := createCgroup(h.cfg.CgroupRoot, h.name)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		for key, value := range h.limits {
			if err := applyCgroupLimit(cgroupPath, key, value); err != nil {
				h.mu.Unlock()
				_ = removeCgroup(cgroupPath)
				return fmt.Errorf("apply %s limit: %w", key, err)
			}
		}
		h.cgroup = cgroupPath
	}
	h.pgids = make(map[int]struct{})
	h.running = true
	h.mu.Unlock()

	return sandbox.WaitFor(ctx, "start "+h.name, h.cfg.StartTimeout, convergeInterval, func(context.Context) (bool, error) {
		_, err := os.Stat(filepath.Join(h.rootfs(), "bin"))
		return err == nil, nil
	})
}

func (h *handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	cgroupPath := h.cgroup
	for pgid := range h.pgids {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	h.pgids = nil
	h.running = false
	h.cgroup = ""
	h.mu.Unlock()

	if cgroupPath == "" {
		return nil
	}
	if err := killCgroup(cgroupPath); err != nil {
		logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
	}
	err := sandbox.WaitFor(ctx, "stop "+h.name, h.cfg.StartTimeout, 100*time.Millisecond, func(context.Context) (bool, error) {
		return cgroupEmpty(cgroupPath), nil
	})
	if err != nil {
		return err
	}
	return removeCgroup(cgroupPath)
}

func (h *handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *handle) Destroy(ctx context.Context) error {
	if err := h.Stop(ctx); err != nil {
		return err
	}
	return os.RemoveAll(h.dir)
}

func (h *handle) Snapshot(ctx context.Context) (string, error) {
	if h.Running() {
		return "", fmt.Errorf("snapshot of running sandbox %s", h.name)
	}
	h.mu.Lock()
	id := "snap" + strconv.Itoa(h.nextSnap)
	h.nextSnap++
	h.mu.Unlock()

	if err := saveSnapshot(h.snapshotPath(id), h.rootfs()); err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", id, err)
	}
	return id, nil
}

func (h *handle) SnapshotRestore(ctx context.Context, id string) error {
	if h.Running() {
		return fmt.Errorf("restore of running sandbox %s", h.name)
	}
	if err := loadArchive(h.snapshotPath(id), h.rootfs()); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", id, err)
	}
	return nil
}

func (h *handle) SnapshotDestroy(ctx context.Context, id string) error {
	if h.Running() {
		return fmt.Errorf("destroy snapshot of running sandbox %s", h.name)
	}
	return os.Remove(h.snapshotPath(id))
}

func (h *handle) SetResourceLimit(ctx context.Context, key sandbox.LimitKey, value string) error {
	if _, ok := limitFiles[key]; !ok {
		return fmt.Errorf("unsupported resource limit %q", key)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limits[key] = value
	if h.cgroup == "" {
		return nil
	}
	return applyCgroupLimit(h.cgroup, key, value)
}

// Attach starts the helper with the command's stdio and the init request on fd 3.
// The helper joins the sandbox cgroup at clone time and then enters the rootfs.
func (h *handle) Attach(ctx context.Context, req sandbox.AttachRequest) (sandbox.Process, error) {
	h.mu.Lock()
	running, cgroupPath := h.running, h.cgroup
	h.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("attach to stopped sandbox %s", h.name)
	}

	initReq := InitRequest{
		RootFS:   h.rootfs(),
		Argv:     req.Argv,
		Dir:      req.Dir,
		User:     req.User,
		Env:      req.Env,
		EnableNs: h.cfg.EnableNamespaces,
	}
	if h.cfg.EnableSeccomp && req.User != "" && req.User != "root" {
		initReq.SeccompProfile = h.cfg.SeccompProfile
	}
	initR, err := requestPipe(initReq)
	if err != nil {
		return nil, fmt.Errorf("encode init request: %w", err)
	}
	defer initR.Close()

	attr := buildSysProcAttr(h.cfg.EnableNamespaces)
	if cgroupPath != "" {
		cgroupDir, err := os.Open(cgroupPath)
		if err != nil {
			return nil, fmt.Errorf("open cgroup: %w", err)
		}
		defer cgroupDir.Close()
		attr.UseCgroupFD = true
		attr.CgroupFD = int(cgroupDir.Fd())
	}

	proc, err := os.StartProcess(h.cfg.HelperPath, []string{h.cfg.HelperPath}, &os.ProcAttr{
		Env:   []string{},
		Files: []*os.File{req.Stdin, req.Stdout, req.Stderr, initR},
		Sys:   attr,
	})
	if err != nil {
		return nil, fmt.Errorf("start helper: %w", err)
	}

	h.mu.Lock()
	if h.pgids != nil {
		h.pgids[proc.Pid] = struct{}{}
	}
	h.mu.Unlock()
	return sandbox.NewHostProcess(proc), nil
}

// requestPipe returns the read end of a pipe the encoded request is written to.
// The writer exits once the helper has read the request or the read end is closed.
func requestPipe(req InitRequest) (*os.File, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
	return r, nil
}

func buildSysProcAttr(enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}
	attr.Cloneflags = uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	return attr
}
