//go:build linux

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autotest/internal/autotest/sandbox"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	base := t.TempDir()
	image := filepath.Join(base, "image")
	writeTree(t, image, map[string]string{
		"bin/sh":          "#!fake",
		"etc/passwd":      "root:x:0:0:root:/root:/bin/bash\n",
		"home/autotest/a": "original",
	})
	if err := os.Symlink("sh", filepath.Join(image, "bin", "bash")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	backend, err := NewBackend(Config{Root: filepath.Join(base, "sandboxes"), StartTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	return backend, image
}

func TestSnapshotRestoresRootfs(t *testing.T) {
	ctx := context.Background()
	backend, image := newTestBackend(t)

	h, err := backend.Create(ctx, "box", sandbox.ImageSpec{Source: image})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	local := h.(*handle)

	id, err := h.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	writeTree(t, local.rootfs(), map[string]string{
		"home/autotest/a":   "changed",
		"home/autotest/new": "student file",
	})

	if err := h.SnapshotRestore(ctx, id); err != nil {
		t.Fatalf("SnapshotRestore failed: %v", err)
	}
	if got := readFile(t, filepath.Join(local.rootfs(), "home/autotest/a")); got != "original" {
		t.Fatalf("expected restored content, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(local.rootfs(), "home/autotest/new")); !os.IsNotExist(err) {
		t.Fatalf("expected new file to be gone, got %v", err)
	}
	if link, err := os.Readlink(filepath.Join(local.rootfs(), "bin/bash")); err != nil || link != "sh" {
		t.Fatalf("expected symlink to survive, got %q %v", link, err)
	}

	if err := h.SnapshotDestroy(ctx, id); err != nil {
		t.Fatalf("SnapshotDestroy failed: %v", err)
	}
	if err := h.SnapshotRestore(ctx, id); err == nil {
		t.Fatalf("expected restore of destroyed snapshot to fail")
	}
}

func TestSnapshotRequiresStoppedSandbox(t *testing.T) {
	ctx := context.Background()
	backend, image := newTestBackend(t)

	h, err := backend.Create(ctx, "box", sandbox.ImageSpec{Source: image})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !h.Running() {
		t.Fatalf("expected running sandbox")
	}
	if _, err := h.Snapshot(ctx); err == nil {
		t.Fatalf("expected snapshot of running sandbox to fail")
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := h.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot after stop failed: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ctx := context.Background()
	backend, image := newTestBackend(t)

	base, err := backend.Create(ctx, "base", sandbox.ImageSpec{Source: image})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	clone, err := base.Clone(ctx, "clone")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	writeTree(t, clone.(*handle).rootfs(), map[string]string{"home/autotest/a": "clone"})

	if got := readFile(t, filepath.Join(base.(*handle).rootfs(), "home/autotest/a")); got != "original" {
		t.Fatalf("base changed through clone: %q", got)
	}
	if _, err := base.Clone(ctx, "clone"); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}

	if err := clone.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(clone.(*handle).dir); !os.IsNotExist(err) {
		t.Fatalf("expected clone dir removed, got %v", err)
	}
}

func TestCreateFromSnapshotArchive(t *testing.T) {
	ctx := context.Background()
	backend, image := newTestBackend(t)

	archive := filepath.Join(t.TempDir(), "rootfs"+snapshotExt)
	if err := saveSnapshot(archive, image); err != nil {
		t.Fatalf("saveSnapshot failed: %v", err)
	}
	h, err := backend.Create(ctx, "from-archive", sandbox.ImageSpec{Source: archive})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := readFile(t, filepath.Join(h.(*handle).rootfs(), "etc/passwd")); got == "" {
		t.Fatalf("expected passwd in rootfs")
	}
}

func TestSetResourceLimitRejectsUnknownKey(t *testing.T) {
	ctx := context.Background()
	backend, image := newTestBackend(t)
	h, err := backend.Create(ctx, "box", sandbox.ImageSpec{Source: image})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.SetResourceLimit(ctx, sandbox.LimitMemory, "512m"); err != nil {
		t.Fatalf("SetResourceLimit failed: %v", err)
	}
	if err := h.SetResourceLimit(ctx, "pids", "10"); err == nil {
		t.Fatalf("expected unknown limit to fail")
	}
}

func TestCgroupLimitsApplied(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("cgroup test requires root")
	}
	root := "/sys/fs/cgroup"
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		t.Skip("cgroup v2 not mounted")
	}
	if controllers, err := os.ReadFile(filepath.Join(root, "cgroup.subtree_control")); err != nil || !strings.Contains(string(controllers), "memory") {
		t.Skip("memory controller not delegated")
	}
	ctx := context.Background()
	base := t.TempDir()
	image := filepath.Join(base, "image")
	writeTree(t, image, map[string]string{"bin/sh": "#!fake"})
	backend, err := NewBackend(Config{Root: filepath.Join(base, "sandboxes"), CgroupRoot: root, EnableCgroup: true})
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	h, err := backend.Create(ctx, "autotest-cgroup-test", sandbox.ImageSpec{Source: image})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer h.Destroy(ctx)

	if err := h.SetResourceLimit(ctx, sandbox.LimitMemory, "64m"); err != nil {
		t.Fatalf("SetResourceLimit failed: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got := readFile(t, filepath.Join(root, "autotest-cgroup-test", "memory.max"))
	if got != "67108864\n" {
		t.Fatalf("unexpected memory.max %q", got)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSafeJoinStaysInsideRoot(t *testing.T) {
	tests := map[string]string{
		"etc/passwd":       "/tmp/root/etc/passwd",
		"../../etc/passwd": "/tmp/root/etc/passwd",
		"./home/../bin/sh": "/tmp/root/bin/sh",
		"/absolute/path":   "/tmp/root/absolute/path",
	}
	for name, want := range tests {
		got, err := safeJoin("/tmp/root", name)
		if err != nil || got != want {
			t.Fatalf("safeJoin(%q) = %q, %v; want %q", name, got, err, want)
		}
	}
}
