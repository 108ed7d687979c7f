// Package sandbox runs commands in isolated, snapshot-able environments.
package sandbox

import (
	"context"
	"os"
)

// ImageSpec describes what a fresh sandbox is created from.
type ImageSpec struct {
	Distribution string
	Release      string
	Arch         string
	// Source is backend specific: a rootfs archive for the local backend, an image reference for docker.
	Source string
	// BackingStore selects how the backend stores the sandbox filesystem.
	BackingStore string
}

// LimitKey names a resource limit understood by every backend.
type LimitKey string

const (
	LimitMemory     LimitKey = "memory"
	LimitMemorySwap LimitKey = "memory_swap"
	LimitCPUSet     LimitKey = "cpuset"
)

// Backend creates sandboxes.
type Backend interface {
	Create(ctx context.Context, name string, image ImageSpec) (Handle, error)
}

// Handle is one named sandbox owned by a backend.
// Snapshot, SnapshotRestore and SnapshotDestroy require a stopped sandbox.
type Handle interface {
	Name() string
	Clone(ctx context.Context, name string) (Handle, error)
	// Start returns once the sandbox is running and reachable, or fails after the backend's start timeout.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Destroy(ctx context.Context) error
	Snapshot(ctx context.Context) (string, error)
	SnapshotRestore(ctx context.Context, id string) error
	SnapshotDestroy(ctx context.Context, id string) error
	SetResourceLimit(ctx context.Context, key LimitKey, value string) error
	Attach(ctx context.Context, req AttachRequest) (Process, error)
}

// AttachRequest describes a command attached to a running sandbox.
type AttachRequest struct {
	Argv []string
	Dir  string
	// User is the account the command runs as; empty means root.
	User   string
	Env    []string
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Process is a command attached to a sandbox.
type Process interface {
	Pid() int
	// Poll reports whether the process exited, without blocking.
	Poll() (exited bool, exitCode int, err error)
	// Kill force-kills and reaps the process.
	Kill() error
	// Release frees backend resources held for the process.
	Release() error
}
