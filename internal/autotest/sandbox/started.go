package sandbox

import (
	"context"
	"sync"
	"time"

	"autotest/internal/autotest/observer"
	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultDrainTimeout = 10 * time.Second
)

// Options tune command execution inside started sandboxes.
type Options struct {
	// OutputLimit caps captured student output in bytes, shared by stdout and stderr.
	OutputLimit int
	// StudentTimeout bounds every student command. Zero disables the limit.
	StudentTimeout time.Duration
	// PollInterval is how often a running command's exit status is checked.
	PollInterval time.Duration
	// DrainTimeout bounds how long output readers may run after the command exited.
	DrainTimeout time.Duration
	// TempDir holds the per-command FIFOs and stdin files.
	TempDir  string
	Recorder observer.Recorder
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	o.Recorder = observer.OrNop(o.Recorder)
	return o
}

// Started is a running sandbox. It tracks snapshots and whether the filesystem
// may have changed since the last one.
type Started struct {
	handle Handle
	opts   Options

	mu        sync.Mutex
	snapshots []string
	dirty     bool
}

func newStarted(handle Handle, opts Options) *Started {
	return &Started{handle: handle, opts: opts.withDefaults()}
}

// Name returns the sandbox name.
func (s *Started) Name() string {
	return s.handle.Name()
}

// Dirty reports whether a command ran since the last snapshot or restore.
func (s *Started) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Started) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Started) start(ctx context.Context) error {
	if err := CheckStopped(ctx, "start"); err != nil {
		return err
	}
	return wrapBackend(s.handle.Start(ctx), appErr.SandboxStartFailed, "start sandbox %s failed", s.handle.Name())
}

// Stop stops the sandbox if it is running.
func (s *Started) Stop(ctx context.Context) error {
	if !s.handle.Running() {
		return nil
	}
	return wrapBackend(s.handle.Stop(ctx), appErr.SandboxStopFailed, "stop sandbox %s failed", s.handle.Name())
}

// SetResourceLimit applies a limit to the running sandbox.
func (s *Started) SetResourceLimit(ctx context.Context, key LimitKey, value string) error {
	err := s.handle.SetResourceLimit(ctx, key, value)
	return wrapBackend(err, appErr.ResourceLimitFailed, "set %s=%s on %s failed", key, value, s.handle.Name())
}

// WithCleanState runs fn and afterwards restores the filesystem to how it was before fn.
// A snapshot is only taken when the sandbox changed since the last one.
func (s *Started) WithCleanState(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	needSnapshot := s.dirty || len(s.snapshots) == 0
	s.mu.Unlock()

	if needSnapshot {
		if err := s.takeSnapshot(ctx); err != nil {
			return err
		}
	}

	defer func() {
		// A stopped run destroys the sandbox anyway.
		if ctx.Err() != nil {
			return
		}
		restoreErr := s.restoreLatest(ctx)
		if restoreErr == nil {
			return
		}
		if err == nil {
			err = restoreErr
			return
		}
		logger.Warn(ctx, "restore snapshot failed after earlier error", zap.Error(restoreErr))
	}()

	return fn(ctx)
}

func (s *Started) takeSnapshot(ctx context.Context) error {
	defer logger.Timed(ctx, "snapshot", zap.String("sandbox", s.handle.Name()))()

	if err := s.Stop(ctx); err != nil {
		return err
	}
	begin := time.Now()
	id, err := s.handle.Snapshot(ctx)
	s.opts.Recorder.ObserveSnapshot(ctx, "create", time.Since(begin), err == nil)
	if err != nil {
		return wrapBackend(err, appErr.SnapshotFailed, "snapshot %s failed", s.handle.Name())
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, id)
	s.dirty = false
	s.mu.Unlock()

	return s.start(ctx)
}

func (s *Started) restoreLatest(ctx context.Context) error {
	defer logger.Timed(ctx, "snapshot restore", zap.String("sandbox", s.handle.Name()))()

	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	var id string
	if n := len(s.snapshots); n > 0 {
		id = s.snapshots[n-1]
	}
	s.mu.Unlock()

	if id != "" {
		begin := time.Now()
		err := s.handle.SnapshotRestore(ctx, id)
		s.opts.Recorder.ObserveSnapshot(ctx, "restore", time.Since(begin), err == nil)
		if err != nil {
			return wrapBackend(err, appErr.SnapshotRestoreFail, "restore %s on %s failed", id, s.handle.Name())
		}
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	return s.start(ctx)
}

// DestroySnapshots stops the sandbox and removes every snapshot, newest first.
func (s *Started) DestroySnapshots(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	var errs error
	for {
		s.mu.Lock()
		n := len(s.snapshots)
		if n == 0 {
			s.mu.Unlock()
			return errs
		}
		id := s.snapshots[n-1]
		s.snapshots = s.snapshots[:n-1]
		s.mu.Unlock()

		if err := s.handle.SnapshotDestroy(ctx, id); err != nil {
			errs = multierr.Append(errs, appErr.Wrapf(err, appErr.SnapshotFailed, "destroy snapshot %s failed: %v", id, err))
		}
	}
}

// wrapBackend adds a code to backend errors while keeping stop errors recognizable.
func wrapBackend(err error, code appErr.ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if IsStopped(err) {
		return err
	}
	return appErr.Wrapf(err, code, format+": %v", append(args, err)...)
}
