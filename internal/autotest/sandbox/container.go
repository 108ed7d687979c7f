package sandbox

import (
	"context"
	"sync"

	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const namePrefix = "autotest-"

// Container is a created sandbox that is not necessarily running.
type Container struct {
	handle Handle
	opts   Options

	cloneMu sync.Mutex
}

// Create creates a new sandbox from image with a generated name.
func Create(ctx context.Context, backend Backend, image ImageSpec, opts Options) (*Container, error) {
	if err := CheckStopped(ctx, "create"); err != nil {
		return nil, err
	}
	name, err := newName()
	if err != nil {
		return nil, err
	}
	handle, err := backend.Create(ctx, name, image)
	if err != nil {
		return nil, wrapBackend(err, appErr.SandboxCreateFailed, "create sandbox %s failed", name)
	}
	logger.Info(ctx, "created sandbox", zap.String("sandbox", name))
	return &Container{handle: handle, opts: opts}, nil
}

// Wrap adopts an existing handle.
func Wrap(handle Handle, opts Options) *Container {
	return &Container{handle: handle, opts: opts}
}

// Name returns the sandbox name.
func (c *Container) Name() string {
	return c.handle.Name()
}

// Clone copies this sandbox into a new one. Clones of one container are serialized.
func (c *Container) Clone(ctx context.Context) (*Container, error) {
	c.cloneMu.Lock()
	defer c.cloneMu.Unlock()

	if err := CheckStopped(ctx, "clone"); err != nil {
		return nil, err
	}
	name, err := newName()
	if err != nil {
		return nil, err
	}
	handle, err := c.handle.Clone(ctx, name)
	if err != nil {
		return nil, wrapBackend(err, appErr.SandboxCreateFailed, "clone %s into %s failed", c.handle.Name(), name)
	}
	logger.Info(ctx, "cloned sandbox", zap.String("from", c.handle.Name()), zap.String("sandbox", name))
	return &Container{handle: handle, opts: c.opts}, nil
}

// Started starts the sandbox, runs fn and always tears the sandbox down:
// stop, destroy snapshots, destroy. Teardown runs even when ctx is done.
// A teardown failure is returned only when fn succeeded; otherwise it is logged.
func (c *Container) Started(ctx context.Context, fn func(ctx context.Context, s *Started) error) (err error) {
	s := newStarted(c.handle, c.opts)

	defer func() {
		teardownErr := c.teardown(context.WithoutCancel(ctx), s)
		if teardownErr == nil {
			return
		}
		if err == nil {
			err = teardownErr
			return
		}
		logger.Error(ctx, "sandbox teardown failed", zap.String("sandbox", c.handle.Name()), zap.Error(teardownErr))
	}()

	if err := s.start(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}

// Destroy removes a sandbox that was never started.
func (c *Container) Destroy(ctx context.Context) error {
	return wrapBackend(c.handle.Destroy(ctx), appErr.SandboxDestroyFailed, "destroy sandbox %s failed", c.handle.Name())
}

func (c *Container) teardown(ctx context.Context, s *Started) error {
	var errs error
	if err := s.Stop(ctx); err != nil {
		logger.Warn(ctx, "stop sandbox during teardown failed", zap.String("sandbox", c.handle.Name()), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if err := s.DestroySnapshots(ctx); err != nil {
		logger.Warn(ctx, "destroy snapshots during teardown failed", zap.String("sandbox", c.handle.Name()), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if err := c.Destroy(ctx); err != nil {
		logger.Warn(ctx, "destroy sandbox during teardown failed", zap.String("sandbox", c.handle.Name()), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	return errs
}

func newName() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxCreateFailed, "generate sandbox name failed: %v", err)
	}
	return namePrefix + id.String(), nil
}
