package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appErr "autotest/pkg/errors"
)

// CommandTimeoutError is returned when a command outlived its time limit.
// Stdout and Stderr hold what the command wrote before it was killed.
type CommandTimeoutError struct {
	Argv    []string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", strings.Join(e.Argv, " "), e.Timeout)
}

// AsTimeout returns the timeout error in err's chain, if any.
func AsTimeout(err error) (*CommandTimeoutError, bool) {
	var timeout *CommandTimeoutError
	if errors.As(err, &timeout) {
		return timeout, true
	}
	return nil, false
}

// IsStopped reports whether err was caused by the run being stopped.
func IsStopped(err error) bool {
	return appErr.HasCode(err, appErr.SandboxStopped)
}

func stoppedError(op string) error {
	return appErr.Newf(appErr.SandboxStopped, "sandbox stopped during %s", op)
}

// CheckStopped returns a stopped error once ctx is done.
func CheckStopped(ctx context.Context, op string) error {
	if ctx.Err() != nil {
		return stoppedError(op)
	}
	return nil
}
