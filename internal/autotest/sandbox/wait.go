package sandbox

import (
	"context"
	"time"

	appErr "autotest/pkg/errors"
)

// WaitFor polls cond every interval until it returns true, the timeout passes or ctx is done.
func WaitFor(ctx context.Context, op string, timeout, interval time.Duration, cond func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.Newf(appErr.Timeout, "%s did not converge within %s", op, timeout)
		}
		select {
		case <-ctx.Done():
			return stoppedError(op)
		case <-ticker.C:
		}
	}
}
