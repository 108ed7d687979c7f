package runner

import (
	"context"
	"time"

	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

// RetryConfig bounds a retried provider action.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 50
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// computeBackoff doubles base per attempt and caps the result at max.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// retry calls fn until it succeeds or the attempts run out. An error coded
// ProviderActionFailed is returned at once.
func retry(ctx context.Context, action string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	defer logger.Timed(ctx, "provider action", zap.String("action", action))()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if appErr.Is(err, appErr.ProviderActionFailed) {
			return err
		}
		lastErr = err
		delay := computeBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay)
		logger.Info(ctx, "Could not perform action yet",
			zap.String("action", action),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return appErr.Wrapf(ctx.Err(), appErr.ProviderActionTimeout, "%s canceled: %v", action, ctx.Err())
		case <-timer.C:
		}
	}
	logger.Error(ctx, "Couldn't perform action", zap.String("action", action), zap.Error(lastErr))
	return appErr.Newf(appErr.ProviderActionTimeout, "%s did not succeed after %d attempts", action, cfg.MaxAttempts).
		WithDetail("last_error", errorString(lastErr))
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
