package runner

import (
	"context"
	"sync"
	"time"

	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

// ticker calls fn every interval on its own goroutine until stopped.
type ticker struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startTicker(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) *ticker {
	ctx, cancel := context.WithCancel(ctx)
	t := &ticker{cancel: cancel}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				fn(ctx)
			}
		}
	}()
	return t
}

// stop cancels the ticker and waits for a running fn to return.
func (t *ticker) stop() {
	t.cancel()
	t.wg.Wait()
}

type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

func startHeartbeat(ctx context.Context, hb heartbeater, interval time.Duration) *ticker {
	logger.Info(ctx, "Starting heartbeat interval", zap.Duration("interval", interval))
	return startTicker(ctx, interval, func(ctx context.Context) {
		if err := hb.Heartbeat(ctx); err != nil {
			logger.Warn(ctx, "Pushing heartbeat failed", zap.Error(err))
			return
		}
		logger.Debug(ctx, "Pushed heartbeat")
	})
}
