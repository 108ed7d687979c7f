package runner

import (
	"context"
	"sync"
	"time"

	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultLogPushInterval = 15 * time.Second
	maxPendingLogs         = 50000
)

type logPoster interface {
	PostLogs(ctx context.Context, logs []map[string]any) error
}

// logShipper collects every log entry written during a run and posts them in
// batches. A batch that could not be posted is kept for the next push.
type logShipper struct {
	poster logPoster

	mu      sync.Mutex
	pending []map[string]any
	dropped int

	pushMu sync.Mutex
	remove func()
	ticker *ticker
}

func startLogShipper(ctx context.Context, poster logPoster, interval time.Duration) *logShipper {
	if interval <= 0 {
		interval = defaultLogPushInterval
	}
	s := &logShipper{poster: poster}
	s.remove = logger.AddSink(s.collect)
	s.ticker = startTicker(ctx, interval, s.push)
	return s
}

func (s *logShipper) collect(entry map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPendingLogs {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, entry)
}

// push posts everything collected so far.
func (s *logShipper) push(ctx context.Context) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	dropped := s.dropped
	s.pending = nil
	s.dropped = 0
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.poster.PostLogs(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.dropped += dropped
		if over := len(s.pending) - maxPendingLogs; over > 0 {
			s.pending = s.pending[over:]
			s.dropped += over
		}
		s.mu.Unlock()
		logger.Warn(ctx, "Pushing logs failed", zap.Int("entries", len(batch)), zap.Error(err))
		return
	}
	if dropped > 0 {
		logger.Warn(ctx, "Dropped log entries before pushing", zap.Int("dropped", dropped))
	}
}

// stop ends periodic pushing, stops collecting and flushes what is left.
func (s *logShipper) stop(ctx context.Context) {
	s.ticker.stop()
	s.remove()
	s.push(ctx)
}
