package worker

import (
	"context"
	"time"

	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultJoinInterval = time.Minute

// Job grades one result id.
type Job func(ctx context.Context, resultID int64) error

// Pool runs one job per result id with at most Size concurrent jobs.
type Pool struct {
	size int
	// JoinInterval is how long a join waits before logging progress and waiting again.
	JoinInterval time.Duration
	busy         func() int
}

// NewPool creates a pool sized to slots.
func NewPool(slots *SlotPool) *Pool {
	return &Pool{size: slots.Size(), JoinInterval: defaultJoinInterval, busy: slots.Busy}
}

// Run starts a job per result id and waits for all of them. The first job error
// cancels the context of every other job, and is returned once all jobs returned.
func (p *Pool) Run(ctx context.Context, resultIDs []int64, job Job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	for _, id := range resultIDs {
		if gctx.Err() != nil {
			logger.Warn(ctx, "Not starting remaining submissions", zap.Int64("result_id", id))
			break
		}
		id := id
		g.Go(func() error {
			return job(gctx, id)
		})
	}
	return p.join(ctx, g)
}

func (p *Pool) join(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	interval := p.JoinInterval
	if interval <= 0 {
		interval = defaultJoinInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			logger.Info(ctx, "Waiting for submissions to finish",
				zap.Int("busy_slots", p.busy()),
				zap.Bool("stopping", ctx.Err() != nil),
			)
		}
	}
}
