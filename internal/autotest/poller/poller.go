// Package poller asks coordinator endpoints for work and runs it.
package poller

import (
	"context"
	"time"

	"autotest/internal/autotest/coordinator"
	"autotest/internal/autotest/model"
	"autotest/internal/autotest/runner"
	"autotest/pkg/utils/contextkey"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultInterval = 30 * time.Second

// Source is one coordinator endpoint.
type Source interface {
	Endpoint() coordinator.Endpoint
	// PollWork returns nil instructions when there is no work.
	PollWork(ctx context.Context) (*model.Instructions, error)
	Reporter(ins *model.Instructions) runner.RunReporter
}

type clientSource struct {
	*coordinator.Client
}

func (c clientSource) Reporter(ins *model.Instructions) runner.RunReporter {
	return c.ForRun(ins)
}

// FromClients wraps coordinator clients as sources.
func FromClients(clients ...*coordinator.Client) []Source {
	out := make([]Source, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientSource{Client: c})
	}
	return out
}

// Poller runs one run at a time, taken from the first endpoint that has work.
type Poller struct {
	sources  []Source
	runners  *runner.Registry
	interval time.Duration
}

// New creates a poller. A non-positive interval uses the default.
func New(sources []Source, runners *runner.Registry, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{sources: sources, runners: runners, interval: interval}
}

// Run polls until ctx is done. After every run the endpoints are scanned again
// from the first one; when none has work the poller sleeps for the interval.
func (p *Poller) Run(ctx context.Context) error {
	logger.Info(ctx, "Start polling", zap.Int("endpoints", len(p.sources)), zap.Duration("interval", p.interval))
	for {
		if ctx.Err() != nil {
			logger.Info(ctx, "Stopped polling")
			return nil
		}
		if p.pollOnce(ctx) {
			continue
		}

		logger.Debug(ctx, "No work found, sleeping", zap.Duration("interval", p.interval))
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info(ctx, "Stopped polling")
			return nil
		case <-timer.C:
		}
	}
}

// pollOnce runs the first available piece of work and reports whether it found any.
func (p *Poller) pollOnce(ctx context.Context) bool {
	for _, src := range p.sources {
		if ctx.Err() != nil {
			return false
		}
		endpoint := src.Endpoint()
		ectx := context.WithValue(ctx, contextkey.Endpoint, endpoint.URL)

		ins, err := src.PollWork(ectx)
		if err != nil {
			logger.Error(ectx, "Failed to get server", zap.Error(err))
			continue
		}
		if ins == nil {
			continue
		}

		run, err := p.runners.Lookup(endpoint.Kind)
		if err != nil {
			logger.Error(ectx, "Cannot run tests for endpoint", zap.String("kind", endpoint.Kind), zap.Error(err))
			continue
		}
		logger.Info(ectx, "Got test to run",
			zap.Int64("run_id", ins.RunID),
			zap.Int64("auto_test_id", ins.AutoTestID),
			zap.Int("submissions", len(ins.ResultIDs)),
			zap.String("kind", run.Kind()),
		)
		if err := run.Run(ectx, endpoint.URL, ins, src.Reporter(ins)); err != nil {
			logger.Error(ectx, "Run crashed", zap.Int64("run_id", ins.RunID), zap.Error(err))
		}
		return true
	}
	return false
}
