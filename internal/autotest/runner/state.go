package runner

import (
	"context"
	"sync"

	"autotest/internal/autotest/model"
	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

type runStateReporter interface {
	UpdateRunState(ctx context.Context, state model.RunState) error
}

// stateTracker reports run states and refuses to move backwards. The local
// state advances before the report is sent, so a failed report still allows
// the terminal state to be reported afterwards.
type stateTracker struct {
	reporter runStateReporter
	status   *Status

	mu    sync.Mutex
	state model.RunState
}

func newStateTracker(reporter runStateReporter, status *Status) *stateTracker {
	return &stateTracker{reporter: reporter, status: status}
}

func (t *stateTracker) set(ctx context.Context, next model.RunState) error {
	t.mu.Lock()
	current := t.state
	if !current.CanTransitionTo(next) {
		t.mu.Unlock()
		return appErr.Newf(appErr.InvalidStateTransition, "run state cannot move from %q to %q", current, next)
	}
	t.state = next
	t.mu.Unlock()

	t.status.setState(next)
	logger.Info(ctx, "Updating run state", zap.String("from", string(current)), zap.String("to", string(next)))
	return t.reporter.UpdateRunState(ctx, next)
}

func (t *stateTracker) current() model.RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
