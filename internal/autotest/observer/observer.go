// Package observer defines metrics hooks for runs, submissions and sandboxes.
package observer

import (
	"context"
	"time"
)

// Recorder records runner metrics.
type Recorder interface {
	ObserveRun(ctx context.Context, state string)
	ObserveResult(ctx context.Context, state string, points float64)
	ObserveStep(ctx context.Context, kind string, state string, elapsed time.Duration)
	ObserveCommand(ctx context.Context, student bool, elapsed time.Duration, timedOut bool)
	ObserveSnapshot(ctx context.Context, op string, elapsed time.Duration, ok bool)
	SetBusySlots(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveRun(context.Context, string) {}
func (Nop) ObserveResult(context.Context, string, float64) {}
func (Nop) ObserveStep(context.Context, string, string, time.Duration) {}
func (Nop) ObserveCommand(context.Context, bool, time.Duration, bool) {}
func (Nop) ObserveSnapshot(context.Context, string, time.Duration, bool) {}
func (Nop) SetBusySlots(int) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
