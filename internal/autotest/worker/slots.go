// Package worker grades submissions concurrently, one CPU slot per submission.
package worker

import (
	"context"

	"autotest/internal/autotest/observer"
	"autotest/internal/autotest/sandbox"
)

// SlotPool hands out CPU numbers 0..N-1. A holder owns its slot exclusively
// until it calls Release.
type SlotPool struct {
	slots    chan int
	recorder observer.Recorder
}

// NewSlotPool creates a pool of n slots. n below 1 is treated as 1.
func NewSlotPool(n int, recorder observer.Recorder) *SlotPool {
	if n < 1 {
		n = 1
	}
	p := &SlotPool{slots: make(chan int, n), recorder: observer.OrNop(recorder)}
	for i := 0; i < n; i++ {
		p.slots <- i
	}
	p.recorder.SetBusySlots(0)
	return p
}

// Acquire blocks until a slot is free. It fails with a stopped error once ctx is done.
func (p *SlotPool) Acquire(ctx context.Context) (int, error) {
	if err := sandbox.CheckStopped(ctx, "slot acquire"); err != nil {
		return -1, err
	}
	select {
	case slot := <-p.slots:
		p.recorder.SetBusySlots(p.Busy())
		return slot, nil
	case <-ctx.Done():
		return -1, sandbox.CheckStopped(ctx, "slot acquire")
	}
}

// Release returns slot to the pool.
func (p *SlotPool) Release(slot int) {
	p.slots <- slot
	p.recorder.SetBusySlots(p.Busy())
}

// Size returns the number of slots.
func (p *SlotPool) Size() int {
	return cap(p.slots)
}

// Available returns the number of free slots.
func (p *SlotPool) Available() int {
	return len(p.slots)
}

// Busy returns the number of slots in use.
func (p *SlotPool) Busy() int {
	return cap(p.slots) - len(p.slots)
}
