package runner

import (
	"sync"
	"time"

	"autotest/internal/autotest/model"
)

// Status is what the runner is doing right now. It is safe for concurrent use.
type Status struct {
	mu         sync.RWMutex
	runID      int64
	autoTestID int64
	endpoint   string
	state      model.RunState
	startedAt  time.Time
	slots      slotCounter
	runs       int
}

type slotCounter interface {
	Busy() int
	Size() int
}

// StatusSnapshot is a point-in-time copy of Status.
type StatusSnapshot struct {
	RunID      int64          `json:"run_id,omitempty"`
	AutoTestID int64          `json:"auto_test_id,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	State      model.RunState `json:"state,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	BusySlots  int            `json:"busy_slots"`
	TotalSlots int            `json:"total_slots"`
	Runs       int            `json:"runs"`
}

// NewStatus creates an idle status.
func NewStatus() *Status {
	return &Status{}
}

func (s *Status) begin(ins *model.Instructions, endpoint string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = ins.RunID
	s.autoTestID = ins.AutoTestID
	s.endpoint = endpoint
	s.state = ""
	s.startedAt = time.Now()
	s.slots = nil
}

func (s *Status) setState(state model.RunState) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Status) setSlots(slots slotCounter) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.slots = slots
	s.mu.Unlock()
}

func (s *Status) end() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.runID = 0
	s.autoTestID = 0
	s.endpoint = ""
	s.state = ""
	s.startedAt = time.Time{}
	s.slots = nil
}

// Snapshot returns the current status.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StatusSnapshot{
		RunID:      s.runID,
		AutoTestID: s.autoTestID,
		Endpoint:   s.endpoint,
		State:      s.state,
		Runs:       s.runs,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if s.slots != nil {
		snap.BusySlots = s.slots.Busy()
		snap.TotalSlots = s.slots.Size()
	}
	return snap
}
