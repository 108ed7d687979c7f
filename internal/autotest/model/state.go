package model

// RunState is the coordinator-visible state of a run.
type RunState string

const (
	RunStarting RunState = "starting"
	RunRunning  RunState = "running"
	RunDone     RunState = "done"
	RunCrashed  RunState = "crashed"
	RunTimedOut RunState = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	switch s {
	case RunDone, RunCrashed, RunTimedOut:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a forward move from s.
// The zero state may only move to starting.
func (s RunState) CanTransitionTo(next RunState) bool {
	switch s {
	case "":
		return next == RunStarting
	case RunStarting:
		return next == RunRunning || next.Terminal()
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// StepState is the state of one step result.
type StepState string

const (
	StepNotStarted StepState = "not_started"
	StepRunning    StepState = "running"
	StepPassed     StepState = "passed"
	StepFailed     StepState = "failed"
	StepTimedOut   StepState = "timed_out"
)

// Terminal reports whether the step is finished.
func (s StepState) Terminal() bool {
	return s == StepPassed || s == StepFailed || s == StepTimedOut
}

// ResultState is the state of one submission result.
type ResultState string

const (
	ResultNotStarted ResultState = "not_started"
	ResultRunning    ResultState = "running"
	ResultPassed     ResultState = "passed"
	ResultFailed     ResultState = "failed"
	ResultTimedOut   ResultState = "timed_out"
)

// Terminal reports whether the submission is finished.
func (s ResultState) Terminal() bool {
	return s == ResultPassed || s == ResultFailed || s == ResultTimedOut
}
