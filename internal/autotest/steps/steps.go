// Package steps holds the step kinds a pipeline can run.
package steps

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"autotest/internal/autotest/model"
	"autotest/internal/autotest/sandbox"
	appErr "autotest/pkg/errors"
)

// Runner runs student commands in the sandbox the step belongs to.
type Runner interface {
	RunStudentCommand(ctx context.Context, shell string, stdin []byte) (sandbox.StudentOutput, error)
}

// Outcome is what a step produced. Log is sent to the coordinator as is.
type Outcome struct {
	Points float64
	State  model.StepState
	Log    map[string]any
}

// Handler executes one step kind. achieved is the total scored so far for the submission.
// Returning a StopRunningSteps error ends the current suite; a non-empty Outcome
// returned with it is still reported.
type Handler interface {
	Execute(ctx context.Context, r Runner, step model.Step, achieved float64) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r Runner, step model.Step, achieved float64) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, r Runner, step model.Step, achieved float64) (Outcome, error) {
	return f(ctx, r, step, achieved)
}

// Registry maps step kind names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(KindRunProgram, runProgram{})
	r.Register(KindCheckPoints, checkPoints{})
	r.Register(KindCustomOutput, customOutput{})
	return r
}

// Register adds or replaces the handler for kind.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, appErr.Newf(appErr.StepKindNotFound, "unknown step kind %q", kind)
	}
	return h, nil
}

// CheckSets fails on the first step whose kind has no handler.
func (r *Registry) CheckSets(sets []model.Set) error {
	for _, set := range sets {
		for _, suite := range set.Suites {
			for _, step := range suite.Steps {
				if _, err := r.Lookup(step.Kind); err != nil {
					return appErr.Wrapf(err, appErr.StepKindNotFound, "step %d: unknown step kind %q", step.ID, step.Kind)
				}
			}
		}
	}
	return nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// StopRunningSteps returns the error that ends the current suite.
func StopRunningSteps(format string, args ...any) error {
	return appErr.Newf(appErr.StopRunningSteps, format, args...)
}

// IsStopRunningSteps reports whether err ends the current suite.
func IsStopRunningSteps(err error) bool {
	return appErr.HasCode(err, appErr.StopRunningSteps)
}

func decodeData(step model.Step, dst any) error {
	if len(step.Data) == 0 {
		return appErr.Newf(appErr.InvalidStepData, "step %d has no data", step.ID)
	}
	if err := json.Unmarshal(step.Data, dst); err != nil {
		return appErr.Wrapf(err, appErr.InvalidStepData, "decode data of step %d failed: %v", step.ID, err)
	}
	return nil
}

func commandLog(out sandbox.StudentOutput) map[string]any {
	return map[string]any{
		"exit_code": out.ExitCode,
		"stdout":    out.Stdout,
		"stderr":    out.Stderr,
	}
}

func passedIf(ok bool) model.StepState {
	if ok {
		return model.StepPassed
	}
	return model.StepFailed
}
