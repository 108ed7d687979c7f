package runner

import (
	"sort"
	"sync"

	appErr "autotest/pkg/errors"
)

// Registry maps endpoint runner kinds to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns a registry holding runners.
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{runners: make(map[string]Runner, len(runners))}
	for _, run := range runners {
		r.Register(run)
	}
	return r
}

// Register adds or replaces the runner for its kind.
func (r *Registry) Register(run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[run.Kind()] = run
}

func (r *Registry) Lookup(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runners[kind]
	if !ok {
		return nil, appErr.Newf(appErr.RunnerKindNotFound, "unknown runner kind %q", kind)
	}
	return run, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
