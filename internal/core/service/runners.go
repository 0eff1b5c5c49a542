package service

import (
	"slices"
	"sync"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
)

// RunnerRegistry maps task types to the runner able to execute them
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[domain.TaskType]port.Runner
}

func NewRunnerRegistry(runners ...port.Runner) *RunnerRegistry {
	r := &RunnerRegistry{runners: make(map[domain.TaskType]port.Runner)}
	for _, rn := range runners {
		r.Register(rn)
	}
	return r
}

// Register adds or replaces the runner for its type. Safe to call concurrently.
func (r *RunnerRegistry) Register(rn port.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.Type()] = rn
}

// Get returns the runner for taskType or an UnsupportedTaskTypeError
func (r *RunnerRegistry) Get(taskType domain.TaskType) (port.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[taskType]
	if !ok {
		return nil, &domain.UnsupportedTaskTypeError{TaskType: taskType}
	}
	return rn, nil
}

// Types lists the registered capabilities in a stable order
func (r *RunnerRegistry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.TaskType, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
