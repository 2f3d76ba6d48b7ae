package phase

import (
	"maps"
	"sync"
)

// Registry tracks the current phase of running executions, for polling.
type Registry struct {
	mu     sync.RWMutex
	phases map[string]Phase
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{phases: make(map[string]Phase)}
}

// Insert registers a new execution at its first phase.
func (r *Registry) Insert(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[id] = PhaseIssueAnalysis
}

// set updates the phase of a registered execution.
func (r *Registry) set(id string, p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.phases[id]; ok {
		r.phases[id] = p
	}
}

// Remove forgets an execution.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.phases, id)
}

// Status returns the current phase of an execution and whether it is running.
func (r *Registry) Status(id string) (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.phases[id]
	return p, ok
}

// List returns a snapshot of all running executions.
func (r *Registry) List() map[string]Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.phases)
}
