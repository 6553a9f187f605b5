package agent

import (
	"fmt"
	"sync"

	"TradeCollector/internal/domain"
)

// Registry keeps agents by source name and guards one run per source at a time.
type Registry struct {
	mu     sync.Mutex
	agents map[string]Agent
	order  []string
	busy   map[string]bool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}, busy: map[string]bool{}}
}

// Register adds an agent; names must be unique.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return fmt.Errorf("agent name is empty")
	}
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("agent %s is already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Resolve returns an agent by name or domain.ErrSourceNotFound.
func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("agent %s is not registered: %w", name, domain.ErrSourceNotFound)
}

// Names lists agents in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

// TryAcquire marks name as running; it returns false if it already is.
func (r *Registry) TryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy[name] {
		return false
	}
	r.busy[name] = true
	return true
}

// Release clears the running mark set by TryAcquire.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.busy, name)
}

// Busy reports whether name is currently running.
func (r *Registry) Busy(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.busy[name]
}
