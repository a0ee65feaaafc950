package server

import (
	"fmt"
	"sync"

	"github.com/shrtyk/raft-sessions/api"
)

// Registry maps state machine names to factories so servers can be
// configured by type name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() api.StateMachine
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() api.StateMachine)}
}

// Register adds a state machine type. Re-registering a name replaces the
// previous factory.
func (r *Registry) Register(name string, factory func() api.StateMachine) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return r
}

// Unregister removes a state machine type.
func (r *Registry) Unregister(name string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
	return r
}

// New instantiates the state machine registered under name.
func (r *Registry) New(name string) (api.StateMachine, error) {
	r.mu.RLock()
	factory := r.factories[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown state machine type %q", name)
	}
	return factory(), nil
}

// Size returns the number of registered types.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
