package voiceplugin

import (
	"fmt"
	"sync"
)

// Registry is an explicit constructor registry mapping a Backend to the
// Factory that builds it, replacing a global plugin-table pattern with
// construction the caller controls.
type Registry struct {
	mu        sync.RWMutex
	factories map[Backend]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Backend]Factory)}
}

// Register binds a Backend to the Factory that constructs it. Registering
// the same Backend twice replaces the previous factory.
func (r *Registry) Register(backend Backend, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

// New constructs an Engine for backend using its registered Factory.
func (r *Registry) New(backend Backend, auth Auth) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[backend]
	r.mu.RUnlock()

	if !ok {
		return nil, &Error{
			Code:    ErrCodeUnknownBackend,
			Message: fmt.Sprintf("no engine registered for backend %q", backend),
		}
	}
	return factory(auth)
}
