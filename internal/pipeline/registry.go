package pipeline

import (
	"fmt"
	"sync"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// Registry maps step kinds to handler factories. Each kind registers exactly
// once; a second registration is a wiring bug and fails loudly.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.StepType]HandlerFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.StepType]HandlerFactory)}
}

// Register binds a factory to a step kind.
func (r *Registry) Register(kind models.StepType, factory HandlerFactory) error {
	if !kind.Valid() {
		return fmt.Errorf("registering handler: unknown step kind %q", kind)
	}
	if factory == nil {
		return fmt.Errorf("registering handler for %s: nil factory", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister binds a factory and panics on error. Used at composition time
// where a duplicate registration means the binary is miswired.
func (r *Registry) MustRegister(kind models.StepType, factory HandlerFactory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Get constructs a handler for the kind.
func (r *Registry) Get(kind models.StepType) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	return factory(), nil
}

// Kinds returns the registered step kinds.
func (r *Registry) Kinds() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.StepType, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
