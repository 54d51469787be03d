package device

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoFactory = errors.New("no adapter factory for interface")

// Factory creates an adapter for discovered or persisted settings
type Factory interface {
	Create(settings Settings) (Adapter, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc func(settings Settings) (Adapter, error)

func (f FactoryFunc) Create(settings Settings) (Adapter, error) {
	return f(settings)
}

// Registry dispatches adapter creation to the factory registered for the
// settings' interface.
type Registry struct {
	mu        sync.RWMutex
	factories map[InterfaceName]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[InterfaceName]Factory)}
}

func (r *Registry) Register(name InterfaceName, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Create(settings Settings) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[settings.Interface]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFactory, settings.Interface)
	}
	return f.Create(settings)
}
