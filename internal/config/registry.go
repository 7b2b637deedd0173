package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/veridian-labs/aria/pkg/live"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps live provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(APIConfig) (live.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(APIConfig) (live.Provider, error)),
	}
}

// Register registers a live provider factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(APIConfig) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a live provider using the factory registered under
// api.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(api APIConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[api.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, api.Provider)
	}
	return factory(api)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
