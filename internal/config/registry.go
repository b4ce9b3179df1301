package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// BackendFactory constructs a speech backend from its config entry.
type BackendFactory func(ProviderEntry) (s2s.Provider, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// RegisterBackend registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateBackend instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateBackend(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.backends[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", entry.Name, err)
	}
	return p, nil
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
