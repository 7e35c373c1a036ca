package asr

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages ASR backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	primary  string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry. The first registered backend
// becomes the primary by default.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary sets the primary backend by name.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("%w: %q is not registered", ErrNoBackend, name)
	}
	r.primary = name
	return nil
}

// Get returns a backend by name, or false if not found.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Primary returns the primary backend, or ErrNoBackend if none is registered.
func (r *Registry) Primary() (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[r.primary]
	if !ok {
		return nil, ErrNoBackend
	}
	return b, nil
}

// Backends returns the names of all registered backends, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
