package provider

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultRegistry holds the configured remotes by name.
type DefaultRegistry struct {
	providers map[string]Provider
	primary   string
	mu        sync.RWMutex
}

// NewRegistry creates a new provider registry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		providers: make(map[string]Provider),
	}
}

// Register adds a new provider.
func (r *DefaultRegistry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("remote '%s' already registered", p.ID())
	}

	r.providers[p.ID()] = p

	// First remote becomes the default
	if r.primary == "" {
		r.primary = p.ID()
	}

	return nil
}

// Get returns provider by ID.
func (r *DefaultRegistry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	return p, ok
}

// Resolve returns the named remote, or the default one when name is empty.
func (r *DefaultRegistry) Resolve(name string) (Provider, error) {
	if name == "" {
		if p := r.Primary(); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("no remotes configured")
	}
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("remote '%s' not found", name)
	}
	return p, nil
}

// All returns all registered providers sorted by ID.
func (r *DefaultRegistry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Primary returns the default remote.
func (r *DefaultRegistry) Primary() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.primary == "" {
		return nil
	}
	return r.providers[r.primary]
}

// SetPrimary sets the default remote.
func (r *DefaultRegistry) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; !exists {
		return fmt.Errorf("remote '%s' not found", id)
	}

	r.primary = id
	return nil
}
