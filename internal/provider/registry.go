package provider

import (
	"sort"
	"sync"

	"github.com/edisonhq/edison/internal/fault"
)

// Registry holds the instantiated adapter per provider tag. Adapters are
// registered at credential-instantiation time and read-mostly afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its provider tag, replacing any prior
// adapter for the same tag (a credential rotation).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for the given provider tag.
func (r *Registry) Get(tag string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[tag]
	if !ok {
		return nil, fault.New(fault.NotFound, "no adapter registered for provider %q", tag)
	}
	return a, nil
}

// List returns the registered provider tags in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Exists reports whether an adapter is registered for the tag.
func (r *Registry) Exists(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[tag]
	return ok
}
