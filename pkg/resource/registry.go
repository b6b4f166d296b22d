package resource

import (
	"sort"
	"sync"
)

// Registry maps paths to providers. Paths are compared without leading
// or trailing slashes; "" is the root resource.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds path to p.
func (r *Registry) Register(path string, p Provider) error {
	if p == nil {
		return ErrNilProvider
	}
	path = CleanPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[path]; ok {
		return ErrDuplicatePath
	}
	r.providers[path] = p
	return nil
}

// Lookup returns the provider for path.
func (r *Registry) Lookup(path string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[CleanPath(path)]
	return p, ok
}

// Remove unbinds path. It returns false if nothing was registered.
func (r *Registry) Remove(path string) bool {
	path = CleanPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[path]; !ok {
		return false
	}
	delete(r.providers, path)
	return true
}

// Paths returns the registered paths in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	paths := make([]string, 0, len(r.providers))
	for p := range r.providers {
		paths = append(paths, p)
	}
	r.mu.RUnlock()

	sort.Strings(paths)
	return paths
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
