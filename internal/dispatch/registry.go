package dispatch

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a dispatcher name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the dispatchers available to the server.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
	}
}

// Register adds a dispatcher under the given name.
func (r *Registry) Register(name string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[name] = d
}

// Resolve returns the dispatcher registered as name.
func (r *Registry) Resolve(name string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dispatchers[name]
	if !ok {
		return nil, fmt.Errorf("dispatcher %q is not registered", name)
	}
	return d, nil
}

// List returns all registered dispatchers sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.dispatchers))
	for name, d := range r.dispatchers {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: d.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
