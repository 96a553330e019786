package crmprovider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// Registry maps provider types to Provider implementations
type Registry struct {
	mu        sync.RWMutex
	providers map[crm.ProviderType]crm.Provider
}

var _ crm.ProviderFactory = (*Registry)(nil)

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[crm.ProviderType]crm.Provider)}
}

// Register adds or replaces the provider of a type
func (r *Registry) Register(t crm.ProviderType, p crm.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[t] = p
}

// ProviderFor returns the provider registered for the connection's type
func (r *Registry) ProviderFor(conn *crm.Connection) (crm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[conn.ProviderType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", crm.ErrProviderNotRegistered, conn.ProviderType)
	}
	return p, nil
}

// Types lists the registered provider types
func (r *Registry) Types() []crm.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crm.ProviderType, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
