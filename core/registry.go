package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AdapterRegistry maps provider names to adapters. An unknown provider is a
// programming error, so Get fails fast instead of returning a zero value.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[ProviderID]Adapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[ProviderID]Adapter)}
}

func (r *AdapterRegistry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("core: adapter is nil")
	}
	id := adapter.Provider()
	if strings.TrimSpace(id.String()) == "" {
		return fmt.Errorf("core: adapter provider id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("core: adapter already registered: %s", id)
	}
	r.adapters[id] = adapter
	return nil
}

func (r *AdapterRegistry) Get(provider string) (Adapter, error) {
	id, err := ParseProviderID(provider)
	if err != nil {
		return nil, NewProviderNotFound(provider)
	}
	r.mu.RLock()
	adapter, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, NewProviderNotFound(provider)
	}
	return adapter, nil
}

func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		names = append(names, id.String())
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

var _ Registry = (*AdapterRegistry)(nil)
