package pool

import (
	"fmt"
	"sync"
	"time"
)

// Registry resolves pool identity to the owning pool. It holds no pool
// state of its own; all mutation stays inside each pool's serialization
// boundary.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*ProcessPool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pools: make(map[string]*ProcessPool),
	}
}

// Register adds a pool under its id.
func (r *Registry) Register(p *ProcessPool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[p.ID()]; ok {
		return fmt.Errorf("register %s: %w", p.ID(), ErrPoolExists)
	}
	r.pools[p.ID()] = p
	return nil
}

// Get resolves a pool id to its owning pool.
func (r *Registry) Get(id string) (*ProcessPool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrPoolNotFound)
	}
	return p, nil
}

// List returns all registered pools.
func (r *Registry) List() []*ProcessPool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ProcessPool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// Remove closes a pool and drops it from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	p, ok := r.pools[id]
	if ok {
		delete(r.pools, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrPoolNotFound)
	}
	p.Close()
	return nil
}

// RemoveStale closes and drops pools whose workers have not heartbeated
// within maxAge. Returns the removed pool ids.
func (r *Registry) RemoveStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*ProcessPool
	for id, p := range r.pools {
		if p.LastHeartbeat().Before(cutoff) {
			stale = append(stale, p)
			delete(r.pools, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, p := range stale {
		p.Close()
		ids = append(ids, p.ID())
	}
	return ids
}
