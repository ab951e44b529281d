package pipeline

import (
	"sort"
	"sync"
)

// Registry collects the health trackers of every component running in the
// process. The health server reports from it.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*ComponentHealth)}
}

// Register adds h, replacing any tracker with the same name.
func (r *Registry) Register(h *ComponentHealth) {
	r.mu.Lock()
	r.components[h.Name()] = h
	r.mu.Unlock()
}

// Get returns the tracker for name, or nil if not found.
func (r *Registry) Get(name string) *ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.components[name]
}

// Snapshots returns every component's state ordered by name.
func (r *Registry) Snapshots() []HealthSnapshot {
	r.mu.RLock()
	out := make([]HealthSnapshot, 0, len(r.components))
	for _, h := range r.components {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Healthy is false when any component is UNHEALTHY.
func (r *Registry) Healthy() bool {
	for _, s := range r.Snapshots() {
		if s.Status == string(HealthStatusUnhealthy) {
			return false
		}
	}
	return true
}
