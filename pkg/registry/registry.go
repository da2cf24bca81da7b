// pkg/registry/registry.go
package registry

import (
	"sort"
	"sync"
	"time"
)

// Worker describes one registered pool member.
type Worker struct {
	ID        int       `json:"id"`
	Role      string    `json:"role"`
	Queue     string    `json:"queue"`
	IsLogger  bool      `json:"isLogger"`
	StartedAt time.Time `json:"startedAt"`
}

// Registry is the process-wide table of running workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]Worker
}

func New() *Registry {
	return &Registry{workers: make(map[int]Worker)}
}

func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.ID] = w
}

func (r *Registry) Deregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Workers returns the registered workers ordered by id.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many workers hold role.
func (r *Registry) Count(role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.Role == role {
			n++
		}
	}
	return n
}
