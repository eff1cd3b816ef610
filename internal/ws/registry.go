package ws

import (
	"sort"
	"sync"
)

// Registry counts open connections per identity. An identity is online while
// its count is above zero.
type Registry struct {
	mu    sync.Mutex
	conns map[string]int
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]int)}
}

// Register records one more connection for id. becameOnline is true only for
// the first connection.
func (r *Registry) Register(id string) (count int, becameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id]++
	count = r.conns[id]
	return count, count == 1
}

// Unregister drops one connection for id. Unknown identities are ignored.
func (r *Registry) Unregister(id string) (count int, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[id]
	if !ok {
		return 0, false
	}
	if current <= 1 {
		delete(r.conns, id)
		return 0, true
	}
	r.conns[id] = current - 1
	return current - 1, false
}

// ListOnline returns a sorted copy of the online identities.
func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) IsOnline(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id] > 0
}

func (r *Registry) Connections(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
