package session

import (
	"sort"
	"sync"
)

// Registry caches session summaries by key. The backend is the source of
// truth: entries are only ever added or overwritten, never removed.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Summary
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]Summary),
	}
}

// Upsert replaces the summary stored under s.Key. Summaries without a key
// are rejected.
func (r *Registry) Upsert(s Summary) bool {
	if s.Key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[s.Key]; !ok {
		r.order = append(r.order, s.Key)
	}
	r.byKey[s.Key] = s
	return true
}

// Merge applies a partial update, last write wins per field
func (r *Registry) Merge(u Update) bool {
	if u.Key == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[u.Key]
	if !ok {
		s = Summary{Key: u.Key}
		r.order = append(r.order, u.Key)
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Model != nil {
		s.Model = *u.Model
	}
	r.byKey[u.Key] = s
	return true
}

// Get returns the summary stored under key
func (r *Registry) Get(key string) (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key]
	return s, ok
}

// List returns every summary in order of first appearance
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Groups buckets summaries by status: active first, the rest by name.
// Within a group, sessions keep their List order.
func (r *Registry) Groups() []Group {
	index := make(map[string]int)
	var groups []Group
	for _, s := range r.List() {
		i, ok := index[s.Status]
		if !ok {
			i = len(groups)
			index[s.Status] = i
			groups = append(groups, Group{Status: s.Status})
		}
		groups[i].Sessions = append(groups[i].Sessions, s)
	}

	sort.SliceStable(groups, func(a, b int) bool {
		if (groups[a].Status == StatusActive) != (groups[b].Status == StatusActive) {
			return groups[a].Status == StatusActive
		}
		return groups[a].Status < groups[b].Status
	})
	return groups
}
