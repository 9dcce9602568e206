package stream

import (
	"sort"
	"sync"
)

// Registry records the channels each scope wants pushed. It outlives
// individual sessions and is replayed onto every new one.
type Registry struct {
	mu   sync.Mutex
	sets map[Scope]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[Scope]map[string]struct{})}
}

// Add records channels for scope and returns the ones not seen before, in
// input order.
func (r *Registry) Add(scope Scope, channels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[scope]
	if !ok {
		set = make(map[string]struct{}, len(channels))
		r.sets[scope] = set
	}
	added := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, exists := set[ch]; exists {
			continue
		}
		set[ch] = struct{}{}
		added = append(added, ch)
	}
	return added
}

// Channels returns scope's channels, sorted.
func (r *Registry) Channels(scope Scope) []string {
	r.mu.Lock()
	set := r.sets[scope]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of channels recorded for scope.
func (r *Registry) Len(scope Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets[scope])
}

// Forget drops every channel recorded for scope.
func (r *Registry) Forget(scope Scope) {
	r.mu.Lock()
	delete(r.sets, scope)
	r.mu.Unlock()
}

func chunkChannels(channels []string, size int) [][]string {
	if len(channels) == 0 {
		return nil
	}
	if size <= 0 || len(channels) <= size {
		snapshot := make([]string, len(channels))
		copy(snapshot, channels)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(channels)+size-1)/size)
	for start := 0; start < len(channels); start += size {
		end := min(start+size, len(channels))
		chunk := make([]string, end-start)
		copy(chunk, channels[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
