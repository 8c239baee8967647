// Package bypass holds the process-scoped suppression state consulted by the
// dispatcher: a set of entity types and rule ids that must not run, plus the
// caller permissions used by permission-gated bindings.
package bypass

import (
	"sort"
	"sync"
)

// Registry is a concurrency-safe set of suppressed identifiers. Identifiers
// are entity type names or rule ids; the registry does not distinguish them.
type Registry struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry for embedding layers that want
// static-like controls. Library code should receive a *Registry explicitly.
func Default() *Registry {
	return defaultRegistry
}

// Bypass suppresses id. Bypassing an id twice is the same as once.
func (r *Registry) Bypass(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
}

// ClearBypass lifts the suppression of id. Clearing an absent id is a no-op.
func (r *Registry) ClearBypass(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, id)
}

// ClearAll lifts every suppression.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[string]struct{})
}

// IsBypassed reports whether id is suppressed.
func (r *Registry) IsBypassed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// List returns the suppressed ids in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns an immutable copy of the current state. The dispatcher
// reads one snapshot per call so a concurrent Bypass does not change the
// outcome halfway through a dispatch.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]struct{}, len(r.ids))
	for id := range r.ids {
		ids[id] = struct{}{}
	}
	return Snapshot{ids: ids}
}

// Acquire bypasses id and returns a release func restoring the previous
// state. If id was already bypassed, release leaves it bypassed so nested
// scopes do not clear an outer suppression.
func (r *Registry) Acquire(id string) (release func()) {
	r.mu.Lock()
	_, already := r.ids[id]
	r.ids[id] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			if !already {
				r.ClearBypass(id)
			}
		})
	}
}

// With bypasses ids for the duration of fn. The suppression is lifted even
// when fn returns an error or panics.
func (r *Registry) With(fn func() error, ids ...string) error {
	releases := make([]func(), 0, len(ids))
	for _, id := range ids {
		releases = append(releases, r.Acquire(id))
	}
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	return fn()
}

// Snapshot is a read-only view of a Registry at one point in time.
type Snapshot struct {
	ids map[string]struct{}
}

// IsBypassed reports whether id was suppressed when the snapshot was taken.
func (s Snapshot) IsBypassed(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of suppressed ids.
func (s Snapshot) Len() int {
	return len(s.ids)
}
