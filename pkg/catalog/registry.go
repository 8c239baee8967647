package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/ruleflow/pkg/domain"
)

// Factory constructs a rule instance.
type Factory func() (domain.Rule, error)

// Registry maps rule ids (and aliases) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
	}
}

// Register adds a factory under id. Aliases resolve to the same factory.
// Registering an id or alias twice is an error.
func (r *Registry) Register(id string, factory Factory, aliases ...string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("rule id is required")
	}
	if factory == nil {
		return fmt.Errorf("rule %q: factory is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(id) {
		return fmt.Errorf("rule %q already registered", id)
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias != "" && alias != id && r.taken(alias) {
			return fmt.Errorf("rule alias %q already registered", alias)
		}
	}

	r.factories[id] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == id {
			continue
		}
		r.aliases[alias] = id
	}
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(id string, factory Factory, aliases ...string) {
	if err := r.Register(id, factory, aliases...); err != nil {
		panic(err)
	}
}

// RegisterRule registers a shared instance. Every binding of id receives the
// same value, which suits stateless rules.
func (r *Registry) RegisterRule(id string, rule domain.Rule, aliases ...string) error {
	if rule == nil {
		return fmt.Errorf("rule %q: instance is required", id)
	}
	return r.Register(id, func() (domain.Rule, error) { return rule, nil }, aliases...)
}

// Resolve returns the factory and canonical id for id or one of its aliases.
func (r *Registry) Resolve(id string) (Factory, string, bool) {
	id = strings.TrimSpace(id)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if factory, ok := r.factories[id]; ok {
		return factory, id, true
	}
	if canonical, ok := r.aliases[id]; ok {
		if factory, ok := r.factories[canonical]; ok {
			return factory, canonical, true
		}
	}
	return nil, "", false
}

// IDs returns the canonical ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy, so per-load registrations (policy
// rules) do not leak into the base registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for id, f := range r.factories {
		out.factories[id] = f
	}
	for alias, id := range r.aliases {
		out.aliases[alias] = id
	}
	return out
}

func (r *Registry) taken(name string) bool {
	if _, ok := r.factories[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}
