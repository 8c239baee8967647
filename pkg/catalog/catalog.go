package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/polisai/ruleflow/pkg/domain"
)

// Entry is a resolved binding ready for dispatch. RuleID is the canonical
// id even when the binding names an alias.
type Entry struct {
	Binding  domain.RuleBinding
	RuleID   string
	Rule     domain.Rule
	Criteria *Criteria
}

type key struct {
	entityType string
	phase      domain.Phase
}

// Catalog is an immutable, ordered view of the rule bindings.
type Catalog struct {
	generation string
	loadedAt   time.Time
	entries    map[key][]Entry
	settings   map[string]domain.EntitySetting
	size       int
}

// Source yields the catalog a dispatch should use.
type Source interface {
	Current() *Catalog
}

// Empty returns a catalog without bindings.
func Empty() *Catalog {
	return &Catalog{
		entries:  make(map[key][]Entry),
		settings: make(map[string]domain.EntitySetting),
		loadedAt: time.Now(),
	}
}

// Load validates spec against registry and builds a catalog. Every problem
// found is returned, joined, as *domain.ConfigurationError values.
func Load(spec domain.CatalogSpec, registry *Registry) (*Catalog, error) {
	if registry == nil {
		return nil, &domain.ConfigurationError{Reason: "rule registry is required"}
	}

	c := Empty()
	c.generation = spec.Generation

	var problems []error

	for i, setting := range spec.Entities {
		name := strings.TrimSpace(setting.EntityType)
		if name == "" {
			problems = append(problems, &domain.ConfigurationError{
				Reason: fmt.Sprintf("entity setting[%d]: entity type is required", i),
				Err:    domain.ErrMalformedBinding,
			})
			continue
		}
		if _, dup := c.settings[name]; dup {
			problems = append(problems, &domain.ConfigurationError{
				EntityType: name,
				Reason:     "duplicate entity setting",
				Err:        domain.ErrMalformedBinding,
			})
			continue
		}
		setting.EntityType = name
		c.settings[name] = setting
	}

	seen := make(map[string]int)
	for i, binding := range spec.Bindings {
		entry, err := resolve(i, binding, registry)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		b := entry.Binding
		dupKey := b.EntityType + "\x00" + string(b.Phase) + "\x00" + entry.RuleID
		if first, dup := seen[dupKey]; dup {
			problems = append(problems, &domain.ConfigurationError{
				EntityType: b.EntityType,
				Phase:      b.Phase,
				RuleID:     entry.RuleID,
				Reason:     fmt.Sprintf("binding[%d] duplicates binding[%d]", i, first),
				Err:        domain.ErrMalformedBinding,
			})
			continue
		}
		seen[dupKey] = i

		k := key{entityType: b.EntityType, phase: b.Phase}
		c.entries[k] = append(c.entries[k], entry)
		c.size++
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	for k := range c.entries {
		slices.SortStableFunc(c.entries[k], func(a, b Entry) int {
			return domain.CompareBindings(a.Binding, b.Binding)
		})
	}

	return c, nil
}

func resolve(i int, b domain.RuleBinding, registry *Registry) (Entry, error) {
	b.EntityType = strings.TrimSpace(b.EntityType)
	b.RuleID = strings.TrimSpace(b.RuleID)

	malformed := func(reason string) error {
		return &domain.ConfigurationError{
			EntityType: b.EntityType,
			Phase:      b.Phase,
			RuleID:     b.RuleID,
			Reason:     fmt.Sprintf("binding[%d]: %s", i, reason),
			Err:        domain.ErrMalformedBinding,
		}
	}

	switch {
	case b.EntityType == "":
		return Entry{}, malformed("entity type is required")
	case b.RuleID == "":
		return Entry{}, malformed("rule id is required")
	case !b.Phase.Valid():
		return Entry{}, malformed(fmt.Sprintf("unknown phase %q", b.Phase))
	}

	factory, canonical, ok := registry.Resolve(b.RuleID)
	if !ok {
		return Entry{}, &domain.ConfigurationError{
			EntityType: b.EntityType,
			Phase:      b.Phase,
			RuleID:     b.RuleID,
			Reason:     fmt.Sprintf("binding[%d]: no implementation registered", i),
			Err:        domain.ErrUnknownRule,
		}
	}

	rule, err := factory()
	if err != nil {
		return Entry{}, &domain.ConfigurationError{
			EntityType: b.EntityType,
			Phase:      b.Phase,
			RuleID:     b.RuleID,
			Reason:     fmt.Sprintf("binding[%d]: construct %s", i, canonical),
			Err:        err,
		}
	}
	if rule == nil {
		return Entry{}, malformed(fmt.Sprintf("factory for %s returned no rule", canonical))
	}

	if !domain.Supports(rule, b.Phase) {
		return Entry{}, &domain.ConfigurationError{
			EntityType: b.EntityType,
			Phase:      b.Phase,
			RuleID:     b.RuleID,
			Reason:     fmt.Sprintf("binding[%d]: %T implements %v", i, rule, domain.SupportedPhases(rule)),
			Err:        domain.ErrCapabilityMismatch,
		}
	}

	entry := Entry{Binding: b, RuleID: canonical, Rule: rule}
	if strings.TrimSpace(b.EntryCriteria) != "" {
		criteria, err := CompileCriteria(b.EntryCriteria)
		if err != nil {
			return Entry{}, &domain.ConfigurationError{
				EntityType: b.EntityType,
				Phase:      b.Phase,
				RuleID:     b.RuleID,
				Reason:     fmt.Sprintf("binding[%d]: entry criteria", i),
				Err:        err,
			}
		}
		entry.Criteria = criteria
	}
	return entry, nil
}

// Current lets a *Catalog serve as its own Source.
func (c *Catalog) Current() *Catalog {
	return c
}

// Generation returns the configuration generation the catalog was built from.
func (c *Catalog) Generation() string {
	return c.generation
}

// LoadedAt returns the build time.
func (c *Catalog) LoadedAt() time.Time {
	return c.loadedAt
}

// Len returns the total number of bindings.
func (c *Catalog) Len() int {
	return c.size
}

// Entries returns the resolved entries for (entityType, phase) in execution order.
func (c *Catalog) Entries(entityType string, phase domain.Phase) []Entry {
	return slices.Clone(c.entries[key{entityType: entityType, phase: phase}])
}

// BindingsFor returns the bindings for (entityType, phase) sorted by order,
// ties broken by rule id.
func (c *Catalog) BindingsFor(entityType string, phase domain.Phase) []domain.RuleBinding {
	entries := c.entries[key{entityType: entityType, phase: phase}]
	out := make([]domain.RuleBinding, len(entries))
	for i, e := range entries {
		out[i] = e.Binding
	}
	return out
}

// All returns every binding grouped by entity type then lifecycle phase.
func (c *Catalog) All() []domain.RuleBinding {
	var out []domain.RuleBinding
	for _, entity := range c.EntityTypes() {
		for _, phase := range domain.Phases {
			out = append(out, c.BindingsFor(entity, phase)...)
		}
	}
	return out
}

// Setting returns the entity setting for entityType, if configured.
func (c *Catalog) Setting(entityType string) (domain.EntitySetting, bool) {
	s, ok := c.settings[entityType]
	return s, ok
}

// EntityTypes returns every entity type with bindings or settings.
func (c *Catalog) EntityTypes() []string {
	set := make(map[string]struct{})
	for k := range c.entries {
		set[k.entityType] = struct{}{}
	}
	for name := range c.settings {
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Holder keeps the active catalog and swaps it atomically on reload.
// Dispatches already running keep the catalog they started with.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder returns a holder serving c, or an empty catalog when c is nil.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	if c == nil {
		c = Empty()
	}
	h.current.Store(c)
	return h
}

// Current returns the active catalog.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// Replace installs c and returns the previous catalog.
func (h *Holder) Replace(c *Catalog) *Catalog {
	if c == nil {
		c = Empty()
	}
	return h.current.Swap(c)
}
