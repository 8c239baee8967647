package domain

import (
	"fmt"
	"strings"
)

// Phase names a point in an entity lifecycle at which rules may run.
type Phase string

const (
	// BeforeInsert runs before new records are persisted.
	BeforeInsert Phase = "before_insert"
	// AfterInsert runs after new records are persisted.
	AfterInsert Phase = "after_insert"
	// BeforeUpdate runs before changed records are persisted.
	BeforeUpdate Phase = "before_update"
	// AfterUpdate runs after changed records are persisted.
	AfterUpdate Phase = "after_update"
	// BeforeDelete runs before records are deleted.
	BeforeDelete Phase = "before_delete"
	// AfterDelete runs after records are deleted.
	AfterDelete Phase = "after_delete"
	// AfterUndelete runs after deleted records are restored.
	AfterUndelete Phase = "after_undelete"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	BeforeInsert,
	AfterInsert,
	BeforeUpdate,
	AfterUpdate,
	BeforeDelete,
	AfterDelete,
	AfterUndelete,
}

// ParsePhase accepts the canonical snake_case form as well as the
// CamelCase and upper-case spellings used by trigger contexts
// (BeforeInsert, BEFORE_INSERT).
func ParsePhase(raw string) (Phase, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	for _, p := range Phases {
		if strings.ReplaceAll(string(p), "_", "") == normalized {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, raw)
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// IsBefore reports whether the phase runs before persistence.
func (p Phase) IsBefore() bool {
	return strings.HasPrefix(string(p), "before_")
}

// IsUpdate reports whether the phase carries both new and old records.
func (p Phase) IsUpdate() bool {
	return p == BeforeUpdate || p == AfterUpdate
}

// IsDelete reports whether the phase operates on old records only.
func (p Phase) IsDelete() bool {
	return p == BeforeDelete || p == AfterDelete
}

func (p Phase) String() string {
	return string(p)
}
