package domain

import "context"

// Rule is any value implementing at least one of the phase capabilities
// below. Only phases a rule implements may be bound to it.
type Rule any

// BeforeInsertRule runs on new records before they are persisted.
type BeforeInsertRule interface {
	BeforeInsert(ctx context.Context, newRecords []*Record) error
}

// AfterInsertRule runs on new records after they are persisted.
type AfterInsertRule interface {
	AfterInsert(ctx context.Context, newRecords []*Record) error
}

// BeforeUpdateRule runs on changed records before they are persisted.
type BeforeUpdateRule interface {
	BeforeUpdate(ctx context.Context, newRecords, oldRecords []*Record) error
}

// AfterUpdateRule runs on changed records after they are persisted.
type AfterUpdateRule interface {
	AfterUpdate(ctx context.Context, newRecords, oldRecords []*Record) error
}

// BeforeDeleteRule runs on records about to be deleted.
type BeforeDeleteRule interface {
	BeforeDelete(ctx context.Context, oldRecords []*Record) error
}

// AfterDeleteRule runs on records after deletion.
type AfterDeleteRule interface {
	AfterDelete(ctx context.Context, oldRecords []*Record) error
}

// AfterUndeleteRule runs on records restored from deletion.
type AfterUndeleteRule interface {
	AfterUndelete(ctx context.Context, newRecords []*Record) error
}

// Supports reports whether rule implements the capability for phase.
func Supports(rule Rule, phase Phase) bool {
	switch phase {
	case BeforeInsert:
		_, ok := rule.(BeforeInsertRule)
		return ok
	case AfterInsert:
		_, ok := rule.(AfterInsertRule)
		return ok
	case BeforeUpdate:
		_, ok := rule.(BeforeUpdateRule)
		return ok
	case AfterUpdate:
		_, ok := rule.(AfterUpdateRule)
		return ok
	case BeforeDelete:
		_, ok := rule.(BeforeDeleteRule)
		return ok
	case AfterDelete:
		_, ok := rule.(AfterDeleteRule)
		return ok
	case AfterUndelete:
		_, ok := rule.(AfterUndeleteRule)
		return ok
	default:
		return false
	}
}

// SupportedPhases lists the phases rule implements, in lifecycle order.
func SupportedPhases(rule Rule) []Phase {
	var phases []Phase
	for _, p := range Phases {
		if Supports(rule, p) {
			phases = append(phases, p)
		}
	}
	return phases
}

// Invoke calls the phase method of rule. Delete phases receive the old
// records; the caller must have checked Supports first.
func Invoke(ctx context.Context, rule Rule, phase Phase, newRecords, oldRecords []*Record) error {
	switch phase {
	case BeforeInsert:
		return rule.(BeforeInsertRule).BeforeInsert(ctx, newRecords)
	case AfterInsert:
		return rule.(AfterInsertRule).AfterInsert(ctx, newRecords)
	case BeforeUpdate:
		return rule.(BeforeUpdateRule).BeforeUpdate(ctx, newRecords, oldRecords)
	case AfterUpdate:
		return rule.(AfterUpdateRule).AfterUpdate(ctx, newRecords, oldRecords)
	case BeforeDelete:
		return rule.(BeforeDeleteRule).BeforeDelete(ctx, oldRecords)
	case AfterDelete:
		return rule.(AfterDeleteRule).AfterDelete(ctx, oldRecords)
	case AfterUndelete:
		return rule.(AfterUndeleteRule).AfterUndelete(ctx, newRecords)
	default:
		return ErrInvalidPhase
	}
}

// TargetRecords returns the records a phase operates on: old records for
// delete phases, new records otherwise.
func TargetRecords(phase Phase, newRecords, oldRecords []*Record) []*Record {
	if phase.IsDelete() {
		return oldRecords
	}
	return newRecords
}

// RecordWriter performs dependent writes on behalf of after-phase rules.
type RecordWriter interface {
	Insert(ctx context.Context, records ...*Record) error
	Update(ctx context.Context, records ...*Record) error
}
