package domain

import (
	"fmt"
	"maps"
)

// Record is an entity instance borrowed from the embedding layer for the
// duration of one dispatch call. Rules read and mutate Fields and attach
// errors; the record store owns persistence.
type Record struct {
	ID         string         `json:"id" yaml:"id"`
	EntityType string         `json:"type,omitempty" yaml:"type,omitempty"`
	Fields     map[string]any `json:"fields" yaml:"fields"`

	errs []ValidationError
}

// NewRecord constructs a record of the given entity type.
func NewRecord(entityType, id string, fields map[string]any) *Record {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Record{ID: id, EntityType: entityType, Fields: fields}
}

// Get returns the raw field value.
func (r *Record) Get(field string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	return v, ok
}

// String returns the field formatted as a string, or "" when unset.
func (r *Record) String(field string) string {
	v, ok := r.Get(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Set assigns a field value.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
}

// AddError rejects the record with a record-level message.
func (r *Record) AddError(message string) {
	r.errs = append(r.errs, ValidationError{RecordID: r.ID, Message: message})
}

// AddFieldError rejects the record with a message attached to one field.
func (r *Record) AddFieldError(field, message string) {
	r.errs = append(r.errs, ValidationError{RecordID: r.ID, Field: field, Message: message})
}

// HasErrors reports whether any error has been attached.
func (r *Record) HasErrors() bool {
	return len(r.errs) > 0
}

// Errors returns a copy of the attached errors.
func (r *Record) Errors() []ValidationError {
	return append([]ValidationError(nil), r.errs...)
}

// ErrorCount returns the number of attached errors.
func (r *Record) ErrorCount() int {
	return len(r.errs)
}

// ClaimErrors attributes every error attached at or after index from to
// ruleID (unless a rule id is already set) and returns them.
func (r *Record) ClaimErrors(from int, ruleID string) []ValidationError {
	if from < 0 {
		from = 0
	}
	if from >= len(r.errs) {
		return nil
	}
	claimed := make([]ValidationError, 0, len(r.errs)-from)
	for i := from; i < len(r.errs); i++ {
		if r.errs[i].RuleID == "" {
			r.errs[i].RuleID = ruleID
		}
		if r.errs[i].RecordID == "" {
			r.errs[i].RecordID = r.ID
		}
		claimed = append(claimed, r.errs[i])
	}
	return claimed
}

// ClearErrors drops attached errors, e.g. before a record is retried.
func (r *Record) ClearErrors() {
	r.errs = nil
}

// Clone returns a copy of the record without its errors. Field values are
// copied shallowly.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{ID: r.ID, EntityType: r.EntityType, Fields: maps.Clone(r.Fields)}
}

// IndexByID maps records by id, skipping records without one.
func IndexByID(records []*Record) map[string]*Record {
	index := make(map[string]*Record, len(records))
	for _, rec := range records {
		if rec != nil && rec.ID != "" {
			index[rec.ID] = rec
		}
	}
	return index
}
