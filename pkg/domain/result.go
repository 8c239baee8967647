package domain

// SkipReason explains why a bound rule did not run.
type SkipReason string

const (
	// SkipConfigured means the binding is bypassed in configuration.
	SkipConfigured SkipReason = "configured"
	// SkipBypassed means the rule id is in the bypass registry.
	SkipBypassed SkipReason = "bypassed"
	// SkipPermission means the caller holds the bypass permission or lacks
	// the required permission.
	SkipPermission SkipReason = "permission"
	// SkipEntryCriteria means no record matched the entry criteria.
	SkipEntryCriteria SkipReason = "entry_criteria"
	// SkipNoRecords means every record was withheld after earlier failures.
	SkipNoRecords SkipReason = "no_records"
)

// SkippedRule records a bound rule that did not run.
type SkippedRule struct {
	RuleID string     `json:"ruleId"`
	Reason SkipReason `json:"reason"`
}

// ExecutionResult collects the outcome of one dispatch call.
type ExecutionResult struct {
	EntityType string            `json:"entityType"`
	Phase      Phase             `json:"phase"`
	Bypassed   bool              `json:"bypassed,omitempty"`
	Executed   []string          `json:"executed,omitempty"`
	Skipped    []SkippedRule     `json:"skipped,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// Empty reports whether no record error was produced.
func (r ExecutionResult) Empty() bool {
	return len(r.Errors) == 0
}

// ForRecord returns the errors attached to the record with the given key,
// as produced by ValidationError.RecordKey.
func (r ExecutionResult) ForRecord(key string) []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if e.RecordKey() == key {
			out = append(out, e)
		}
	}
	return out
}

// ForIndex returns the errors attached to the record at position i of the
// batch.
func (r ExecutionResult) ForIndex(i int) []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if e.Index == i {
			out = append(out, e)
		}
	}
	return out
}

// ByRecord groups errors by record key. Records without an id are keyed by
// batch position so they stay apart.
func (r ExecutionResult) ByRecord() map[string][]ValidationError {
	out := make(map[string][]ValidationError)
	for _, e := range r.Errors {
		k := e.RecordKey()
		out[k] = append(out[k], e)
	}
	return out
}
