package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
)

// Violation is one message returned by a policy for one record.
type Violation struct {
	Field   string
	Message string
}

// Rule evaluates a Rego policy per record. It implements every phase
// capability.
type Rule struct {
	id     string
	engine *Engine
}

// NewRule compiles spec into a rule.
func NewRule(ctx context.Context, spec domain.PolicyRule) (*Rule, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, fmt.Errorf("policy rule id is required")
	}
	engine, err := NewEngine(ctx, EngineOptions{Entrypoint: spec.Entrypoint, Modules: spec.Modules})
	if err != nil {
		return nil, err
	}
	return &Rule{id: spec.ID, engine: engine}, nil
}

// RegisterRules compiles every policy rule and registers it under its id.
// Failures are reported as *domain.ConfigurationError.
func RegisterRules(ctx context.Context, registry *catalog.Registry, specs []domain.PolicyRule) error {
	for _, spec := range specs {
		rule, err := NewRule(ctx, spec)
		if err != nil {
			return &domain.ConfigurationError{RuleID: spec.ID, Reason: "compile policy rule", Err: err}
		}
		if err := registry.RegisterRule(spec.ID, rule); err != nil {
			return &domain.ConfigurationError{RuleID: spec.ID, Reason: "register policy rule", Err: err}
		}
	}
	return nil
}

// ID returns the rule id.
func (r *Rule) ID() string { return r.id }

func (r *Rule) BeforeInsert(ctx context.Context, newRecords []*domain.Record) error {
	return r.apply(ctx, domain.BeforeInsert, newRecords, nil)
}

func (r *Rule) AfterInsert(ctx context.Context, newRecords []*domain.Record) error {
	return r.apply(ctx, domain.AfterInsert, newRecords, nil)
}

func (r *Rule) BeforeUpdate(ctx context.Context, newRecords, oldRecords []*domain.Record) error {
	return r.apply(ctx, domain.BeforeUpdate, newRecords, oldRecords)
}

func (r *Rule) AfterUpdate(ctx context.Context, newRecords, oldRecords []*domain.Record) error {
	return r.apply(ctx, domain.AfterUpdate, newRecords, oldRecords)
}

func (r *Rule) BeforeDelete(ctx context.Context, oldRecords []*domain.Record) error {
	return r.apply(ctx, domain.BeforeDelete, oldRecords, nil)
}

func (r *Rule) AfterDelete(ctx context.Context, oldRecords []*domain.Record) error {
	return r.apply(ctx, domain.AfterDelete, oldRecords, nil)
}

func (r *Rule) AfterUndelete(ctx context.Context, newRecords []*domain.Record) error {
	return r.apply(ctx, domain.AfterUndelete, newRecords, nil)
}

func (r *Rule) apply(ctx context.Context, phase domain.Phase, records, oldRecords []*domain.Record) error {
	oldByID := domain.IndexByID(oldRecords)
	for _, rec := range records {
		input := map[string]any{
			"entity":    rec.EntityType,
			"phase":     string(phase),
			"record_id": rec.ID,
			"record":    fieldsOrEmpty(rec),
			"old":       fieldsOrEmpty(oldByID[rec.ID]),
		}
		value, err := r.engine.Evaluate(ctx, input)
		if err != nil {
			return fmt.Errorf("record %q: %w", rec.ID, err)
		}
		violations, err := parseViolations(value)
		if err != nil {
			return fmt.Errorf("record %q: %w", rec.ID, err)
		}
		for _, v := range violations {
			if v.Field != "" {
				rec.AddFieldError(v.Field, v.Message)
			} else {
				rec.AddError(v.Message)
			}
		}
	}
	return nil
}

func fieldsOrEmpty(rec *domain.Record) map[string]any {
	if rec == nil || rec.Fields == nil {
		return map[string]any{}
	}
	return rec.Fields
}

// parseViolations accepts an undefined result, a bool (true means allowed),
// a single message, or a set/array of messages and {field, message} objects.
func parseViolations(value any) ([]Violation, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return nil, nil
		}
		return []Violation{{Message: "rejected by policy"}}, nil
	case string:
		return []Violation{{Message: v}}, nil
	case map[string]any:
		one, err := parseViolation(v)
		if err != nil {
			return nil, err
		}
		return []Violation{one}, nil
	case []any:
		out := make([]Violation, 0, len(v))
		for _, item := range v {
			switch typed := item.(type) {
			case string:
				out = append(out, Violation{Message: typed})
			case map[string]any:
				one, err := parseViolation(typed)
				if err != nil {
					return nil, err
				}
				out = append(out, one)
			default:
				return nil, fmt.Errorf("unexpected violation type %T", item)
			}
		}
		// Sets have no order; sort for stable error lists.
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Field != out[j].Field {
				return out[i].Field < out[j].Field
			}
			return out[i].Message < out[j].Message
		})
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected policy result type %T", value)
	}
}

func parseViolation(m map[string]any) (Violation, error) {
	msg, _ := m["message"].(string)
	if msg == "" {
		return Violation{}, fmt.Errorf("violation object requires a message")
	}
	field, _ := m["field"].(string)
	return Violation{Field: field, Message: msg}, nil
}
