package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/polisai/ruleflow/pkg/domain"
)

var criteriaEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("old", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entity", cel.StringType),
		cel.Variable("phase", cel.StringType),
	)
})

// Criteria is a compiled entry criteria expression. A record is handed to a
// rule only when its criteria evaluate to true.
type Criteria struct {
	source  string
	program cel.Program
}

// CompileCriteria compiles a CEL expression over record, old, entity and
// phase. The expression must produce a bool.
func CompileCriteria(expr string) (*Criteria, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("expression required")
	}
	env, err := criteriaEnv()
	if err != nil {
		return nil, fmt.Errorf("criteria environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must produce bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Criteria{source: expr, program: program}, nil
}

// String returns the expression source.
func (c *Criteria) String() string {
	return c.source
}

// Match evaluates the criteria for one record. old may be nil.
func (c *Criteria) Match(entityType string, phase domain.Phase, rec, old *domain.Record) (bool, error) {
	out, _, err := c.program.Eval(map[string]any{
		"record": fieldsOf(rec),
		"old":    fieldsOf(old),
		"entity": entityType,
		"phase":  string(phase),
	})
	if err != nil {
		return false, fmt.Errorf("entry criteria %q: %w", c.source, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("entry criteria %q: result is %T, not bool", c.source, out.Value())
	}
	return matched, nil
}

func fieldsOf(rec *domain.Record) map[string]any {
	if rec == nil || rec.Fields == nil {
		return map[string]any{}
	}
	return rec.Fields
}
