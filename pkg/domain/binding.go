package domain

// RuleBinding associates one rule with one (entity type, phase) at a given
// execution order.
type RuleBinding struct {
	EntityType         string `json:"entityType" yaml:"entityType"`
	Phase              Phase  `json:"phase" yaml:"phase"`
	Order              int    `json:"order" yaml:"order"`
	RuleID             string `json:"ruleId" yaml:"ruleId"`
	Bypassed           bool   `json:"bypassed,omitempty" yaml:"bypassed,omitempty"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	EntryCriteria      string `json:"entryCriteria,omitempty" yaml:"entryCriteria,omitempty"`
	RequiredPermission string `json:"requiredPermission,omitempty" yaml:"requiredPermission,omitempty"`
	BypassPermission   string `json:"bypassPermission,omitempty" yaml:"bypassPermission,omitempty"`
}

// Less orders bindings by Order ascending, ties broken by RuleID.
func (b RuleBinding) Less(other RuleBinding) bool {
	if b.Order != other.Order {
		return b.Order < other.Order
	}
	return b.RuleID < other.RuleID
}

// CompareBindings is a three-way comparison compatible with slices.SortFunc.
func CompareBindings(a, b RuleBinding) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// EntitySetting holds per-entity dispatch toggles.
type EntitySetting struct {
	EntityType         string `json:"entityType" yaml:"entityType"`
	Bypassed           bool   `json:"bypassed,omitempty" yaml:"bypassed,omitempty"`
	BypassPermission   string `json:"bypassPermission,omitempty" yaml:"bypassPermission,omitempty"`
	RequiredPermission string `json:"requiredPermission,omitempty" yaml:"requiredPermission,omitempty"`
}

// PolicyRule declares a rule whose logic is a Rego policy instead of code.
type PolicyRule struct {
	ID         string            `json:"id" yaml:"id"`
	Entrypoint string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Modules    map[string]string `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// CatalogSpec is the configuration a catalog is built from.
type CatalogSpec struct {
	Generation string
	Entities   []EntitySetting
	Bindings   []RuleBinding
	Policies   []PolicyRule
}
