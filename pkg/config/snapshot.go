package config

import (
	"time"

	"github.com/polisai/ruleflow/pkg/domain"
)

// CatalogFile is the on-disk representation of a rule catalog.
type CatalogFile struct {
	Generation string        `yaml:"generation" json:"generation"`
	Entities   []EntityFile  `yaml:"entities" json:"entities"`
	Bindings   []BindingFile `yaml:"bindings" json:"bindings"`
	Policies   []PolicyFile  `yaml:"policies" json:"policies"`
}

// EntityFile configures dispatch for one entity type.
type EntityFile struct {
	EntityType         string `yaml:"type" json:"type"`
	Bypassed           bool   `yaml:"bypassed" json:"bypassed"`
	BypassPermission   string `yaml:"bypass_permission" json:"bypass_permission"`
	RequiredPermission string `yaml:"required_permission" json:"required_permission"`
}

// BindingFile binds one rule to an entity type and phase.
type BindingFile struct {
	EntityType         string `yaml:"entity" json:"entity"`
	Phase              string `yaml:"phase" json:"phase"`
	Order              int    `yaml:"order" json:"order"`
	Rule               string `yaml:"rule" json:"rule"`
	Bypassed           bool   `yaml:"bypassed" json:"bypassed"`
	Description        string `yaml:"description" json:"description"`
	EntryCriteria      string `yaml:"entry_criteria" json:"entry_criteria"`
	RequiredPermission string `yaml:"required_permission" json:"required_permission"`
	BypassPermission   string `yaml:"bypass_permission" json:"bypass_permission"`
}

// PolicyFile declares a Rego-backed rule. Modules may be inlined or
// referenced as files relative to the catalog file.
type PolicyFile struct {
	ID         string            `yaml:"id" json:"id"`
	Entrypoint string            `yaml:"entrypoint" json:"entrypoint"`
	Modules    map[string]string `yaml:"modules" json:"modules"`
	Files      []string          `yaml:"files" json:"files"`
}

// Snapshot is one successfully parsed version of the catalog file.
type Snapshot struct {
	Generation string
	ReceivedAt time.Time
	Catalog    domain.CatalogSpec
}
