package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/ruleflow/pkg/domain"
	"gopkg.in/yaml.v3"
)

// LoadCatalogFile reads and converts the catalog file at path.
func LoadCatalogFile(path string) (domain.CatalogSpec, error) {
	//nolint:gosec // Catalog path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CatalogSpec{}, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	file, err := ParseCatalogFile(data)
	if err != nil {
		return domain.CatalogSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return file.ToDomain(filepath.Dir(path))
}

// ParseCatalogFile decodes YAML, falling back to JSON. An empty generation
// is replaced by a content hash so every distinct file gets its own.
func ParseCatalogFile(data []byte) (*CatalogFile, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse catalog file: %w", err)
		}
	}
	if strings.TrimSpace(file.Generation) == "" {
		sum := sha256.Sum256(data)
		file.Generation = hex.EncodeToString(sum[:8])
	}
	return &file, nil
}

// ToDomain converts the file into a catalog spec. Policy files are resolved
// against baseDir. Phase names are parsed leniently; values that do not name
// a phase are passed through so catalog loading reports them together with
// every other malformed binding.
func (f *CatalogFile) ToDomain(baseDir string) (domain.CatalogSpec, error) {
	spec := domain.CatalogSpec{
		Generation: f.Generation,
		Entities:   make([]domain.EntitySetting, 0, len(f.Entities)),
		Bindings:   make([]domain.RuleBinding, 0, len(f.Bindings)),
		Policies:   make([]domain.PolicyRule, 0, len(f.Policies)),
	}

	for _, e := range f.Entities {
		spec.Entities = append(spec.Entities, domain.EntitySetting{
			EntityType:         strings.TrimSpace(e.EntityType),
			Bypassed:           e.Bypassed,
			BypassPermission:   e.BypassPermission,
			RequiredPermission: e.RequiredPermission,
		})
	}

	for _, b := range f.Bindings {
		phase, err := domain.ParsePhase(b.Phase)
		if err != nil {
			phase = domain.Phase(b.Phase)
		}
		spec.Bindings = append(spec.Bindings, domain.RuleBinding{
			EntityType:         strings.TrimSpace(b.EntityType),
			Phase:              phase,
			Order:              b.Order,
			RuleID:             strings.TrimSpace(b.Rule),
			Bypassed:           b.Bypassed,
			Description:        b.Description,
			EntryCriteria:      b.EntryCriteria,
			RequiredPermission: b.RequiredPermission,
			BypassPermission:   b.BypassPermission,
		})
	}

	for i, p := range f.Policies {
		policy, err := p.toDomain(baseDir)
		if err != nil {
			return domain.CatalogSpec{}, fmt.Errorf("policy[%d] %q: %w", i, p.ID, err)
		}
		spec.Policies = append(spec.Policies, policy)
	}

	return spec, nil
}

func (p PolicyFile) toDomain(baseDir string) (domain.PolicyRule, error) {
	if strings.TrimSpace(p.ID) == "" {
		return domain.PolicyRule{}, NewConfigMissingError("policies.id")
	}

	modules := make(map[string]string, len(p.Modules)+len(p.Files))
	for name, src := range p.Modules {
		modules[name] = src
	}
	for _, file := range p.Files {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		//nolint:gosec // Policy paths come from the operator's catalog file
		data, err := os.ReadFile(path)
		if err != nil {
			return domain.PolicyRule{}, fmt.Errorf("read policy module: %w", err)
		}
		modules[filepath.Base(file)] = string(data)
	}
	if len(modules) == 0 {
		return domain.PolicyRule{}, NewConfigMissingError("policies.modules").
			WithSuggestion("Inline Rego under modules or list module paths under files")
	}

	return domain.PolicyRule{
		ID:         strings.TrimSpace(p.ID),
		Entrypoint: p.Entrypoint,
		Modules:    modules,
	}, nil
}
